package store

import (
	"database/sql"
	"fmt"
)

func (s *Store) CreateExecution(e *Execution) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO executions (id, sandbox_id, type, input, output, stdout, stderr, exit_code,
				success, duration_ms, started_at, tags, description, notes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SandboxID, e.Type, e.Input, e.Output, e.Stdout, e.Stderr, e.ExitCode, e.Success,
			e.DurationMs, e.StartedAt, joinCaps(e.Tags), e.Description, e.Notes, e.CreatedAt,
		)
		return err
	})
}

func (s *Store) GetExecution(id string) (*Execution, error) {
	row := s.db.QueryRow(executionSelectCols+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// GetLastExecution returns the most recent execution for sandboxID.
func (s *Store) GetLastExecution(sandboxID string) (*Execution, error) {
	row := s.db.QueryRow(
		executionSelectCols+` FROM executions WHERE sandbox_id = ? ORDER BY started_at DESC LIMIT 1`,
		sandboxID)
	return scanExecution(row)
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	SandboxID string
	Type      string
	Success   *bool
	Tag       string
	Limit     int
}

func (s *Store) ListExecutions(f ExecutionFilter) ([]*Execution, error) {
	query := executionSelectCols + ` FROM executions WHERE 1 = 1`
	var args []any
	if f.SandboxID != "" {
		query += ` AND sandbox_id = ?`
		args = append(args, f.SandboxID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.Success != nil {
		query += ` AND success = ?`
		args = append(args, *f.Success)
	}
	if f.Tag != "" {
		query += ` AND (',' || tags || ',') LIKE ?`
		args = append(args, "%,"+f.Tag+",%")
	}
	query += ` ORDER BY started_at DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AnnotateExecution updates the mutable annotation fields only; everything
// else about an execution record is immutable.
func (s *Store) AnnotateExecution(id string, description, notes *string, tags []string) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`UPDATE executions SET description = ?, notes = ?, tags = ? WHERE id = ?`,
			description, notes, joinCaps(tags), id,
		)
		return err
	})
}

const executionSelectCols = `SELECT id, sandbox_id, type, input, output, stdout, stderr, exit_code,
	success, duration_ms, started_at, tags, description, notes, created_at`

func scanExecution(row scannable) (*Execution, error) {
	var e Execution
	var tags string
	err := row.Scan(&e.ID, &e.SandboxID, &e.Type, &e.Input, &e.Output, &e.Stdout, &e.Stderr, &e.ExitCode,
		&e.Success, &e.DurationMs, &e.StartedAt, &tags, &e.Description, &e.Notes, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	e.Tags = splitCaps(tags)
	return &e, nil
}
