package store

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) CreateSandbox(sb *Sandbox) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sandboxes (id, owner, profile_id, cargo_id, current_session_id, desired_state,
				expires_at, idle_expires_at, last_activity, created_at, deleted_at, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			sb.ID, sb.Owner, sb.ProfileID, sb.CargoID, sb.CurrentSessionID, sb.DesiredState,
			sb.ExpiresAt, sb.IdleExpiresAt, sb.LastActivity, sb.CreatedAt, sb.DeletedAt,
		)
		return err
	})
}

func (s *Store) GetSandbox(id string) (*Sandbox, error) {
	row := s.db.QueryRow(sandboxSelectCols+` FROM sandboxes WHERE id = ?`, id)
	return scanSandbox(row)
}

// GetSandboxForOwner returns the sandbox only if owned by owner and not
// soft-deleted, else ErrNotFound.
func (s *Store) GetSandboxForOwner(id, owner string) (*Sandbox, error) {
	row := s.db.QueryRow(
		sandboxSelectCols+` FROM sandboxes WHERE id = ? AND owner = ? AND deleted_at IS NULL`, id, owner)
	return scanSandbox(row)
}

// ListSandboxes returns up to limit non-deleted sandboxes for owner,
// ordered newest first; when before is set, only those created strictly
// before it.
func (s *Store) ListSandboxes(owner string, limit int, before *time.Time) ([]*Sandbox, error) {
	query := sandboxSelectCols + ` FROM sandboxes WHERE owner = ? AND deleted_at IS NULL`
	args := []any{owner}
	if before != nil {
		query += ` AND created_at < ?`
		args = append(args, *before)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// ListExpiredSandboxes returns non-deleted sandboxes whose expires_at has
// passed, for ExpiredSandboxGC.
func (s *Store) ListExpiredSandboxes(now time.Time) ([]*Sandbox, error) {
	rows, err := s.db.Query(
		sandboxSelectCols+` FROM sandboxes WHERE deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired sandboxes: %w", err)
	}
	defer rows.Close()

	var out []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sb)
	}
	return out, rows.Err()
}

// UpdateSandbox performs an optimistic-concurrency update: the caller
// passes the in-memory version it read, and the row is only updated if that
// version still matches. Returns ErrVersionConflict otherwise.
func (s *Store) UpdateSandbox(sb *Sandbox) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.Exec(
			`UPDATE sandboxes SET current_session_id = ?, desired_state = ?, expires_at = ?,
				idle_expires_at = ?, last_activity = ?, deleted_at = ?, version = version + 1
			 WHERE id = ? AND version = ?`,
			sb.CurrentSessionID, sb.DesiredState, sb.ExpiresAt, sb.IdleExpiresAt, sb.LastActivity,
			sb.DeletedAt, sb.ID, sb.Version,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating sandbox: %w", err)
	}
	n, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	sb.Version++
	return nil
}

const sandboxSelectCols = `SELECT id, owner, profile_id, cargo_id, current_session_id, desired_state,
	expires_at, idle_expires_at, last_activity, created_at, deleted_at, version`

type scannable interface {
	Scan(dest ...any) error
}

func scanSandbox(row scannable) (*Sandbox, error) {
	var sb Sandbox
	err := row.Scan(&sb.ID, &sb.Owner, &sb.ProfileID, &sb.CargoID, &sb.CurrentSessionID, &sb.DesiredState,
		&sb.ExpiresAt, &sb.IdleExpiresAt, &sb.LastActivity, &sb.CreatedAt, &sb.DeletedAt, &sb.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sandbox: %w", err)
	}
	return &sb, nil
}
