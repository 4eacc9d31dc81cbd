package store

import (
	"database/sql"
	"fmt"
	"time"
)

const sessionSelectCols = `SELECT id, sandbox_id, desired_state, observed_state, network_id, endpoint,
	idle_timeout_seconds, last_activity, ready_at, failed_reason, created_at, updated_at, version`

func (s *Store) CreateSession(sess *Session) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, sandbox_id, desired_state, observed_state, network_id, endpoint,
				idle_timeout_seconds, last_activity, ready_at, failed_reason, created_at, updated_at, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			sess.ID, sess.SandboxID, sess.DesiredState, sess.ObservedState, sess.NetworkID, sess.Endpoint,
			sess.IdleTimeoutSeconds, sess.LastActivity, sess.ReadyAt, sess.FailedReason,
			sess.CreatedAt, sess.UpdatedAt,
		)
		return err
	})
}

func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(sessionSelectCols+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetCurrentSession returns the non-stopped/non-failed session for sandbox,
// or ErrNotFound if none — at most one exists by the sessions table's
// partial unique index.
func (s *Store) GetCurrentSession(sandboxID string) (*Session, error) {
	row := s.db.QueryRow(
		sessionSelectCols+` FROM sessions WHERE sandbox_id = ? AND observed_state NOT IN ('stopped', 'failed')
			ORDER BY created_at DESC LIMIT 1`, sandboxID)
	return scanSession(row)
}

func (s *Store) ListRunningSessions() ([]*Session, error) {
	rows, err := s.db.Query(sessionSelectCols + ` FROM sessions WHERE observed_state = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("listing running sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListIdleSessions returns running sessions whose idle deadline has passed,
// for IdleSessionGC.
func (s *Store) ListIdleSessions(now time.Time) ([]*Session, error) {
	rows, err := s.db.Query(sessionSelectCols + ` FROM sessions WHERE observed_state = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("listing idle sessions: %w", err)
	}
	defer rows.Close()
	running, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	var out []*Session
	for _, sess := range running {
		if sess.LastActivity.Add(time.Duration(sess.IdleTimeoutSeconds) * time.Second).Before(now) {
			out = append(out, sess)
		}
	}
	return out, nil
}

// ListLiveSessionIDs returns ids of sessions not in a terminal state, used
// by OrphanContainerGC to decide whether a backend container's session-id
// label still maps to something alive.
func (s *Store) ListLiveSessionIDs() (map[string]bool, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sessions WHERE observed_state NOT IN ('stopped', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("listing live session ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) UpdateSession(sess *Session) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.Exec(
			`UPDATE sessions SET desired_state = ?, observed_state = ?, network_id = ?, endpoint = ?,
				idle_timeout_seconds = ?, last_activity = ?, ready_at = ?, failed_reason = ?, updated_at = ?,
				version = version + 1
			 WHERE id = ? AND version = ?`,
			sess.DesiredState, sess.ObservedState, sess.NetworkID, sess.Endpoint, sess.IdleTimeoutSeconds,
			sess.LastActivity, sess.ReadyAt, sess.FailedReason, sess.UpdatedAt, sess.ID, sess.Version,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	sess.Version++
	return nil
}

func (s *Store) DeleteSession(id string) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
		return err
	})
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.SandboxID, &sess.DesiredState, &sess.ObservedState, &sess.NetworkID,
		&sess.Endpoint, &sess.IdleTimeoutSeconds, &sess.LastActivity, &sess.ReadyAt, &sess.FailedReason,
		&sess.CreatedAt, &sess.UpdatedAt, &sess.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- session_containers ---

func (s *Store) ReplaceSessionContainers(sessionID string, containers []*SessionContainer) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM session_containers WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		for _, c := range containers {
			if _, err := tx.Exec(
				`INSERT INTO session_containers (id, session_id, name, role, image, container_id, endpoint,
					capabilities, observed_state, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.SessionID, c.Name, c.Role, c.Image, c.ContainerID, c.Endpoint,
				joinCaps(c.Capabilities), c.ObservedState, c.CreatedAt, c.UpdatedAt,
			); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (s *Store) ListSessionContainers(sessionID string) ([]*SessionContainer, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, name, role, image, container_id, endpoint, capabilities, observed_state,
			created_at, updated_at FROM session_containers WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing session containers: %w", err)
	}
	defer rows.Close()

	var out []*SessionContainer
	for rows.Next() {
		var c SessionContainer
		var caps string
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Name, &c.Role, &c.Image, &c.ContainerID, &c.Endpoint,
			&caps, &c.ObservedState, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session container: %w", err)
		}
		c.Capabilities = splitCaps(caps)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func joinCaps(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func splitCaps(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return out
}
