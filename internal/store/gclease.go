package store

import (
	"database/sql"
	"fmt"
	"time"
)

// AcquireLease attempts to take the named GC task's lease for holder until
// expiresAt. It succeeds if no lease row exists, or the existing one has
// expired. Used to keep GC tasks from double-running across instances when
// more than one bayd process shares a store.
func (s *Store) AcquireLease(taskName, holder string, expiresAt, now time.Time) (bool, error) {
	var acquired bool
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existingHolder string
		var existingExpiry time.Time
		err = tx.QueryRow(`SELECT holder, expires_at FROM gc_leases WHERE task_name = ?`, taskName).
			Scan(&existingHolder, &existingExpiry)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(
				`INSERT INTO gc_leases (task_name, holder, expires_at) VALUES (?, ?, ?)`,
				taskName, holder, expiresAt,
			); err != nil {
				return err
			}
			acquired = true
		case err != nil:
			return err
		case existingExpiry.Before(now) || existingHolder == holder:
			if _, err := tx.Exec(
				`UPDATE gc_leases SET holder = ?, expires_at = ? WHERE task_name = ?`,
				holder, expiresAt, taskName,
			); err != nil {
				return err
			}
			acquired = true
		default:
			acquired = false
		}
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("acquiring lease %s: %w", taskName, err)
	}
	return acquired, nil
}

// ReleaseLease drops holder's lease early, letting another instance acquire
// it before its natural expiry.
func (s *Store) ReleaseLease(taskName, holder string) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(`DELETE FROM gc_leases WHERE task_name = ? AND holder = ?`, taskName, holder)
		return err
	})
}

func (s *Store) GetLease(taskName string) (*GCLease, error) {
	row := s.db.QueryRow(`SELECT task_name, holder, expires_at FROM gc_leases WHERE task_name = ?`, taskName)
	var l GCLease
	err := row.Scan(&l.TaskName, &l.Holder, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning gc lease: %w", err)
	}
	return &l, nil
}
