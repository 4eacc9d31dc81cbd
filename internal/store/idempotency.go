package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertIdempotencyRecord inserts the in_progress marker for (owner, key,
// scope). A unique-constraint violation means a concurrent caller won the
// race; the caller should then GetIdempotencyRecord to see which fingerprint
// landed.
func (s *Store) InsertIdempotencyRecord(r *IdempotencyRecord) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO idempotency_keys (owner, idempotency_key, scope, fingerprint, status,
				response_body, response_status, created_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Owner, r.Key, r.Scope, r.Fingerprint, r.Status, r.ResponseBody, r.ResponseStatus,
			r.CreatedAt, r.ExpiresAt,
		)
		return err
	})
}

func (s *Store) GetIdempotencyRecord(owner, key, scope string) (*IdempotencyRecord, error) {
	row := s.db.QueryRow(
		`SELECT owner, idempotency_key, scope, fingerprint, status, response_body, response_status,
			created_at, expires_at
		 FROM idempotency_keys WHERE owner = ? AND idempotency_key = ? AND scope = ?`,
		owner, key, scope,
	)
	var r IdempotencyRecord
	err := row.Scan(&r.Owner, &r.Key, &r.Scope, &r.Fingerprint, &r.Status, &r.ResponseBody,
		&r.ResponseStatus, &r.CreatedAt, &r.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning idempotency record: %w", err)
	}
	return &r, nil
}

func (s *Store) CompleteIdempotencyRecord(owner, key, scope, body string, status int) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`UPDATE idempotency_keys SET status = 'complete', response_body = ?, response_status = ?
			 WHERE owner = ? AND idempotency_key = ? AND scope = ?`,
			body, status, owner, key, scope,
		)
		return err
	})
}

// DeleteIdempotencyRecord removes a record — used to unwind an in_progress
// marker if the handler itself fails before completing.
func (s *Store) DeleteIdempotencyRecord(owner, key, scope string) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`DELETE FROM idempotency_keys WHERE owner = ? AND idempotency_key = ? AND scope = ?`,
			owner, key, scope,
		)
		return err
	})
}

func (s *Store) PurgeExpiredIdempotencyRecords(now time.Time) (int64, error) {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.Exec(`DELETE FROM idempotency_keys WHERE expires_at < ?`, now)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("purging idempotency records: %w", err)
	}
	return checkRowsAffected(res)
}
