// Package idempotency implements the idempotency-key discipline for
// mutating endpoints, grounded on the core spec's IdempotencyService plus
// p-arndt-sandkasten's insert-wins-race/checkRowsAffected pattern for
// resolving a unique-constraint collision into a winner and losers.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"bay/internal/monitor"
	"bay/internal/store"
)

// DefaultTTL is how long a completed record is replayable before it is
// eligible for purge.
const DefaultTTL = 24 * time.Hour

// ErrFingerprintMismatch means the same (owner, key, scope) was reused with
// a different request body.
var ErrFingerprintMismatch = errors.New("idempotency: fingerprint mismatch")

// ErrInProgress means a concurrent caller already owns this key and hasn't
// completed yet.
var ErrInProgress = errors.New("idempotency: request in progress")

type Service struct {
	store *store.Store
	ttl   time.Duration
}

func NewService(st *store.Store) *Service {
	return &Service{store: st, ttl: DefaultTTL}
}

// Fingerprint canonicalizes body (by round-tripping through JSON with
// sorted keys via map re-marshal) and hashes it. A string body holding JSON
// text is decoded first; a string that is not JSON is hashed as-is.
func Fingerprint(body any) (string, error) {
	if s, ok := body.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err == nil {
			body = decoded
		}
	}
	canonical, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Begin claims (owner, key, scope) for this request. If a prior record
// exists with a matching fingerprint and status=complete, it returns the
// cached response and done=true — the caller must not re-run the handler.
// If the fingerprint mismatches, ErrFingerprintMismatch. If a prior record
// is still in_progress, ErrInProgress. Otherwise it inserts a fresh
// in_progress marker and the caller proceeds to Complete.
func (s *Service) Begin(owner, key, scope, fingerprint string) (cachedBody string, cachedStatus int, done bool, err error) {
	existing, err := s.store.GetIdempotencyRecord(owner, key, scope)
	if err == nil {
		if existing.Fingerprint != fingerprint {
			return "", 0, false, ErrFingerprintMismatch
		}
		if existing.Status == "complete" {
			body := ""
			status := 0
			if existing.ResponseBody != nil {
				body = *existing.ResponseBody
			}
			if existing.ResponseStatus != nil {
				status = *existing.ResponseStatus
			}
			monitor.IdempotencyReplays.Inc()
			return body, status, true, nil
		}
		return "", 0, false, ErrInProgress
	}
	if err != store.ErrNotFound {
		return "", 0, false, err
	}

	now := time.Now().UTC()
	rec := &store.IdempotencyRecord{
		Owner:       owner,
		Key:         key,
		Scope:       scope,
		Fingerprint: fingerprint,
		Status:      "in_progress",
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.store.InsertIdempotencyRecord(rec); err != nil {
		// A concurrent caller won the unique-constraint race; re-read and
		// resolve against the winner's record instead of erroring.
		existing, getErr := s.store.GetIdempotencyRecord(owner, key, scope)
		if getErr != nil {
			return "", 0, false, err
		}
		if existing.Fingerprint != fingerprint {
			return "", 0, false, ErrFingerprintMismatch
		}
		if existing.Status == "complete" {
			body := ""
			status := 0
			if existing.ResponseBody != nil {
				body = *existing.ResponseBody
			}
			if existing.ResponseStatus != nil {
				status = *existing.ResponseStatus
			}
			monitor.IdempotencyReplays.Inc()
			return body, status, true, nil
		}
		return "", 0, false, ErrInProgress
	}
	return "", 0, false, nil
}

// Complete persists the response snapshot and marks the record complete so
// later callers with the same key/fingerprint replay it.
func (s *Service) Complete(owner, key, scope, body string, status int) error {
	return s.store.CompleteIdempotencyRecord(owner, key, scope, body, status)
}

// Abort removes the in_progress marker so a future request with the same
// key is not stuck behind a handler that crashed before completing.
func (s *Service) Abort(owner, key, scope string) error {
	return s.store.DeleteIdempotencyRecord(owner, key, scope)
}

// Purge deletes expired records, for the GC coordinator.
func (s *Service) Purge() (int64, error) {
	return s.store.PurgeExpiredIdempotencyRecords(time.Now().UTC())
}
