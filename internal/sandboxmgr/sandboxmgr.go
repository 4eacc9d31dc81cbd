// Package sandboxmgr owns sandbox records, TTL, status computation, and the
// per-sandbox lock serializing mutating operations, grounded on
// original_source's SandboxManager (app/managers/sandbox/sandbox.py).
package sandboxmgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bay/internal/apierr"
	"bay/internal/cargo"
	"bay/internal/config"
	"bay/internal/monitor"
	"bay/internal/session"
	"bay/internal/store"
)

// Status is the computed, never-persisted projection of a sandbox's
// lifecycle, a pure function of (deleted_at, expires_at, session
// observed-state, readiness).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
	StatusDegraded Status = "degraded"
	StatusExpired  Status = "expired"
	StatusDeleted  Status = "deleted"
)

type Manager struct {
	store    *store.Store
	sessions *session.Manager
	cargos   *cargo.Manager
	profiles map[string]config.ProfileConfig
	locks    *lockRegistry
	logger   *slog.Logger
}

func NewManager(st *store.Store, sessions *session.Manager, cargos *cargo.Manager, profiles []config.ProfileConfig, logger *slog.Logger) *Manager {
	byID := make(map[string]config.ProfileConfig, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}
	return &Manager{
		store:    st,
		sessions: sessions,
		cargos:   cargos,
		profiles: byID,
		locks:    newLockRegistry(),
		logger:   logger.With("component", "sandbox-manager"),
	}
}

func (m *Manager) profile(id string) (config.ProfileConfig, error) {
	p, ok := m.profiles[id]
	if !ok {
		return config.ProfileConfig{}, apierr.Validation("unknown profile: " + id)
	}
	return p, nil
}

// Create allocates a sandbox id, a managed cargo volume, and persists the
// sandbox record in desired-state=running.
func (m *Manager) Create(ctx context.Context, owner, profileID string, ttl *time.Duration) (*store.Sandbox, error) {
	start := time.Now()
	defer func() { monitor.SandboxCreateLatency.Observe(time.Since(start).Seconds()) }()

	profile, err := m.profile(profileID)
	if err != nil {
		return nil, err
	}

	id := "sbx-" + uuid.New().String()
	c, err := m.cargos.CreateManaged(ctx, owner, id, "/workspace")
	if err != nil {
		return nil, fmt.Errorf("creating managed cargo: %w", err)
	}

	now := time.Now().UTC()
	sb := &store.Sandbox{
		ID:           id,
		Owner:        owner,
		ProfileID:    profileID,
		CargoID:      c.ID,
		DesiredState: store.SandboxDesiredRunning,
		LastActivity: now,
		CreatedAt:    now,
	}
	if ttl != nil {
		exp := now.Add(*ttl)
		sb.ExpiresAt = &exp
	}
	if err := m.store.CreateSandbox(sb); err != nil {
		_ = m.cargos.Delete(ctx, c, true)
		return nil, fmt.Errorf("persisting sandbox: %w", err)
	}
	_ = profile
	return sb, nil
}

func (m *Manager) Get(owner, id string) (*store.Sandbox, error) {
	sb, err := m.store.GetSandboxForOwner(id, owner)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("sandbox not found: " + id)
		}
		return nil, err
	}
	return sb, nil
}

func (m *Manager) List(owner string, limit int, before *time.Time) ([]*store.Sandbox, error) {
	return m.store.ListSandboxes(owner, limit, before)
}

// EnsureRunning acquires the sandbox's lock and converges its session to
// running, returning the ready session and its primary endpoint.
func (m *Manager) EnsureRunning(ctx context.Context, owner, id string) (*store.Session, error) {
	start := time.Now()
	defer func() { monitor.SandboxEnsureRunningLatency.Observe(time.Since(start).Seconds()) }()

	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := m.Get(owner, id)
	if err != nil {
		return nil, err
	}
	if sb.DeletedAt != nil {
		return nil, apierr.NotFound("sandbox not found: " + id)
	}
	now := time.Now().UTC()
	if sb.ExpiresAt != nil && now.After(*sb.ExpiresAt) {
		return nil, apierr.SandboxExpired("sandbox expired: " + id)
	}

	profile, err := m.profile(sb.ProfileID)
	if err != nil {
		return nil, err
	}
	c, err := m.cargos.Get(sb.Owner, sb.CargoID)
	if err != nil {
		return nil, err
	}

	sess, err := m.sessions.EnsureRunning(ctx, sb, profile, c.BackendHandle)
	if err != nil {
		return nil, err
	}

	idle := profile.IdleTimeout
	if idle <= 0 {
		idle = session.DefaultIdleTimeout
	}
	idleExp := now.Add(idle)
	sb.IdleExpiresAt = &idleExp
	sb.LastActivity = now
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, fmt.Errorf("bumping idle-expires-at: %w", err)
	}

	return sess, nil
}

// Keepalive refreshes idle-expires-at only; it never starts compute.
func (m *Manager) Keepalive(owner, id string) (*store.Sandbox, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := m.Get(owner, id)
	if err != nil {
		return nil, err
	}

	profile, err := m.profile(sb.ProfileID)
	if err != nil {
		return nil, err
	}
	idle := profile.IdleTimeout
	if idle <= 0 {
		idle = session.DefaultIdleTimeout
	}

	now := time.Now().UTC()
	idleExp := now.Add(idle)
	sb.IdleExpiresAt = &idleExp
	sb.LastActivity = now
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// ExtendTTL rejects an already-expired or infinite-TTL sandbox; otherwise
// expires_at = max(old expires_at, now) + delta.
func (m *Manager) ExtendTTL(owner, id string, delta time.Duration) (*store.Sandbox, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := m.Get(owner, id)
	if err != nil {
		return nil, err
	}

	if sb.ExpiresAt == nil {
		return nil, apierr.SandboxTTLInfinite("sandbox has no expiry: " + id)
	}
	now := time.Now().UTC()
	if now.After(*sb.ExpiresAt) {
		return nil, apierr.SandboxExpired("sandbox expired: " + id)
	}

	base := *sb.ExpiresAt
	if now.After(base) {
		base = now
	}
	newExpiry := base.Add(delta)
	sb.ExpiresAt = &newExpiry
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// Stop sets desired-state=stopped and delegates container teardown to
// SessionManager, leaving the cargo untouched.
func (m *Manager) Stop(ctx context.Context, owner, id string) (*store.Sandbox, error) {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()

	sb, err := m.Get(owner, id)
	if err != nil {
		return nil, err
	}

	sb.DesiredState = store.SandboxDesiredStopped
	if sb.CurrentSessionID != nil {
		sess, err := m.store.GetSession(*sb.CurrentSessionID)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if sess != nil && sess.ObservedState != store.SessionStopped {
			if err := m.sessions.Stop(ctx, sess); err != nil {
				return nil, err
			}
		}
	}

	sb.CurrentSessionID = nil
	sb.IdleExpiresAt = nil
	sb.LastActivity = time.Now().UTC()
	if err := m.store.UpdateSandbox(sb); err != nil {
		return nil, err
	}
	return sb, nil
}

// Delete soft-deletes the sandbox, stops its session, and cascades the
// delete of its managed cargo. Idempotent: deleting an already-deleted
// sandbox is a no-op.
func (m *Manager) Delete(ctx context.Context, owner, id string) error {
	lock := m.locks.get(id)
	lock.Lock()
	defer lock.Unlock()
	defer m.locks.cleanup(id)

	sb, err := m.Get(owner, id)
	if err != nil {
		if _, ok := apierr.As(err); ok {
			return nil
		}
		return err
	}
	if sb.DeletedAt != nil {
		return nil
	}

	sb.DesiredState = store.SandboxDesiredDeleted
	if sb.CurrentSessionID != nil {
		sess, err := m.store.GetSession(*sb.CurrentSessionID)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		if sess != nil && sess.ObservedState != store.SessionStopped {
			if err := m.sessions.Stop(ctx, sess); err != nil {
				return err
			}
		}
	}

	if c, err := m.cargos.Get(sb.Owner, sb.CargoID); err == nil && c.Kind == store.CargoManaged {
		if err := m.cargos.Delete(ctx, c, true); err != nil {
			m.logger.Error("failed to delete managed cargo on sandbox delete", "sandbox_id", id, "cargo_id", c.ID, "error", err)
		}
	}

	now := time.Now().UTC()
	sb.CurrentSessionID = nil
	sb.DeletedAt = &now
	return m.store.UpdateSandbox(sb)
}

// ComputeStatus derives the externally visible status, a pure function of
// (deleted_at, expires_at, current session's observed-state, readiness, now).
// now is captured once by the caller and reused across every sandbox in the
// same request, so a list response can't show one sandbox as expired and
// another not purely because of when each row happened to be evaluated.
func (m *Manager) ComputeStatus(sb *store.Sandbox, sess *store.Session, now time.Time) Status {
	if sb.DeletedAt != nil {
		return StatusDeleted
	}
	if sb.ExpiresAt != nil && now.After(*sb.ExpiresAt) {
		return StatusExpired
	}
	if sess == nil {
		return StatusIdle
	}
	switch sess.ObservedState {
	case store.SessionRunning:
		if sess.ReadyAt != nil {
			return StatusReady
		}
		return StatusStarting
	case store.SessionDegraded:
		return StatusDegraded
	case store.SessionStarting, store.SessionPending:
		return StatusStarting
	case store.SessionFailed:
		return StatusFailed
	default:
		return StatusIdle
	}
}
