package sandboxmgr

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/apierr"
	"bay/internal/cargo"
	"bay/internal/config"
	"bay/internal/driver/drivertest"
	"bay/internal/runtime"
	"bay/internal/session"
	"bay/internal/store"
)

func testProfiles() []config.ProfileConfig {
	return []config.ProfileConfig{{
		ID: "python-default",
		Containers: []config.ContainerSpec{{
			Name: "ship", Role: "primary", Image: "bay/ship:latest", RuntimeKind: "ship", RuntimePort: 8000,
			Resources: config.ResourceSpec{CPUs: 1, Memory: "512m"}, Capabilities: []string{"shell"},
		}},
		PrimaryFor:  map[string]string{"shell": "ship"},
		IdleTimeout: time.Minute,
	}}
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *drivertest.Driver) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sandboxmgr.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	drv := drivertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := func(runtimeKind, endpoint string) (runtime.Adapter, error) {
		return healthyAdapter{}, nil
	}
	sessions := session.NewManager(st, drv, factory, nil, logger)
	cargos := cargo.NewManager(st, drv, logger)
	return NewManager(st, sessions, cargos, testProfiles(), logger), st, drv
}

type healthyAdapter struct{}

func (healthyAdapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	return &runtime.Meta{
		MountPath:    "/workspace",
		APIVersion:   "v1",
		Capabilities: map[string]any{"shell": true},
	}, nil
}
func (healthyAdapter) Health(ctx context.Context) error                { return nil }

func TestCreateAllocatesCargoAndSandbox(t *testing.T) {
	m, st, _ := newTestManager(t)

	ttl := time.Hour
	sb, err := m.Create(context.Background(), "owner-1", "python-default", &ttl)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxDesiredRunning, sb.DesiredState)
	require.NotNil(t, sb.ExpiresAt)

	c, err := st.GetCargo(sb.CargoID)
	require.NoError(t, err)
	assert.Equal(t, store.CargoManaged, c.Kind)
}

func TestCreateUnknownProfileFails(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Create(context.Background(), "owner-1", "nonexistent", nil)
	assert.Error(t, err)
	assert.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))
}

func TestGetForOwnerRejectsOtherOwners(t *testing.T) {
	m, _, _ := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)

	_, err = m.Get("owner-2", sb.ID)
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestEnsureRunningBumpsIdleExpiry(t *testing.T) {
	m, _, drv := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)

	sess, err := m.EnsureRunning(context.Background(), "owner-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, sess.ObservedState)
	assert.Equal(t, 1, drv.ContainerCount())

	reloaded, err := m.Get("owner-1", sb.ID)
	require.NoError(t, err)
	require.NotNil(t, reloaded.IdleExpiresAt)
}

func TestEnsureRunningRejectsExpiredSandbox(t *testing.T) {
	m, st, _ := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	sb.ExpiresAt = &past
	require.NoError(t, st.UpdateSandbox(sb))

	_, err = m.EnsureRunning(context.Background(), "owner-1", sb.ID)
	assert.Equal(t, apierr.CodeSandboxExpired, apierr.CodeOf(err))
}

func TestKeepaliveRefreshesIdleExpiry(t *testing.T) {
	m, _, _ := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)

	first, err := m.Keepalive("owner-1", sb.ID)
	require.NoError(t, err)
	require.NotNil(t, first.IdleExpiresAt)

	time.Sleep(time.Millisecond)
	second, err := m.Keepalive("owner-1", sb.ID)
	require.NoError(t, err)
	assert.True(t, second.IdleExpiresAt.After(*first.IdleExpiresAt))
}

func TestExtendTTLRejectsInfiniteTTL(t *testing.T) {
	m, _, _ := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)

	_, err = m.ExtendTTL("owner-1", sb.ID, time.Hour)
	assert.Equal(t, apierr.CodeSandboxTTLInfinite, apierr.CodeOf(err))
}

func TestExtendTTLAddsDeltaFromExpiry(t *testing.T) {
	m, _, _ := newTestManager(t)
	ttl := time.Hour
	sb, err := m.Create(context.Background(), "owner-1", "python-default", &ttl)
	require.NoError(t, err)
	originalExpiry := *sb.ExpiresAt

	extended, err := m.ExtendTTL("owner-1", sb.ID, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, originalExpiry.Add(time.Hour), *extended.ExpiresAt)
}

func TestStopTearsDownSessionButKeepsCargo(t *testing.T) {
	m, st, drv := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)
	_, err = m.EnsureRunning(context.Background(), "owner-1", sb.ID)
	require.NoError(t, err)

	stopped, err := m.Stop(context.Background(), "owner-1", sb.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SandboxDesiredStopped, stopped.DesiredState)
	assert.Nil(t, stopped.CurrentSessionID)
	assert.Equal(t, 0, drv.ContainerCount())

	c, err := st.GetCargo(sb.CargoID)
	require.NoError(t, err)
	assert.Nil(t, c.DeletedAt)
}

func TestDeleteCascadesManagedCargoAndIsIdempotent(t *testing.T) {
	m, st, _ := newTestManager(t)
	sb, err := m.Create(context.Background(), "owner-1", "python-default", nil)
	require.NoError(t, err)
	_, err = m.EnsureRunning(context.Background(), "owner-1", sb.ID)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "owner-1", sb.ID))

	reloaded, err := st.GetSandbox(sb.ID)
	require.NoError(t, err)
	assert.NotNil(t, reloaded.DeletedAt)

	c, err := st.GetCargo(sb.CargoID)
	require.NoError(t, err)
	assert.NotNil(t, c.DeletedAt)

	assert.NoError(t, m.Delete(context.Background(), "owner-1", sb.ID), "deleting an already-deleted sandbox must be a no-op")
}

func TestComputeStatus(t *testing.T) {
	m, _, _ := newTestManager(t)
	now := time.Now()
	past := now.Add(-time.Minute)

	deleted := &store.Sandbox{DeletedAt: &now}
	assert.Equal(t, StatusDeleted, m.ComputeStatus(deleted, nil, now))

	expired := &store.Sandbox{ExpiresAt: &past}
	assert.Equal(t, StatusExpired, m.ComputeStatus(expired, nil, now))

	idle := &store.Sandbox{}
	assert.Equal(t, StatusIdle, m.ComputeStatus(idle, nil, now))

	running := &store.Sandbox{}
	assert.Equal(t, StatusReady, m.ComputeStatus(running, &store.Session{ObservedState: store.SessionRunning, ReadyAt: &now}, now))
	assert.Equal(t, StatusStarting, m.ComputeStatus(running, &store.Session{ObservedState: store.SessionRunning}, now), "running without ready-at set must not report ready")
	assert.Equal(t, StatusStarting, m.ComputeStatus(running, &store.Session{ObservedState: store.SessionStarting}, now))
	assert.Equal(t, StatusDegraded, m.ComputeStatus(running, &store.Session{ObservedState: store.SessionDegraded}, now))
	assert.Equal(t, StatusFailed, m.ComputeStatus(running, &store.Session{ObservedState: store.SessionFailed}, now))
}
