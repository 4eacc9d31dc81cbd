package session

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/config"
	"bay/internal/driver/drivertest"
	"bay/internal/runtime"
	"bay/internal/store"
)

type fakeAdapter struct {
	healthy bool
}

func (a *fakeAdapter) Meta(ctx context.Context) (*runtime.Meta, error) {
	if !a.healthy {
		return nil, runtime.ErrConnectionFailed
	}
	return &runtime.Meta{
		MountPath:  "/workspace",
		APIVersion: "v1",
		Capabilities: map[string]any{
			"shell": true, "filesystem": true, "browser": true,
		},
	}, nil
}

func (a *fakeAdapter) Health(ctx context.Context) error {
	if !a.healthy {
		return runtime.ErrConnectionFailed
	}
	return nil
}

func testProfile() config.ProfileConfig {
	return config.ProfileConfig{
		ID: "python-default",
		Containers: []config.ContainerSpec{
			{
				Name:         "ship",
				Role:         "primary",
				Image:        "bay/ship:latest",
				RuntimeKind:  "ship",
				RuntimePort:  8000,
				Resources:    config.ResourceSpec{CPUs: 1, Memory: "512m"},
				Capabilities: []string{"shell", "filesystem"},
			},
		},
		PrimaryFor:  map[string]string{"shell": "ship", "filesystem": "ship"},
		IdleTimeout: time.Minute,
	}
}

func newTestManager(t *testing.T, adapterErr error) (*Manager, *store.Store, *drivertest.Driver) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	drv := drivertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := func(runtimeKind, endpoint string) (runtime.Adapter, error) {
		if adapterErr != nil {
			return nil, adapterErr
		}
		return &fakeAdapter{healthy: true}, nil
	}
	return NewManager(st, drv, factory, nil, logger), st, drv
}

func mustCreateSandbox(t *testing.T, st *store.Store, id string) *store.Sandbox {
	t.Helper()
	now := time.Now().UTC()
	sb := &store.Sandbox{ID: id, Owner: "owner-1", ProfileID: "python-default", CargoID: "cargo-1", DesiredState: store.SandboxDesiredRunning, LastActivity: now, CreatedAt: now}
	require.NoError(t, st.CreateSandbox(sb))
	return sb
}

func TestEnsureRunningCreatesAndStartsContainers(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")

	sess, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, sess.ObservedState)
	require.NotNil(t, sess.Endpoint)
	assert.Contains(t, *sess.Endpoint, "10.42.0.")
	assert.Equal(t, 1, drv.ContainerCount())

	containers, err := st.ListSessionContainers(sess.ID)
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "running", containers[0].ObservedState)
}

func TestEnsureRunningIsIdempotentOnceReady(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")

	first, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)

	second, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, drv.ContainerCount(), "a second EnsureRunning on an already-ready session must not create new containers")
}

func TestEnsureRunningMarksSessionFailedWhenDriverErrors(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")
	drv.CreateMultiErr = assertError{"driver exploded"}

	_, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	assert.Error(t, err)
	assert.Equal(t, 0, drv.ContainerCount(), "a failed CreateMulti must leave no containers behind")

	// The failed session is excluded from GetCurrentSession, so a retry
	// with a working driver creates a fresh session rather than reusing it.
	drv.CreateMultiErr = nil
	sess, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionRunning, sess.ObservedState)

	rows, err := st.ListSessionContainers(sess.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestStopDestroysContainersAndNetwork(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")

	sess, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)
	require.Equal(t, 1, drv.ContainerCount())

	require.NoError(t, m.Stop(context.Background(), sess))
	assert.Equal(t, 0, drv.ContainerCount())

	reloaded, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStopped, reloaded.ObservedState)
	assert.Nil(t, reloaded.Endpoint)
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	m, st, _ := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")
	sess, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)

	before := sess.LastActivity
	time.Sleep(time.Millisecond)
	require.NoError(t, m.Touch(sess.ID))

	reloaded, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.LastActivity.After(before))
}

func testMultiProfile() config.ProfileConfig {
	return config.ProfileConfig{
		ID: "python-default",
		Containers: []config.ContainerSpec{
			{
				Name: "ship", Role: "primary", Image: "bay/ship:latest", RuntimeKind: "ship", RuntimePort: 8000,
				Resources: config.ResourceSpec{CPUs: 1, Memory: "512m"}, Capabilities: []string{"shell", "filesystem"},
			},
			{
				Name: "browser", Role: "secondary", Image: "bay/browser:latest", RuntimeKind: "browser", RuntimePort: 9000,
				Resources: config.ResourceSpec{CPUs: 1, Memory: "512m"}, Capabilities: []string{"browser"},
			},
		},
		PrimaryFor:  map[string]string{"shell": "ship", "filesystem": "ship", "browser": "browser"},
		IdleTimeout: time.Minute,
	}
}

func TestRefreshStatusHealsWhenPrimaryContainerMissing(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")
	sess, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)

	containers, err := st.ListSessionContainers(sess.ID)
	require.NoError(t, err)
	require.NoError(t, drv.DestroyContainer(context.Background(), *containers[0].ContainerID))

	stale, err := m.RefreshStatus(context.Background(), sess, testProfile())
	require.NoError(t, err)
	assert.True(t, stale, "a missing primary container must be reported stale so EnsureRunning recreates it")

	reloaded, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionPending, reloaded.ObservedState)
	assert.Nil(t, reloaded.Endpoint)

	remaining, err := st.ListSessionContainers(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestEnsureRunningHealsExternallyKilledPrimary(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")
	first, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)

	containers, err := st.ListSessionContainers(first.ID)
	require.NoError(t, err)
	require.NoError(t, drv.DestroyContainer(context.Background(), *containers[0].ContainerID))

	healed, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err, "EnsureRunning must transparently heal an externally-killed primary container")
	assert.Equal(t, store.SessionRunning, healed.ObservedState)
	assert.Equal(t, 1, drv.ContainerCount(), "the dead container must be replaced, not left dangling")
}

type badMetaAdapter struct {
	meta *runtime.Meta
}

func (a *badMetaAdapter) Meta(ctx context.Context) (*runtime.Meta, error) { return a.meta, nil }
func (a *badMetaAdapter) Health(ctx context.Context) error                { return nil }

func TestEnsureRunningFailsSessionWhenMetaCapabilitiesMismatch(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	drv := drivertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := func(runtimeKind, endpoint string) (runtime.Adapter, error) {
		return &badMetaAdapter{meta: &runtime.Meta{
			MountPath:    "/workspace",
			APIVersion:   "v1",
			Capabilities: map[string]any{"shell": true},
		}}, nil
	}
	m := NewManager(st, drv, factory, nil, logger)
	sb := mustCreateSandbox(t, st, "sbx-1")

	_, err = m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	assert.Error(t, err, "a runtime that doesn't declare a required capability must fail the session")

	// GetCurrentSession excludes failed sessions, so find the session
	// through the container it left behind.
	handles, err := drv.ListManaged(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	sess, err := st.GetSession(handles[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, sess.ObservedState)
	require.NotNil(t, sess.FailedReason)
}

func TestEnsureRunningFailsSessionWhenMetaMountPathMismatch(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	drv := drivertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := func(runtimeKind, endpoint string) (runtime.Adapter, error) {
		return &badMetaAdapter{meta: &runtime.Meta{
			MountPath:    "/tmp",
			APIVersion:   "v1",
			Capabilities: map[string]any{"shell": true, "filesystem": true},
		}}, nil
	}
	m := NewManager(st, drv, factory, nil, logger)
	sb := mustCreateSandbox(t, st, "sbx-1")

	_, err = m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	assert.Error(t, err, "a runtime reporting a non-conventional mount path must fail the session")

	// GetCurrentSession excludes failed sessions, so find the session
	// through the container it left behind.
	handles, err := drv.ListManaged(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, handles, 1)
	sess, err := st.GetSession(handles[0].SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionFailed, sess.ObservedState)
}

func TestEnsureRunningReprobesStartingSession(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")

	sess, err := m.createSessionRow(sb, testProfile())
	require.NoError(t, err)
	sess.ObservedState = store.SessionStarting
	require.NoError(t, st.UpdateSession(sess))

	converged, err := m.EnsureRunning(context.Background(), sb, testProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err, "a session left in starting (e.g. after a crash) must be re-probed, not rejected outright")
	assert.Equal(t, store.SessionRunning, converged.ObservedState)
	assert.Equal(t, 1, drv.ContainerCount())
}

func TestRefreshStatusDegradesWhenNonPrimaryContainerFails(t *testing.T) {
	m, st, drv := newTestManager(t, nil)
	sb := mustCreateSandbox(t, st, "sbx-1")
	sess, err := m.EnsureRunning(context.Background(), sb, testMultiProfile(), "/var/lib/bay/cargo-1")
	require.NoError(t, err)

	containers, err := st.ListSessionContainers(sess.ID)
	require.NoError(t, err)
	var secondaryID string
	for _, c := range containers {
		if c.Role != "primary" {
			secondaryID = *c.ContainerID
		}
	}
	require.NotEmpty(t, secondaryID)
	require.NoError(t, drv.StopContainer(context.Background(), secondaryID, 0))

	stale, err := m.RefreshStatus(context.Background(), sess, testMultiProfile())
	require.NoError(t, err)
	assert.False(t, stale, "a failed non-primary container must not trigger full session recreation")

	reloaded, err := st.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionDegraded, reloaded.ObservedState)

	recovered, err := st.ListSessionContainers(sess.ID)
	require.NoError(t, err)
	for _, c := range recovered {
		if c.Role != "primary" {
			assert.Equal(t, "exited", c.ObservedState)
		}
	}
}
