package gc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/cargo"
	"bay/internal/config"
	"bay/internal/driver/drivertest"
	"bay/internal/idempotency"
	"bay/internal/runtime"
	"bay/internal/sandboxmgr"
	"bay/internal/session"
	"bay/internal/store"
)

func noopAdapter(runtimeKind, endpoint string) (runtime.Adapter, error) {
	return nil, errors.New("adapter factory not used in gc tests")
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gc.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	drv := drivertest.New()
	sessions := session.NewManager(st, drv, noopAdapter, nil, logger)
	cargos := cargo.NewManager(st, drv, logger)
	sandboxes := sandboxmgr.NewManager(st, sessions, cargos, []config.ProfileConfig{{ID: "python-default"}}, logger)
	idem := idempotency.NewService(st)

	coord := NewCoordinator(st, drv, sandboxes, sessions, cargos, idem, nil, Config{
		IdleSessionInterval:      time.Hour,
		ExpiredSandboxInterval:   time.Hour,
		OrphanCargoInterval:      time.Hour,
		OrphanContainerInterval:  time.Hour,
		IdempotencyPurgeInterval: time.Hour,
		LeaseTTL:                 time.Minute,
	}, logger)
	return coord, st
}

func TestRunIdleSessionGCStopsIdleSandboxes(t *testing.T) {
	coord, st := newTestCoordinator(t)
	now := time.Now().UTC()

	require.NoError(t, st.CreateSandbox(&store.Sandbox{
		ID: "sb-1", Owner: "o", ProfileID: "python-default", CargoID: "cargo-1",
		DesiredState: store.SandboxDesiredRunning, LastActivity: now, CreatedAt: now,
	}))
	require.NoError(t, st.CreateSession(&store.Session{
		ID: "sess-1", SandboxID: "sb-1", DesiredState: store.SessionDesiredRunning,
		ObservedState: store.SessionRunning, IdleTimeoutSeconds: 60,
		LastActivity: now.Add(-5 * time.Minute), CreatedAt: now, UpdatedAt: now,
	}))

	coord.runIdleSessionGC(context.Background())

	sess, err := st.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, store.SessionStopped, sess.ObservedState)
}

func TestRunExpiredSandboxGCDeletesExpired(t *testing.T) {
	coord, st := newTestCoordinator(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	require.NoError(t, st.CreateSandbox(&store.Sandbox{
		ID: "sb-1", Owner: "o", ProfileID: "python-default", CargoID: "cargo-1",
		DesiredState: store.SandboxDesiredRunning, ExpiresAt: &past, LastActivity: now, CreatedAt: now,
	}))

	coord.runExpiredSandboxGC(context.Background())

	sb, err := st.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.NotNil(t, sb.DeletedAt)
}

func TestRunOrphanCargoGCReapsOrphans(t *testing.T) {
	coord, st := newTestCoordinator(t)
	now := time.Now().UTC()
	missingSandboxID := "sb-missing"

	require.NoError(t, st.CreateCargo(&store.Cargo{
		ID: "cargo-orphan", Owner: "o", BackendHandle: "vol-1", Kind: store.CargoManaged,
		MountPath: "/workspace", ManagedBySandboxID: &missingSandboxID, CreatedAt: now,
	}))

	coord.runOrphanCargoGC(context.Background())

	c, err := st.GetCargo("cargo-orphan")
	require.NoError(t, err)
	assert.NotNil(t, c.DeletedAt)
}

func TestRunIdempotencyPurgeGCPurgesExpired(t *testing.T) {
	coord, st := newTestCoordinator(t)
	now := time.Now().UTC()

	require.NoError(t, st.InsertIdempotencyRecord(&store.IdempotencyRecord{
		Owner: "o", Key: "k", Scope: "s", Fingerprint: "fp", Status: "in_progress",
		CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))

	coord.runIdempotencyPurgeGC(context.Background())

	_, err := st.GetIdempotencyRecord("o", "k", "s")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDispatchInlineWhenNoAsynqClient(t *testing.T) {
	coord, st := newTestCoordinator(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)

	require.NoError(t, st.CreateSandbox(&store.Sandbox{
		ID: "sb-1", Owner: "o", ProfileID: "python-default", CargoID: "cargo-1",
		DesiredState: store.SandboxDesiredRunning, ExpiresAt: &past, LastActivity: now, CreatedAt: now,
	}))

	coord.TriggerAll(context.Background())

	sb, err := st.GetSandbox("sb-1")
	require.NoError(t, err)
	assert.NotNil(t, sb.DeletedAt, "TriggerAll with a nil asynq client must run tasks inline")
}

func TestWithLeaseSkipsSecondConcurrentRun(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	runs := 0
	run := func(context.Context) { runs++ }

	coord.holder = "holder-a"
	other := *coord
	other.holder = "holder-b"

	coord.withLease(context.Background(), "test_task", func(ctx context.Context) {
		run(ctx)
		assert.Equal(t, 1, runs)

		// holder-a still holds the lease while its run is in progress.
		other.withLease(ctx, "test_task", run)
	})
	assert.Equal(t, 1, runs, "a second holder must not run while the lease is held")
}
