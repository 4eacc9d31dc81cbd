package cargo

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/apierr"
	"bay/internal/driver/drivertest"
	"bay/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *drivertest.Driver) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "cargo.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	drv := drivertest.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(st, drv, logger), st, drv
}

func TestCreateManagedPersistsVolumeAndRow(t *testing.T) {
	m, _, drv := newTestManager(t)

	c, err := m.CreateManaged(context.Background(), "owner-1", "sbx-1", "/workspace")
	require.NoError(t, err)
	assert.Equal(t, store.CargoManaged, c.Kind)
	assert.Equal(t, "sbx-1", *c.ManagedBySandboxID)

	exists, err := drv.VolumeExists(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCreateManagedRollsBackVolumeOnStoreFailure(t *testing.T) {
	m, st, drv := newTestManager(t)
	st.Close()

	_, err := m.CreateManaged(context.Background(), "owner-1", "sbx-1", "/workspace")
	assert.Error(t, err)
	assert.Equal(t, 0, drv.VolumeCount(), "rollback must have destroyed the volume created before the store write failed")
}

func TestGetCargoNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get("owner-1", "missing")
	assert.Error(t, err)
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}

func TestGetCargoRejectsOtherOwners(t *testing.T) {
	m, _, _ := newTestManager(t)
	c, err := m.CreateExternal(context.Background(), "owner-1", "/workspace")
	require.NoError(t, err)

	_, err = m.Get("owner-2", c.ID)
	assert.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))

	got, err := m.Get("owner-1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestDeleteManagedCargoDirectlyIsRejected(t *testing.T) {
	m, _, _ := newTestManager(t)
	c, err := m.CreateManaged(context.Background(), "owner-1", "sbx-1", "/workspace")
	require.NoError(t, err)

	err = m.Delete(context.Background(), c, false)
	assert.Error(t, err)
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestDeleteManagedCargoForcedSucceeds(t *testing.T) {
	m, _, _ := newTestManager(t)
	c, err := m.CreateManaged(context.Background(), "owner-1", "sbx-1", "/workspace")
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), c, true))
	assert.NotNil(t, c.DeletedAt)
}

func TestDeleteExternalCargoWithActiveReferenceIsRejected(t *testing.T) {
	m, st, _ := newTestManager(t)

	c, err := m.CreateExternal(context.Background(), "owner-1", "/workspace")
	require.NoError(t, err)

	require.NoError(t, st.CreateSandbox(&store.Sandbox{
		ID: "sbx-1", Owner: "owner-1", ProfileID: "p", CargoID: c.ID,
		DesiredState: store.SandboxDesiredRunning,
	}))

	err = m.Delete(context.Background(), c, false)
	assert.Error(t, err)
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestDeleteExternalCargoForcedIgnoresReferences(t *testing.T) {
	m, st, _ := newTestManager(t)

	c, err := m.CreateExternal(context.Background(), "owner-1", "/workspace")
	require.NoError(t, err)
	require.NoError(t, st.CreateSandbox(&store.Sandbox{
		ID: "sbx-1", Owner: "owner-1", ProfileID: "p", CargoID: c.ID,
		DesiredState: store.SandboxDesiredRunning,
	}))

	require.NoError(t, m.Delete(context.Background(), c, true))
	assert.NotNil(t, c.DeletedAt)
}

func TestReapOrphanManagedDeletesOnlyOrphans(t *testing.T) {
	m, st, _ := newTestManager(t)
	sbID := "sbx-missing"

	require.NoError(t, st.CreateCargo(&store.Cargo{
		ID: "cargo-orphan", Owner: "o", BackendHandle: "vol-1", Kind: store.CargoManaged,
		MountPath: "/workspace", ManagedBySandboxID: &sbID,
	}))

	c, err := m.CreateManaged(context.Background(), "o", "sbx-live", "/workspace")
	require.NoError(t, err)
	require.NoError(t, st.CreateSandbox(&store.Sandbox{
		ID: "sbx-live", Owner: "o", ProfileID: "p", CargoID: c.ID, DesiredState: store.SandboxDesiredRunning,
	}))

	reaped, err := m.ReapOrphanManaged(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	orphan, err := st.GetCargo("cargo-orphan")
	require.NoError(t, err)
	assert.NotNil(t, orphan.DeletedAt)

	live, err := st.GetCargo(c.ID)
	require.NoError(t, err)
	assert.Nil(t, live.DeletedAt)
}
