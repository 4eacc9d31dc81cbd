// Package cargo implements lifecycle and reference counting for persistent
// data volumes, grounded on the cargo-handling calls original_source's
// SandboxManager makes against its CargoManager sub-manager, backed here by
// driver.CreateVolume/DestroyVolume.
package cargo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bay/internal/apierr"
	"bay/internal/driver"
	"bay/internal/store"
)

type Manager struct {
	store  *store.Store
	driver driver.Driver
	logger *slog.Logger
}

func NewManager(st *store.Store, drv driver.Driver, logger *slog.Logger) *Manager {
	return &Manager{store: st, driver: drv, logger: logger.With("component", "cargo-manager")}
}

// CreateManaged creates a volume exclusively owned by sandboxID. Deleting
// that sandbox cascades to this cargo.
func (m *Manager) CreateManaged(ctx context.Context, owner, sandboxID, mountPath string) (*store.Cargo, error) {
	id := "cargo-" + uuid.New().String()
	handle, err := m.driver.CreateVolume(ctx, id, driver.Labels{Owner: owner, SandboxID: sandboxID})
	if err != nil {
		return nil, fmt.Errorf("creating managed volume: %w", err)
	}

	c := &store.Cargo{
		ID:                  id,
		Owner:               owner,
		BackendHandle:        handle,
		Kind:                 store.CargoManaged,
		MountPath:            mountPath,
		ManagedBySandboxID:   &sandboxID,
		CreatedAt:            time.Now().UTC(),
	}
	if err := m.store.CreateCargo(c); err != nil {
		_ = m.driver.DestroyVolume(context.Background(), handle)
		return nil, fmt.Errorf("persisting managed cargo: %w", err)
	}
	return c, nil
}

// CreateExternal registers a volume not owned by any single sandbox; many
// sandboxes may reference it, and it can only be deleted once its active
// reference count is zero.
func (m *Manager) CreateExternal(ctx context.Context, owner, mountPath string) (*store.Cargo, error) {
	id := "cargo-" + uuid.New().String()
	handle, err := m.driver.CreateVolume(ctx, id, driver.Labels{Owner: owner})
	if err != nil {
		return nil, fmt.Errorf("creating external volume: %w", err)
	}

	c := &store.Cargo{
		ID:            id,
		Owner:         owner,
		BackendHandle: handle,
		Kind:          store.CargoExternal,
		MountPath:     mountPath,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.CreateCargo(c); err != nil {
		_ = m.driver.DestroyVolume(context.Background(), handle)
		return nil, fmt.Errorf("persisting external cargo: %w", err)
	}
	return c, nil
}

// Get resolves id scoped to owner; a cargo belonging to a different owner
// is reported not-found rather than forbidden, matching the rest of the
// API's not-visible-to-owner convention.
func (m *Manager) Get(owner, id string) (*store.Cargo, error) {
	c, err := m.store.GetCargo(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("cargo not found: " + id)
		}
		return nil, err
	}
	if c.Owner != owner {
		return nil, apierr.NotFound("cargo not found: " + id)
	}
	return c, nil
}

func (m *Manager) List(owner string) ([]*store.Cargo, error) {
	return m.store.ListCargos(owner)
}

// Delete removes cargo's backing volume and marks the row deleted. A
// managed cargo can only be deleted by its owning sandbox's cascading
// delete, never directly — force must be set, and only
// SandboxManager.Create's rollback, SandboxManager.Delete and
// ReapOrphanManaged ever set it. External cargos with
// at least one active sandbox reference are likewise rejected unless force
// is set.
func (m *Manager) Delete(ctx context.Context, c *store.Cargo, force bool) error {
	if !force {
		if c.Kind == store.CargoManaged {
			return apierr.Conflict(fmt.Sprintf("cargo %s is managed by its sandbox; delete the sandbox instead", c.ID))
		}
		if c.Kind == store.CargoExternal {
			count, _, err := m.store.CountActiveReferences(c.ID)
			if err != nil {
				return err
			}
			if count > 0 {
				return apierr.Conflict(fmt.Sprintf("cargo %s has %d active references", c.ID, count))
			}
		}
	}

	if err := m.driver.DestroyVolume(ctx, c.BackendHandle); err != nil {
		return fmt.Errorf("destroying volume %s: %w", c.BackendHandle, err)
	}

	now := time.Now().UTC()
	c.DeletedAt = &now
	return m.store.UpdateCargo(c)
}

// ReapOrphanManaged deletes managed cargos whose owning sandbox is gone,
// for OrphanCargoGC.
func (m *Manager) ReapOrphanManaged(ctx context.Context) (int, error) {
	orphans, err := m.store.ListOrphanManagedCargos()
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, c := range orphans {
		if err := m.Delete(ctx, c, true); err != nil {
			m.logger.Error("failed to reap orphan cargo", "cargo_id", c.ID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}
