package store

import (
	"database/sql"
	"fmt"
)

const cargoSelectCols = `SELECT id, owner, backend_handle, kind, mount_path, managed_by_sandbox_id,
	created_at, deleted_at, version`

func (s *Store) CreateCargo(c *Cargo) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO cargos (id, owner, backend_handle, kind, mount_path, managed_by_sandbox_id,
				created_at, deleted_at, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
			c.ID, c.Owner, c.BackendHandle, c.Kind, c.MountPath, c.ManagedBySandboxID, c.CreatedAt, c.DeletedAt,
		)
		return err
	})
}

func (s *Store) GetCargo(id string) (*Cargo, error) {
	row := s.db.QueryRow(cargoSelectCols+` FROM cargos WHERE id = ?`, id)
	return scanCargo(row)
}

func (s *Store) ListCargos(owner string) ([]*Cargo, error) {
	rows, err := s.db.Query(cargoSelectCols+` FROM cargos WHERE owner = ? AND deleted_at IS NULL`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing cargos: %w", err)
	}
	defer rows.Close()

	var out []*Cargo
	for rows.Next() {
		c, err := scanCargo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountActiveReferences counts non-deleted sandboxes whose cargo_id points
// at cargoID — used to compute an external cargo's active-reference count.
func (s *Store) CountActiveReferences(cargoID string) (int, []string, error) {
	rows, err := s.db.Query(
		`SELECT id FROM sandboxes WHERE cargo_id = ? AND deleted_at IS NULL`, cargoID)
	if err != nil {
		return 0, nil, fmt.Errorf("counting cargo references: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, nil, err
		}
		ids = append(ids, id)
	}
	return len(ids), ids, rows.Err()
}

// ListOrphanManagedCargos returns managed cargos whose owning sandbox is
// deleted or missing, for OrphanCargoGC.
func (s *Store) ListOrphanManagedCargos() ([]*Cargo, error) {
	rows, err := s.db.Query(
		cargoSelectCols + ` FROM cargos
			WHERE kind = 'managed' AND deleted_at IS NULL
			AND (managed_by_sandbox_id IS NULL OR managed_by_sandbox_id IN (
				SELECT id FROM sandboxes WHERE deleted_at IS NOT NULL
			) OR managed_by_sandbox_id NOT IN (SELECT id FROM sandboxes))`)
	if err != nil {
		return nil, fmt.Errorf("listing orphan cargos: %w", err)
	}
	defer rows.Close()

	var out []*Cargo
	for rows.Next() {
		c, err := scanCargo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateCargo(c *Cargo) error {
	var res sql.Result
	err := retryOnBusy(func() error {
		var e error
		res, e = s.db.Exec(
			`UPDATE cargos SET deleted_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
			c.DeletedAt, c.ID, c.Version,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating cargo: %w", err)
	}
	n, err := checkRowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

func scanCargo(row scannable) (*Cargo, error) {
	var c Cargo
	err := row.Scan(&c.ID, &c.Owner, &c.BackendHandle, &c.Kind, &c.MountPath, &c.ManagedBySandboxID,
		&c.CreatedAt, &c.DeletedAt, &c.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cargo: %w", err)
	}
	return &c, nil
}
