package store

import (
	"database/sql"
	"fmt"
)

const candidateSelectCols = `SELECT id, skill_key, execution_ids, status, score, passed, created_at, updated_at`

func (s *Store) CreateSkillCandidate(c *SkillCandidate) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO skill_candidates (id, skill_key, execution_ids, status, score, passed,
				created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SkillKey, joinCaps(c.ExecutionIDs), c.Status, c.Score, c.Passed, c.CreatedAt, c.UpdatedAt,
		)
		return err
	})
}

func (s *Store) GetSkillCandidate(id string) (*SkillCandidate, error) {
	row := s.db.QueryRow(candidateSelectCols+` FROM skill_candidates WHERE id = ?`, id)
	return scanSkillCandidate(row)
}

func (s *Store) ListSkillCandidates(skillKey string) ([]*SkillCandidate, error) {
	rows, err := s.db.Query(
		candidateSelectCols+` FROM skill_candidates WHERE skill_key = ? ORDER BY created_at DESC`, skillKey)
	if err != nil {
		return nil, fmt.Errorf("listing skill candidates: %w", err)
	}
	defer rows.Close()

	var out []*SkillCandidate
	for rows.Next() {
		c, err := scanSkillCandidate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateSkillCandidateStatus records evaluation outcome or promotion/rejection.
func (s *Store) UpdateSkillCandidateStatus(id, status string, score *float64, passed *bool, updatedAt sql.NullTime) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`UPDATE skill_candidates SET status = ?, score = ?, passed = ?, updated_at = ? WHERE id = ?`,
			status, score, passed, updatedAt.Time, id,
		)
		return err
	})
}

func scanSkillCandidate(row scannable) (*SkillCandidate, error) {
	var c SkillCandidate
	var execIDs string
	err := row.Scan(&c.ID, &c.SkillKey, &execIDs, &c.Status, &c.Score, &c.Passed, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning skill candidate: %w", err)
	}
	c.ExecutionIDs = splitCaps(execIDs)
	return &c, nil
}

// --- skill_releases ---

const releaseSelectCols = `SELECT id, skill_key, candidate_id, version, stage, active, created_at, updated_at`

// CreateSkillRelease inserts a release row. If active is true and another
// release is already active for (skill_key, stage), the partial unique
// index rejects the insert — the caller must deactivate the prior release
// first, inside the same transaction, via PromoteSkillRelease.
func (s *Store) CreateSkillRelease(r *SkillRelease) error {
	return retryOnBusy(func() error {
		_, err := s.db.Exec(
			`INSERT INTO skill_releases (id, skill_key, candidate_id, version, stage, active,
				created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.SkillKey, r.CandidateID, r.Version, r.Stage, r.Active, r.CreatedAt, r.UpdatedAt,
		)
		return err
	})
}

// PromoteSkillRelease atomically deactivates whatever release currently owns
// (skillKey, stage) and activates newReleaseID in its place, satisfying the
// at-most-one-active-release-per-key-stage invariant enforced by
// idx_skill_releases_active.
func (s *Store) PromoteSkillRelease(skillKey, stage, newReleaseID string, updatedAt any) error {
	return retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(
			`UPDATE skill_releases SET active = 0, updated_at = ? WHERE skill_key = ? AND stage = ? AND active = 1`,
			updatedAt, skillKey, stage,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`UPDATE skill_releases SET active = 1, updated_at = ? WHERE id = ?`, updatedAt, newReleaseID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) GetActiveSkillRelease(skillKey, stage string) (*SkillRelease, error) {
	row := s.db.QueryRow(
		releaseSelectCols+` FROM skill_releases WHERE skill_key = ? AND stage = ? AND active = 1`,
		skillKey, stage)
	return scanSkillRelease(row)
}

func (s *Store) ListSkillReleases(skillKey string) ([]*SkillRelease, error) {
	rows, err := s.db.Query(
		releaseSelectCols+` FROM skill_releases WHERE skill_key = ? ORDER BY version DESC`, skillKey)
	if err != nil {
		return nil, fmt.Errorf("listing skill releases: %w", err)
	}
	defer rows.Close()

	var out []*SkillRelease
	for rows.Next() {
		r, err := scanSkillRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSkillRelease(row scannable) (*SkillRelease, error) {
	var r SkillRelease
	err := row.Scan(&r.ID, &r.SkillKey, &r.CandidateID, &r.Version, &r.Stage, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning skill release: %w", err)
	}
	return &r, nil
}
