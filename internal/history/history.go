// Package history implements execution-history and skill-lifecycle
// operations over the store's executions/skill_candidates/skill_releases
// tables, grounded on spec §4.9.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"bay/internal/apierr"
	"bay/internal/store"
)

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// RecordExecution persists an immutable execution row for a capability call
// carrying semantic weight (code/shell/browser execution).
func (s *Service) RecordExecution(sandboxID, execType string, input, output, stdout, stderr *string, exitCode *int, success bool, durationMs int64, startedAt time.Time) (*store.Execution, error) {
	e := &store.Execution{
		ID:         "exec-" + uuid.New().String(),
		SandboxID:  sandboxID,
		Type:       execType,
		Input:      input,
		Output:     output,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		Success:    success,
		DurationMs: durationMs,
		StartedAt:  startedAt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateExecution(e); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}
	return e, nil
}

func (s *Service) Get(id string) (*store.Execution, error) {
	e, err := s.store.GetExecution(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("execution not found: " + id)
		}
		return nil, err
	}
	return e, nil
}

func (s *Service) GetLast(sandboxID string) (*store.Execution, error) {
	e, err := s.store.GetLastExecution(sandboxID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("no executions for sandbox: " + sandboxID)
		}
		return nil, err
	}
	return e, nil
}

func (s *Service) List(f store.ExecutionFilter) ([]*store.Execution, error) {
	return s.store.ListExecutions(f)
}

// Annotate updates the mutable description/notes/tags fields; everything
// else about an execution is immutable.
func (s *Service) Annotate(id string, description, notes *string, tags []string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return s.store.AnnotateExecution(id, description, notes, tags)
}

// --- skill lifecycle ---

const (
	CandidateDraft      = "draft"
	CandidateEvaluating = "evaluating"
	CandidateEvaluated  = "evaluated"
	CandidatePromoted   = "promoted"
	CandidateRejected   = "rejected"
)

const (
	ReleaseCanary     = "canary"
	ReleaseStable     = "stable"
	ReleaseRolledBack = "rolled_back"
)

// CreateCandidate creates a Candidate from a list of execution-ids plus a
// skill-key, in draft status.
func (s *Service) CreateCandidate(skillKey string, executionIDs []string) (*store.SkillCandidate, error) {
	for _, id := range executionIDs {
		if _, err := s.Get(id); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	c := &store.SkillCandidate{
		ID:           "cand-" + uuid.New().String(),
		SkillKey:     skillKey,
		ExecutionIDs: executionIDs,
		Status:       CandidateDraft,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateSkillCandidate(c); err != nil {
		return nil, fmt.Errorf("creating skill candidate: %w", err)
	}
	return c, nil
}

func (s *Service) GetCandidate(id string) (*store.SkillCandidate, error) {
	c, err := s.store.GetSkillCandidate(id)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("skill candidate not found: " + id)
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) ListCandidates(skillKey string) ([]*store.SkillCandidate, error) {
	return s.store.ListSkillCandidates(skillKey)
}

// Evaluate attaches a pass/fail and score to a candidate.
func (s *Service) Evaluate(id string, score float64, passed bool) (*store.SkillCandidate, error) {
	c, err := s.GetCandidate(id)
	if err != nil {
		return nil, err
	}
	status := CandidateEvaluated
	now := time.Now().UTC()
	if err := s.store.UpdateSkillCandidateStatus(id, status, &score, &passed, sql.NullTime{Time: now, Valid: true}); err != nil {
		return nil, fmt.Errorf("evaluating skill candidate: %w", err)
	}
	c.Status, c.Score, c.Passed, c.UpdatedAt = status, &score, &passed, now
	return c, nil
}

// Promote transitions an evaluated candidate into a Release, which becomes
// active for (skill-key, stage), superseding the prior active release.
func (s *Service) Promote(candidateID, stage string) (*store.SkillRelease, error) {
	c, err := s.GetCandidate(candidateID)
	if err != nil {
		return nil, err
	}
	if c.Status != CandidateEvaluated {
		return nil, apierr.Conflict("candidate is not evaluated: " + candidateID)
	}
	if c.Passed == nil || !*c.Passed {
		return nil, apierr.Conflict("candidate did not pass evaluation: " + candidateID)
	}

	prior, err := s.store.ListSkillReleases(c.SkillKey)
	if err != nil {
		return nil, err
	}
	version := 1
	for _, r := range prior {
		if r.Version >= version {
			version = r.Version + 1
		}
	}

	now := time.Now().UTC()
	release := &store.SkillRelease{
		ID:          "rel-" + uuid.New().String(),
		SkillKey:    c.SkillKey,
		CandidateID: candidateID,
		Version:     version,
		Stage:       stage,
		Active:      false,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateSkillRelease(release); err != nil {
		return nil, fmt.Errorf("creating skill release: %w", err)
	}
	if err := s.store.PromoteSkillRelease(c.SkillKey, stage, release.ID, now); err != nil {
		return nil, fmt.Errorf("activating skill release: %w", err)
	}
	release.Active = true

	status := CandidatePromoted
	if err := s.store.UpdateSkillCandidateStatus(candidateID, status, c.Score, c.Passed, sql.NullTime{Time: now, Valid: true}); err != nil {
		return nil, fmt.Errorf("marking candidate promoted: %w", err)
	}
	c.Status = status
	return release, nil
}

func (s *Service) ListReleases(skillKey string) ([]*store.SkillRelease, error) {
	return s.store.ListSkillReleases(skillKey)
}

// Rollback makes the highest-versioned other release for (skillKey, stage)
// active again and deactivates the current active release. The deactivated
// release keeps its stage; it is not marked rolled_back.
func (s *Service) Rollback(skillKey, stage string) (*store.SkillRelease, error) {
	current, err := s.store.GetActiveSkillRelease(skillKey, stage)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound(fmt.Sprintf("no active release for %s/%s", skillKey, stage))
		}
		return nil, err
	}

	releases, err := s.store.ListSkillReleases(skillKey)
	if err != nil {
		return nil, err
	}
	var previous *store.SkillRelease
	for _, r := range releases {
		if r.Stage != stage || r.ID == current.ID {
			continue
		}
		if previous == nil || r.Version > previous.Version {
			previous = r
		}
	}
	if previous == nil {
		return nil, apierr.Conflict(fmt.Sprintf("no prior release to roll back to for %s/%s", skillKey, stage))
	}

	now := time.Now().UTC()
	if err := s.store.PromoteSkillRelease(skillKey, stage, previous.ID, now); err != nil {
		return nil, fmt.Errorf("rolling back skill release: %w", err)
	}
	previous.Active = true
	return previous, nil
}
