package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/apierr"
	"bay/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "history.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewService(st)
}

func strPtr(s string) *string { return &s }

func TestRecordExecutionAndGet(t *testing.T) {
	s := newTestService(t)
	out := strPtr("hello")

	e, err := s.RecordExecution("sbx-1", "code", strPtr("print('hello')"), out, nil, nil, intPtr(0), true, 42, time.Now().UTC())
	require.NoError(t, err)

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "sbx-1", got.SandboxID)
	assert.Equal(t, "hello", *got.Output)
}

func intPtr(i int) *int { return &i }

func TestGetLastReturnsMostRecent(t *testing.T) {
	s := newTestService(t)
	now := time.Now().UTC()

	_, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, now.Add(-time.Minute))
	require.NoError(t, err)
	second, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, now)
	require.NoError(t, err)

	last, err := s.GetLast("sbx-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, last.ID)
}

func TestAnnotateUpdatesMutableFields(t *testing.T) {
	s := newTestService(t)
	e, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, time.Now().UTC())
	require.NoError(t, err)

	desc := "flaky retry"
	require.NoError(t, s.Annotate(e.ID, &desc, nil, []string{"flaky", "retry"}))

	got, err := s.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, "flaky retry", *got.Description)
	assert.ElementsMatch(t, []string{"flaky", "retry"}, got.Tags)
}

func TestSkillLifecycleHappyPath(t *testing.T) {
	s := newTestService(t)
	e, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, time.Now().UTC())
	require.NoError(t, err)

	cand, err := s.CreateCandidate("skill-sort", []string{e.ID})
	require.NoError(t, err)
	assert.Equal(t, CandidateDraft, cand.Status)

	evaluated, err := s.Evaluate(cand.ID, 0.95, true)
	require.NoError(t, err)
	assert.Equal(t, CandidateEvaluated, evaluated.Status)

	release, err := s.Promote(cand.ID, ReleaseCanary)
	require.NoError(t, err)
	assert.True(t, release.Active)
	assert.Equal(t, 1, release.Version)

	promoted, err := s.GetCandidate(cand.ID)
	require.NoError(t, err)
	assert.Equal(t, CandidatePromoted, promoted.Status)
}

func TestPromoteRejectsUnevaluatedCandidate(t *testing.T) {
	s := newTestService(t)
	e, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, time.Now().UTC())
	require.NoError(t, err)
	cand, err := s.CreateCandidate("skill-sort", []string{e.ID})
	require.NoError(t, err)

	_, err = s.Promote(cand.ID, ReleaseCanary)
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestPromoteRejectsFailedEvaluation(t *testing.T) {
	s := newTestService(t)
	e, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, time.Now().UTC())
	require.NoError(t, err)
	cand, err := s.CreateCandidate("skill-sort", []string{e.ID})
	require.NoError(t, err)
	_, err = s.Evaluate(cand.ID, 0.2, false)
	require.NoError(t, err)

	_, err = s.Promote(cand.ID, ReleaseCanary)
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestRollbackRestoresPreviousRelease(t *testing.T) {
	s := newTestService(t)

	promote := func() *store.SkillRelease {
		e, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, time.Now().UTC())
		require.NoError(t, err)
		cand, err := s.CreateCandidate("skill-sort", []string{e.ID})
		require.NoError(t, err)
		_, err = s.Evaluate(cand.ID, 0.9, true)
		require.NoError(t, err)
		release, err := s.Promote(cand.ID, ReleaseStable)
		require.NoError(t, err)
		return release
	}

	first := promote()
	second := promote()
	assert.True(t, second.Version > first.Version)

	rolledBackTo, err := s.Rollback("skill-sort", ReleaseStable)
	require.NoError(t, err)
	assert.Equal(t, first.ID, rolledBackTo.ID)
	assert.True(t, rolledBackTo.Active)
}

func TestRollbackWithNoPriorReleaseFails(t *testing.T) {
	s := newTestService(t)
	e, err := s.RecordExecution("sbx-1", "code", nil, nil, nil, nil, nil, true, 1, time.Now().UTC())
	require.NoError(t, err)
	cand, err := s.CreateCandidate("skill-sort", []string{e.ID})
	require.NoError(t, err)
	_, err = s.Evaluate(cand.ID, 0.9, true)
	require.NoError(t, err)
	_, err = s.Promote(cand.ID, ReleaseStable)
	require.NoError(t, err)

	_, err = s.Rollback("skill-sort", ReleaseStable)
	assert.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}
