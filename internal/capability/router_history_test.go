package capability

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bay/internal/history"
	"bay/internal/runtime"
	"bay/internal/store"
)

func newTestHistoryRouter(t *testing.T) (*Router, *history.Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "router-history.db"), 1)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hist := history.NewService(st)
	return &Router{history: hist}, hist, st
}

func TestRecordExecResultPersistsPythonExecution(t *testing.T) {
	r, hist, _ := newTestHistoryRouter(t)
	code := "print('hi')"
	r.recordExecResult("sbx-1", execTypePython, &code, &runtime.ExecutionResult{
		Success: true, Output: "hi",
	}, time.Now())

	last, err := hist.GetLast("sbx-1")
	require.NoError(t, err)
	assert.Equal(t, execTypePython, last.Type)
	assert.True(t, last.Success)
	require.NotNil(t, last.Output)
	assert.Equal(t, "hi", *last.Output)
}

func TestRecordExecResultNilResultIsNoop(t *testing.T) {
	r, hist, _ := newTestHistoryRouter(t)
	code := "1/0"
	r.recordExecResult("sbx-1", execTypePython, &code, nil, time.Now())

	_, err := hist.GetLast("sbx-1")
	assert.Error(t, err, "a nil result (the call errored before producing one) must not be recorded")
}

func TestRecordFSReadPersistsContentOnSuccess(t *testing.T) {
	r, hist, _ := newTestHistoryRouter(t)
	r.recordFSRead("sbx-1", "a.txt", "file contents", nil, time.Now())

	last, err := hist.GetLast("sbx-1")
	require.NoError(t, err)
	assert.Equal(t, execTypeFSRead, last.Type)
	assert.True(t, last.Success)
	require.NotNil(t, last.Output)
	assert.Equal(t, "file contents", *last.Output)
}

// TestRecordBrowserBatchPersistsSingleRow covers S6: a multi-step browser
// batch must be recorded as exactly one execution row of type
// browser-batch, regardless of how many individual steps failed.
func TestRecordBrowserBatchPersistsSingleRow(t *testing.T) {
	r, _, st := newTestHistoryRouter(t)
	commands := []string{"click #a", "type hello", "click #submit"}
	results := []runtime.BrowserStepResult{
		{Command: commands[0], Success: true, Output: "clicked"},
		{Command: commands[1], Success: true, Output: "typed"},
	}
	r.recordBrowserBatch("sbx-1", commands, results, false, time.Now())

	rows, err := st.ListExecutions(store.ExecutionFilter{SandboxID: "sbx-1"})
	require.NoError(t, err)
	require.Len(t, rows, 1, "a browser batch must persist as a single row")
	assert.Equal(t, execTypeBrowserBatch, rows[0].Type)
	assert.False(t, rows[0].Success, "aggregate success must reflect the batch outcome, not any one step")
}
