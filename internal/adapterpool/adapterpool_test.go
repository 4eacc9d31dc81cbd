package adapterpool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCachesValue(t *testing.T) {
	p := New[string](DefaultMaxSize, DefaultTTL)
	calls := 0
	factory := func() (string, error) {
		calls++
		return "adapter-1", nil
	}

	v, err := p.GetOrCreate("a", factory)
	require.NoError(t, err)
	assert.Equal(t, "adapter-1", v)

	v, err = p.GetOrCreate("a", factory)
	require.NoError(t, err)
	assert.Equal(t, "adapter-1", v)
	assert.Equal(t, 1, calls, "factory must only run once for a cached key")
}

func TestGetOrCreateDoesNotCacheErrors(t *testing.T) {
	p := New[string](DefaultMaxSize, DefaultTTL)
	boom := errors.New("boom")

	_, err := p.GetOrCreate("a", func() (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, p.Len())

	v, err := p.GetOrCreate("a", func() (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestExpiredEntryRebuilt(t *testing.T) {
	p := New[string](DefaultMaxSize, time.Minute)
	now := time.Now()
	p.now = func() time.Time { return now }

	calls := 0
	factory := func() (string, error) {
		calls++
		return "v1", nil
	}
	_, err := p.GetOrCreate("a", factory)
	require.NoError(t, err)

	p.now = func() time.Time { return now.Add(2 * time.Minute) }
	v, err := p.GetOrCreate("a", func() (string, error) { calls++; return "v2", nil })
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, 2, calls)
}

func TestLRUEvictsOldestOnOverflow(t *testing.T) {
	p := New[string](2, time.Hour)

	_, err := p.GetOrCreate("a", func() (string, error) { return "va", nil })
	require.NoError(t, err)
	_, err = p.GetOrCreate("b", func() (string, error) { return "vb", nil })
	require.NoError(t, err)
	_, err = p.GetOrCreate("c", func() (string, error) { return "vc", nil })
	require.NoError(t, err)

	assert.Equal(t, 2, p.Len())

	calls := 0
	_, err = p.GetOrCreate("a", func() (string, error) { calls++; return "va-rebuilt", nil })
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a should have been evicted as least-recently-used")
}

func TestRemoveDropsEntry(t *testing.T) {
	p := New[string](DefaultMaxSize, DefaultTTL)
	_, err := p.GetOrCreate("a", func() (string, error) { return "va", nil })
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())

	p.Remove("a")
	assert.Equal(t, 0, p.Len())

	p.Remove("does-not-exist")
	assert.Equal(t, 0, p.Len())
}
