package recordstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "counters.json")

	s := openCounters(t, NewFileBackend(path))
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a", Count: 1}))
	require.NoError(t, s.Put(ctx, "b", counter{Name: "b", Count: 2}))
	_, err := s.Rename(ctx, "b", "c", func(c counter) (counter, error) {
		c.Name = "c"
		return c, nil
	})
	require.NoError(t, err)

	reopened := openCounters(t, NewFileBackend(path))
	assert.Equal(t, 2, reopened.Len())
	got, err := reopened.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Count)
	assert.False(t, reopened.Has("b"))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendMissingFileIsEmpty(t *testing.T) {
	s := openCounters(t, NewFileBackend(filepath.Join(t.TempDir(), "none.json")))
	assert.Equal(t, 0, s.Len())
}

func TestFileBackendFailedWriteKeepsPreviousDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counters.json")
	b := NewFileBackend(path)
	s := openCounters(t, b)
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a", Count: 1}))

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// A directory in the temporary file's place makes the next write fail.
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))
	err = s.Put(ctx, "b", counter{Name: "b"})
	require.Error(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, s.Has("b"))

	// Once the obstruction is gone the backend must not resurrect "b".
	require.NoError(t, os.Remove(path+".tmp"))
	require.NoError(t, s.Put(ctx, "c", counter{Name: "c"}))
	reopened := openCounters(t, NewFileBackend(path))
	assert.True(t, reopened.Has("a"))
	assert.True(t, reopened.Has("c"))
	assert.False(t, reopened.Has("b"))
}

func TestFileBackendDirectorySyncFailure(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "counters.json")
	s := openCounters(t, NewFileBackend(path))
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a", Count: 1}))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	eio := errors.New("input/output error")
	orig := syncDir
	syncDir = func(string) error { return eio }
	t.Cleanup(func() { syncDir = orig })

	err = s.Put(ctx, "b", counter{Name: "b"})
	assert.ErrorIs(t, err, eio)
	assert.ErrorIs(t, err, errNotSynced)
	assert.False(t, s.Has("b"))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	syncDir = orig
	reopened := openCounters(t, NewFileBackend(path))
	assert.True(t, reopened.Has("a"))
	assert.False(t, reopened.Has("b"))
}

func TestFileBackendCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counters.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	_, err := Open[string, counter](context.Background(), "counters", NewFileBackend(path))
	assert.Error(t, err)
}
