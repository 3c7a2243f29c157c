package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Name  string            `json:"name"`
	Count int               `json:"count"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func (c counter) Clone() counter {
	out := c
	if c.Tags != nil {
		out.Tags = make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			out.Tags[k] = v
		}
	}
	return out
}

var errBoom = errors.New("boom")

func openCounters(t *testing.T, b Backend) *Store[string, counter] {
	t.Helper()
	s, err := Open[string, counter](context.Background(), "counters", b)
	require.NoError(t, err)
	return s
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := openCounters(t, NewMemoryBackend())

	require.NoError(t, s.Insert(ctx, "a", counter{Name: "a", Count: 1}))
	err := s.Insert(ctx, "a", counter{Name: "a", Count: 2})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := openCounters(t, NewMemoryBackend())

	tags := map[string]string{"k": "v"}
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a", Tags: tags}))
	tags["k"] = "changed"

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Tags["k"] = "mutated"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Tags["k"])
}

func TestFailedSaveLeavesCacheUntouched(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := openCounters(t, b)
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a", Count: 1}))

	b.FailWhen(func(Op, string) error { return errBoom })
	_, err := s.Update(ctx, "a", func(c counter) (counter, error) {
		c.Count = 99
		return c, nil
	})
	assert.ErrorIs(t, err, errBoom)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Count)

	err = s.Insert(ctx, "b", counter{Name: "b"})
	assert.ErrorIs(t, err, errBoom)
	assert.False(t, s.Has("b"))

	err = s.Remove(ctx, "a")
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, s.Has("a"))
}

func TestUpdateCallbackErrorWritesNothing(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := openCounters(t, b)
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a"}))
	writes := b.Writes()

	_, err := s.Update(ctx, "a", func(c counter) (counter, error) { return c, errBoom })
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, writes, b.Writes())
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := openCounters(t, b)
	require.NoError(t, s.Put(ctx, "old", counter{Name: "old", Count: 3}))
	require.NoError(t, s.Put(ctx, "taken", counter{Name: "taken"}))

	_, err := s.Rename(ctx, "old", "taken", func(c counter) (counter, error) { return c, nil })
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = s.Rename(ctx, "nope", "new", func(c counter) (counter, error) { return c, nil })
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.Rename(ctx, "old", "new", func(c counter) (counter, error) {
		c.Name = "new"
		return c, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "new", got.Name)
	assert.False(t, s.Has("old"))
	assert.True(t, s.Has("new"))

	_, ok := b.Payload("old")
	assert.False(t, ok)
	payload, ok := b.Payload("new")
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"new","count":3}`, string(payload))
}

func TestRenameFailureKeepsOldKey(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := openCounters(t, b)
	require.NoError(t, s.Put(ctx, "old", counter{Name: "old"}))

	b.FailWhen(func(op Op, _ string) error {
		if op == OpMove {
			return errBoom
		}
		return nil
	})
	_, err := s.Rename(ctx, "old", "new", func(c counter) (counter, error) { return c, nil })
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, s.Has("old"))
	assert.False(t, s.Has("new"))
}

func TestConcurrentUpdatesSameKey(t *testing.T) {
	ctx := context.Background()
	s := openCounters(t, NewMemoryBackend())
	require.NoError(t, s.Put(ctx, "a", counter{Name: "a"}))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, "a", func(c counter) (counter, error) {
				c.Count++
				return c, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Count)
}

func TestReopenSeesPersistedState(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	s := openCounters(t, b)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, s.Put(ctx, key, counter{Name: key, Count: i}))
	}
	require.NoError(t, s.Remove(ctx, "k2"))

	reopened := openCounters(t, b)
	assert.Equal(t, 4, reopened.Len())
	all := reopened.All(ctx)
	require.Len(t, all, 4)
	assert.Equal(t, "k0", all[0].Key)
	assert.Equal(t, "k4", all[3].Key)
	assert.Equal(t, 4, all[3].Value.Count)
}
