// Package recordstore implements a keyed write-through record cache.  A
// Store keeps every record decoded in memory and mirrors each mutation to
// a durable Backend before the cache is touched, so a mutation that
// reports success is always durable and a mutation that fails leaves both
// the cache and the backend as they were.
//
// Mutations of one key are mutually exclusive; mutations of different
// keys run concurrently and only contend inside the backend.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/iliyamo/cinema-ticketing/internal/keylock"
)

// ErrNotFound is returned when a key is absent.
var ErrNotFound = errors.New("record not found")

// ErrDuplicateKey is returned by insert-only operations when the key is
// already present.
var ErrDuplicateKey = errors.New("duplicate key")

// Backend is the durable side of a Store.  Keys and payloads are opaque
// to the backend; payloads are JSON documents produced by the Store.
// Each method must either fully apply or fully fail.
type Backend interface {
	// Load returns every persisted record.
	Load(ctx context.Context) (map[string][]byte, error)
	// Save inserts or replaces one record.
	Save(ctx context.Context, key string, payload []byte) error
	// Delete removes one record.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Move atomically removes oldKey and writes payload under newKey.
	Move(ctx context.Context, oldKey, newKey string, payload []byte) error
}

// Entry is one key/value pair returned by All.
type Entry[K ~string, V any] struct {
	Key   K
	Value V
}

// cloner is implemented by record types that hold maps or slices.  The
// store hands out clones so callers can never mutate cached state.
type cloner[V any] interface {
	Clone() V
}

// Store is a write-through cache of records of type V keyed by K.
type Store[K ~string, V any] struct {
	name    string
	backend Backend

	locks   keylock.Map[K]
	mu      sync.RWMutex
	records map[K]V
}

// Open loads every record from backend and returns a ready Store.  name
// identifies the store in error messages.
func Open[K ~string, V any](ctx context.Context, name string, backend Backend) (*Store[K, V], error) {
	raw, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore %s: load: %w", name, err)
	}
	records := make(map[K]V, len(raw))
	for k, payload := range raw {
		var v V
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fmt.Errorf("recordstore %s: decode %q: %w", name, k, err)
		}
		records[K(k)] = v
	}
	return &Store[K, V]{name: name, backend: backend, records: records}, nil
}

// Name returns the store name given to Open.
func (s *Store[K, V]) Name() string { return s.name }

// Len returns the number of cached records.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Get returns a copy of the record stored under key.
func (s *Store[K, V]) Get(_ context.Context, key K) (V, error) {
	s.mu.RLock()
	v, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		var zero V
		return zero, fmt.Errorf("%s %q: %w", s.name, key, ErrNotFound)
	}
	return clone(v), nil
}

// Has reports whether key is present.
func (s *Store[K, V]) Has(key K) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[key]
	return ok
}

// All returns a snapshot of every record ordered by key.
func (s *Store[K, V]) All(_ context.Context) []Entry[K, V] {
	s.mu.RLock()
	out := make([]Entry[K, V], 0, len(s.records))
	for k, v := range s.records {
		out = append(out, Entry[K, V]{Key: k, Value: clone(v)})
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Entry[K, V]) int { return strings.Compare(string(a.Key), string(b.Key)) })
	return out
}

// Put inserts or replaces the record under key.
func (s *Store[K, V]) Put(ctx context.Context, key K, value V) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	return s.persistLocked(ctx, key, value)
}

// Insert stores value under key and fails with ErrDuplicateKey when the
// key already exists.
func (s *Store[K, V]) Insert(ctx context.Context, key K, value V) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if s.Has(key) {
		return fmt.Errorf("%s %q: %w", s.name, key, ErrDuplicateKey)
	}
	return s.persistLocked(ctx, key, value)
}

// Remove deletes the record under key.
func (s *Store[K, V]) Remove(ctx context.Context, key K) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if !s.Has(key) {
		return fmt.Errorf("%s %q: %w", s.name, key, ErrNotFound)
	}
	if err := s.backend.Delete(ctx, string(key)); err != nil {
		return fmt.Errorf("recordstore %s: delete %q: %w", s.name, key, err)
	}
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

// Update runs fn on a copy of the record under key while holding the
// key's lock and persists the result.  When fn returns an error nothing
// is written and that error is returned unchanged.
func (s *Store[K, V]) Update(ctx context.Context, key K, fn func(V) (V, error)) (V, error) {
	var zero V
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s %q: %w", s.name, key, ErrNotFound)
	}
	next, err := fn(clone(cur))
	if err != nil {
		return zero, err
	}
	if err := s.persistLocked(ctx, key, next); err != nil {
		return zero, err
	}
	return clone(next), nil
}

// Rename moves the record under oldKey to newKey, passing it through fn
// first so the caller can rewrite fields that embed the key.  Both keys
// are locked for the duration, so no reader or writer observes a state
// where both or neither key holds the record.
func (s *Store[K, V]) Rename(ctx context.Context, oldKey, newKey K, fn func(V) (V, error)) (V, error) {
	var zero V
	if oldKey == newKey {
		return s.Update(ctx, oldKey, fn)
	}
	unlock := keylock.LockOrdered(&s.locks, oldKey, newKey)
	defer unlock()

	s.mu.RLock()
	cur, ok := s.records[oldKey]
	_, taken := s.records[newKey]
	s.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("%s %q: %w", s.name, oldKey, ErrNotFound)
	}
	if taken {
		return zero, fmt.Errorf("%s %q: %w", s.name, newKey, ErrDuplicateKey)
	}
	next, err := fn(clone(cur))
	if err != nil {
		return zero, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return zero, fmt.Errorf("recordstore %s: encode %q: %w", s.name, newKey, err)
	}
	if err := s.backend.Move(ctx, string(oldKey), string(newKey), payload); err != nil {
		return zero, fmt.Errorf("recordstore %s: move %q to %q: %w", s.name, oldKey, newKey, err)
	}
	s.mu.Lock()
	delete(s.records, oldKey)
	s.records[newKey] = clone(next)
	s.mu.Unlock()
	return clone(next), nil
}

// persistLocked writes value through the backend and then into the
// cache.  The caller holds the key lock.
func (s *Store[K, V]) persistLocked(ctx context.Context, key K, value V) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("recordstore %s: encode %q: %w", s.name, key, err)
	}
	if err := s.backend.Save(ctx, string(key), payload); err != nil {
		return fmt.Errorf("recordstore %s: save %q: %w", s.name, key, err)
	}
	s.mu.Lock()
	s.records[key] = clone(value)
	s.mu.Unlock()
	return nil
}

func clone[V any](v V) V {
	if c, ok := any(v).(cloner[V]); ok {
		return c.Clone()
	}
	return v
}
