// Package keylock provides per-key mutual exclusion.  A Map hands out an
// exclusive section for any comparable key; entries exist only while at
// least one goroutine holds or waits for them, so the map does not grow
// with the number of keys ever seen.
package keylock

import (
	"cmp"
	"slices"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of independently lockable keys.  The zero value is ready
// to use.
type Map[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
}

// Lock blocks until the key is free and returns the matching unlock
// function.  Calling unlock more than once panics like sync.Mutex does.
func (m *Map[K]) Lock(key K) (unlock func()) {
	m.mu.Lock()
	if m.entries == nil {
		m.entries = make(map[K]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.entries, key)
		}
		m.mu.Unlock()
	}
}

// Held reports how many keys currently have a holder or a waiter.
func (m *Map[K]) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// LockOrdered locks every distinct key in ascending order and returns a
// function that releases them in reverse.  Two callers locking the same
// set of keys therefore never deadlock on each other.
func LockOrdered[K cmp.Ordered](m *Map[K], keys ...K) (unlock func()) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	unlocks := make([]func(), 0, len(sorted))
	for _, k := range sorted {
		unlocks = append(unlocks, m.Lock(k))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
