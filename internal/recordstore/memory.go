package recordstore

import (
	"context"
	"sync"
)

// Op names a backend mutation for fault injection.
type Op string

const (
	OpSave   Op = "save"
	OpDelete Op = "delete"
	OpMove   Op = "move"
)

// MemoryBackend is a volatile Backend for tests and ephemeral runs.  A
// fault hook set with FailWhen lets tests make individual writes fail.
type MemoryBackend struct {
	mu      sync.Mutex
	records map[string][]byte
	fail    func(op Op, key string) error
	writes  int
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{records: map[string][]byte{}}
}

// FailWhen installs a hook consulted before every mutation.  A non-nil
// return aborts the mutation with that error.  Pass nil to clear.
func (m *MemoryBackend) FailWhen(fn func(op Op, key string) error) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

// Payload returns the persisted bytes for key.
func (m *MemoryBackend) Payload(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[key]
	return p, ok
}

// Writes counts successful mutations.
func (m *MemoryBackend) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *MemoryBackend) Load(_ context.Context) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.records))
	for k, v := range m.records {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemoryBackend) Save(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpSave, key); err != nil {
		return err
	}
	m.records[key] = append([]byte(nil), payload...)
	m.writes++
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpDelete, key); err != nil {
		return err
	}
	delete(m.records, key)
	m.writes++
	return nil
}

func (m *MemoryBackend) Move(_ context.Context, oldKey, newKey string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(OpMove, newKey); err != nil {
		return err
	}
	delete(m.records, oldKey)
	m.records[newKey] = append([]byte(nil), payload...)
	m.writes++
	return nil
}

func (m *MemoryBackend) check(op Op, key string) error {
	if m.fail == nil {
		return nil
	}
	return m.fail(op, key)
}
