package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileBackend persists a store as one JSON object mapping keys to
// records.  Every mutation rewrites the whole document, but the rewrite
// goes to a temporary file that is fsynced and renamed into place, so a
// crash leaves either the previous or the new document on disk.
type FileBackend struct {
	path string

	mu      sync.Mutex
	records map[string]json.RawMessage
}

// NewFileBackend returns a backend writing to path.  The parent directory
// is created on Load when missing.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path, records: map[string]json.RawMessage{}}
}

// Path returns the document location.
func (b *FileBackend) Path() string { return b.path }

// Load reads the document.  A missing file is an empty store; a leftover
// temporary file from an interrupted write is ignored.
func (b *FileBackend) Load(_ context.Context) (map[string][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		b.records = map[string]json.RawMessage{}
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, err
	}
	records := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", b.path, err)
		}
	}
	b.records = records

	out := make(map[string][]byte, len(records))
	for k, v := range records {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (b *FileBackend) Save(_ context.Context, key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.records[key]
	b.records[key] = append(json.RawMessage(nil), payload...)
	return b.commitLocked(func() {
		if had {
			b.records[key] = prev
		} else {
			delete(b.records, key)
		}
	})
}

func (b *FileBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev, had := b.records[key]
	if !had {
		return nil
	}
	delete(b.records, key)
	return b.commitLocked(func() { b.records[key] = prev })
}

func (b *FileBackend) Move(_ context.Context, oldKey, newKey string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevOld, hadOld := b.records[oldKey]
	prevNew, hadNew := b.records[newKey]
	delete(b.records, oldKey)
	b.records[newKey] = append(json.RawMessage(nil), payload...)
	return b.commitLocked(func() {
		if hadOld {
			b.records[oldKey] = prevOld
		}
		if hadNew {
			b.records[newKey] = prevNew
		} else {
			delete(b.records, newKey)
		}
	})
}

// commitLocked flushes the document and runs undo when that fails.  If
// the new document was already renamed into place but its directory
// entry could not be synced, the previous document is written back so
// the file matches the records again.
func (b *FileBackend) commitLocked(undo func()) error {
	err := b.flushLocked()
	if err == nil {
		return nil
	}
	undo()
	if errors.Is(err, errNotSynced) {
		if rerr := b.flushLocked(); rerr != nil && !errors.Is(rerr, errNotSynced) {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// flushLocked writes the whole document atomically: temporary file,
// fsync, rename, then fsync of the directory so the rename survives a
// power loss.
func (b *FileBackend) flushLocked() error {
	data, err := json.MarshalIndent(b.records, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", b.path, err)
	}
	data = append(data, '\n')

	tmp := b.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", b.path, err)
	}

	if err := syncDir(filepath.Dir(b.path)); err != nil {
		return fmt.Errorf("%w: %s: %w", errNotSynced, filepath.Dir(b.path), err)
	}
	return nil
}

var errNotSynced = errors.New("directory not synced")

// syncDir fsyncs a directory so a rename inside it is durable.
var syncDir = func(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
