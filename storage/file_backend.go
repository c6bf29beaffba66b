package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileBackend keeps the session keys in a single JSON file. Writes go
// through a temp file plus rename so the batch is atomic; readers in other
// processes see either the old or the new state, never a torn one.
type FileBackend struct {
	path string

	mu     sync.RWMutex
	values map[string]string
}

func NewFileBackend(path string) (*FileBackend, error) {
	b := &FileBackend{path: path, values: map[string]string{}}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "[NewFileBackend] mkdir")
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *FileBackend) load() error {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "[FileBackend.load] read")
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		// A corrupt store is treated as empty rather than fatal; the
		// session simply starts unauthenticated.
		return nil
	}
	b.mu.Lock()
	b.values = values
	b.mu.Unlock()
	return nil
}

// Reload re-reads the file, picking up writes made by other processes.
func (b *FileBackend) Reload() error {
	return b.load()
}

func (b *FileBackend) Get(key string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	return v, ok
}

func (b *FileBackend) Update(set map[string]string, del []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := make(map[string]string, len(b.values)+len(set))
	for k, v := range b.values {
		next[k] = v
	}
	for k, v := range set {
		next[k] = v
	}
	for _, k := range del {
		delete(next, k)
	}

	if err := b.write(next); err != nil {
		return err
	}
	b.values = next
	return nil
}

func (b *FileBackend) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "[FileBackend.write] marshal")
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), ".session-*")
	if err != nil {
		return errors.Wrap(err, "[FileBackend.write] temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrap(err, "[FileBackend.write] write")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "[FileBackend.write] close")
	}
	if err := os.Rename(tmp.Name(), b.path); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrap(err, "[FileBackend.write] rename")
	}
	return nil
}

func (b *FileBackend) Close() error {
	return nil
}

// Path returns the backing file location, for watchers.
func (b *FileBackend) Path() string {
	return b.path
}
