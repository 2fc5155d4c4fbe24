package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileMode = 0o600

// loadFile returns the contents of path, or nil when it does not exist.
func loadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// saveFile replaces path with b. The data is synced to a sibling temp file
// first so a crash leaves either the old or the new contents.
func saveFile(path string, b []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(f.Name())
		}
	}()

	if err = f.Chmod(fileMode); err != nil {
		return err
	}
	if _, err = f.Write(b); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}

func loadJSON(path string, out any) error {
	b, err := loadFile(path)
	if err != nil || b == nil {
		return err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

func saveJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return saveFile(path, b)
}

// table is a JSON object on disk keyed by K. Every call reads the file
// fresh, so two processes sharing a home see each other's writes.
type table[K comparable, V any] struct {
	mu   sync.Mutex
	path string
}

func newTable[K comparable, V any](dir, name string) *table[K, V] {
	return &table[K, V]{path: filepath.Join(dir, name)}
}

func (t *table[K, V]) load() (map[K]V, error) {
	m := make(map[K]V)
	if err := loadJSON(t.path, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (t *table[K, V]) get(k K) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero V
	m, err := t.load()
	if err != nil {
		return zero, false, err
	}
	v, ok := m[k]
	return v, ok, nil
}

func (t *table[K, V]) all() (map[K]V, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load()
}

// update applies fn to the current rows and writes them back if fn reports
// a change.
func (t *table[K, V]) update(fn func(map[K]V) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, err := t.load()
	if err != nil {
		return err
	}
	if !fn(m) {
		return nil
	}
	return saveJSON(t.path, m)
}

func (t *table[K, V]) put(k K, v V) error {
	return t.update(func(m map[K]V) bool {
		m[k] = v
		return true
	})
}

func (t *table[K, V]) remove(k K) error {
	return t.update(func(m map[K]V) bool {
		_, ok := m[k]
		delete(m, k)
		return ok
	})
}

// take removes k and returns the value it held.
func (t *table[K, V]) take(k K) (v V, ok bool, err error) {
	err = t.update(func(m map[K]V) bool {
		v, ok = m[k]
		delete(m, k)
		return ok
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v, ok, nil
}
