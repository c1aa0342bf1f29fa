package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const fileMode = 0o600

type fileDocument struct {
	Entries map[string]string `toml:"entries"`
}

// File is a vault persisted as a TOML document. Each mutation rewrites the
// document through a temp file and rename, so a crash leaves either the old
// or the new state on disk.
type File struct {
	mu    sync.RWMutex
	path  string
	items map[string]string
}

// OpenFile loads path, creating an empty vault when the file does not exist.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, items: make(map[string]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Debug().Str("path", path).Msg("vault.OpenFile new vault")
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault load failed (%s): %w", path, err)
	}
	var doc fileDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("vault parse failed (%s): %w", path, err)
	}
	for k, v := range doc.Entries {
		f.items[k] = v
	}
	log.Debug().Str("path", path).Int("entries", len(f.items)).Msg("vault.OpenFile loaded")
	return f, nil
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Get(key string) (string, bool, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return "", false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	next := copyItems(f.items)
	next[key] = value
	return f.commitLocked(next)
}

func (f *File) Delete(key string) error {
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[key]; !ok {
		return nil
	}
	next := copyItems(f.items)
	delete(next, key)
	return f.commitLocked(next)
}

func (f *File) ClearAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitLocked(make(map[string]string))
}

func (f *File) Keys() ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return sortedKeys(f.items), nil
}

// commitLocked persists next and swaps it in only after the write succeeded.
func (f *File) commitLocked(next map[string]string) error {
	data, err := toml.Marshal(fileDocument{Entries: next})
	if err != nil {
		return fmt.Errorf("vault encode failed: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault mkdir failed (%s): %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("vault temp failed: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vault write failed: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("vault chmod failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault close failed: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("vault rename failed (%s): %w", f.path, err)
	}
	f.items = next
	return nil
}

func copyItems(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
