package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store loads and saves the processing state snapshot. A missing snapshot is
// an empty state, never an error; a torn or corrupt one is a load error so
// the operator sees it instead of silently starting over.
type Store interface {
	Load(ctx context.Context) (*ProcessingState, error)
	Save(ctx context.Context, st *ProcessingState) error
}

// FileStore persists the snapshot as a JSON file, replaced atomically via
// write-to-temp-then-rename. A crash mid-save leaves the previous complete
// snapshot in place.
type FileStore struct {
	path string
}

// NewFileStore creates a file store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the snapshot, returning an empty state when the file does not
// exist yet.
func (f *FileStore) Load(ctx context.Context) (*ProcessingState, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("Load: %w", err)
	}

	st := New()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("Load: parse %s: %w", f.path, err)
	}
	return st, nil
}

// Save replaces the snapshot atomically. The temp file lives in the target
// directory so the rename never crosses filesystems.
func (f *FileStore) Save(ctx context.Context, st *ProcessingState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("Save: marshal: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("Save: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("Save: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("Save: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("Save: close temp: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("Save: rename: %w", err)
	}
	return nil
}
