package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store is the pluggable persistence behind the Manager. Implementations
// return ErrNoCheckpoint from LoadLatest when nothing has been saved yet.
// Store errors are surfaced to the caller wrapped in *StoreError and are never
// retried internally.
type Store interface {
	Save(ctx context.Context, cp *Checkpoint) error
	LoadLatest(ctx context.Context) (*Checkpoint, error)
}

// FileStore persists the latest checkpoint as a single JSON document, written
// to a sibling temp path and atomically renamed into place.
type FileStore struct {
	path string
}

// NewFileStore creates a file store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save writes the checkpoint document atomically.
func (s *FileStore) Save(ctx context.Context, cp *Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".warren-checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint file: %w", err)
	}

	return nil
}

// LoadLatest reads the checkpoint document.
func (s *FileStore) LoadLatest(ctx context.Context) (*Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, ErrNoCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint file %s: %w", s.path, err)
	}

	return &cp, nil
}
