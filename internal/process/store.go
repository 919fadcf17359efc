package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"ollama_run/model"
)

// StateStore mirrors the service state record to a JSON file
type StateStore struct {
	path string
}

// NewStateStore creates a store for path
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Load reads the record; a missing file is a stopped service
func (s *StateStore) Load() (model.PersistedState, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.PersistedState{State: model.StateStopped}, nil
	}
	if err != nil {
		return model.PersistedState{}, fmt.Errorf("failed to read state file: %w", err)
	}
	var st model.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return model.PersistedState{}, fmt.Errorf("failed to parse state file %s: %w", s.path, err)
	}
	if st.State == "" {
		st.State = model.StateStopped
	}
	return st, nil
}

// Save replaces the file atomically: readers see the old or the new record, never a partial one
func (s *StateStore) Save(st model.PersistedState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
