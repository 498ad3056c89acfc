// Copyright 2026 The Patchbay Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/patchbay-dev/patchbay/bridge"
)

// Store persists the bridge table.
type Store interface {
	Load() ([]bridge.Config, error)
	Save(records []bridge.Config) error
}

// FileStore keeps the bridge table in a YAML file. Saves write a
// temporary file in the same directory and rename it over the old one,
// so readers never see a partial table.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

type stateFile struct {
	Bridges []bridge.Config `yaml:"bridges"`
}

// Load returns the saved table. A missing file is an empty table.
func (s *FileStore) Load() ([]bridge.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state stateFile
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return state.Bridges, nil
}

func (s *FileStore) Save(records []bridge.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(stateFile{Bridges: records})
	if err != nil {
		return fmt.Errorf("encoding bridge table: %w", err)
	}
	directory := filepath.Dir(s.path)
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}
	temporary, err := os.CreateTemp(directory, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(temporary.Name())

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return fmt.Errorf("writing %s: %w", temporary.Name(), err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	if err := os.Rename(temporary.Name(), s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	// The rename is durable only once the directory is synced.
	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
