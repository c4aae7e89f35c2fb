// Package statefile persists the controller state between restarts so the
// first tick after a reboot does not resend a command the vehicle already has.
package statefile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"amp-controller/internal/models"

	"gopkg.in/yaml.v3"
)

type document struct {
	Version    int                    `yaml:"version"`
	Controller models.ControllerState `yaml:"controller"`
}

const currentVersion = 1

type Store struct {
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the saved state. A missing file is not an error; found is false.
func (s *Store) Load() (state models.ControllerState, found bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.ControllerState{}, false, nil
	}
	if err != nil {
		return models.ControllerState{}, false, fmt.Errorf("reading state file: %w", err)
	}

	var doc document
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return models.ControllerState{}, false, fmt.Errorf("parsing state file %s: %w", s.path, err)
	}
	if doc.Version != currentVersion {
		return models.ControllerState{}, false, fmt.Errorf("state file %s: unsupported version %d", s.path, doc.Version)
	}
	return doc.Controller, true, nil
}

// Save writes the state through a temporary file and a rename.
func (s *Store) Save(state models.ControllerState) error {
	data, err := yaml.Marshal(document{Version: currentVersion, Controller: state})
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
