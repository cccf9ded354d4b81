// Package credentials keeps the CLI's session token between invocations.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const credentialsFile = "credentials.json"

// ErrNotLoggedIn is returned by Load when no session has been saved.
var ErrNotLoggedIn = errors.New("not logged in")

// Credentials identify a live server session.
type Credentials struct {
	Server   string `json:"server"`
	Account  string `json:"account"`
	Token    string `json:"token"`
	Encoding string `json:"encoding,omitempty"`
}

// FileStore persists credentials as a JSON file readable only by the user.
type FileStore struct {
	path string
}

// NewFileStore returns a store under ~/.spine, creating the directory.
func NewFileStore() (*FileStore, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	return NewFileStoreAt(filepath.Join(home, ".spine"))
}

// NewFileStoreAt returns a store in dir.
func NewFileStoreAt(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return &FileStore{path: filepath.Join(dir, credentialsFile)}, nil
}

// Save writes creds, replacing any previous session.
func (s *FileStore) Save(creds *Credentials) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}
	return os.WriteFile(s.path, data, 0600)
}

// Load reads the saved session.
func (s *FileStore) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotLoggedIn
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	if creds.Token == "" {
		return nil, ErrNotLoggedIn
	}
	return &creds, nil
}

// Delete removes the saved session. Deleting nothing is not an error.
func (s *FileStore) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
