package contacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// storedContact is the on-disk shape of a directory entry.
type storedContact struct {
	DisplayName string `json:"display_name,omitempty"`
	PushName    string `json:"push_name,omitempty"`
}

// FileStore persists the directory as a JSON object keyed by contact id.
type FileStore struct {
	path string
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the cache file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the cache file. A missing file yields an empty map.
func (s *FileStore) Load() (map[string]storedContact, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]storedContact{}, nil
		}
		return nil, fmt.Errorf("reading contact cache: %w", err)
	}
	if len(data) == 0 {
		return map[string]storedContact{}, nil
	}
	out := map[string]storedContact{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding contact cache: %w", err)
	}
	return out, nil
}

// Save writes the cache atomically: temp file, fsync, rename.
func (s *FileStore) Save(entries map[string]storedContact) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding contact cache: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating contact cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("renaming contact cache: %w", err)
	}
	return nil
}

// Remove deletes the cache file. A missing file is not an error.
func (s *FileStore) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing contact cache: %w", err)
	}
	return nil
}
