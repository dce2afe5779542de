// Package file provides a file-based config.Store implementation.
//
// Configuration is persisted as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
//
// Every Save atomically rewrites the entire file from the Config it is
// given; nothing is merged with what is already on disk. This is the
// nature of JSON: every mutation rewrites the file.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dedupvault/internal/config"
	"dedupvault/internal/tape/filelock"
)

const currentVersion = 1

// lockTimeout bounds how long Save waits for the advisory lock before
// giving up (§5's default 10s for config-file locking).
const lockTimeout = 10 * time.Second

// envelope is the versioned on-disk format.
type envelope struct {
	Version int            `json:"version"`
	Config  *config.Config `json:"config"`
}

// Store is a file-based config.Store implementation. Configuration is
// persisted as JSON for human readability. Writes are atomic via temp
// file + rename, guarded by an advisory flock so two concurrent Saves
// never interleave. Load takes no lock.
type Store struct {
	path string
}

var _ config.Store = (*Store)(nil)

// NewStore creates a new file-based config.Store. path is the config JSON
// file (e.g. datastore.cfg).
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the full configuration from disk. Returns nil, nil if the
// file does not exist.
func (s *Store) Load(ctx context.Context) (*config.Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", s.path, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", s.path, err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("config: unversioned config file %s; delete and restart to bootstrap a fresh one", s.path)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config: %s version %d is newer than supported version %d", s.path, env.Version, currentVersion)
	}
	return env.Config, nil
}

// Save atomically persists cfg, holding an exclusive advisory lock for the
// duration of the write.
func (s *Store) Save(ctx context.Context, cfg *config.Config) error {
	lock, err := filelock.LockExclusiveTimeout(ctx, s.path+".lock", lockTimeout)
	if err != nil {
		return fmt.Errorf("config: lock %s: %w", s.path, err)
	}
	defer lock.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: create directory %s: %w", dir, err)
	}

	env := envelope{Version: currentVersion, Config: cfg}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("config: write temp file: %w", err)
	}

	// Round-trip validation before committing.
	check, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: read back temp file: %w", err)
	}
	var verify envelope
	if err := json.Unmarshal(check, &verify); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: round-trip validation failed: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("config: rename into place: %w", err)
	}
	return nil
}
