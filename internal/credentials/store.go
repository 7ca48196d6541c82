// Package credentials manages the persisted broker session token: durable
// storage, hot reload on external rewrite, and the derived authentication
// state machine.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record is the persisted broker session token and its metadata.
// Owned exclusively by Store; mutated only through Save.
type Record struct {
	AccessToken string            `json:"access_token"`
	UserID      string            `json:"user_id,omitempty"`
	UserName    string            `json:"user_name,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Metadata carries optional fields attached to a saved token.
type Metadata struct {
	UserID   string
	UserName string
	Extra    map[string]string
}

// Store persists the credential record to a single JSON file and keeps an
// in-memory copy of the last successful load. The in-memory copy is the only
// shared mutable state between the watcher task and request handlers, guarded
// by an RWMutex.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current *Record
}

// NewStore creates a credential store backed by the given file path.
func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{
		path: path,
		log:  log.With().Str("component", "credential_store").Logger(),
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// CheckWritable verifies the backing location accepts writes.
// Called at startup: a gateway that cannot persist a refreshed token would
// run in an unrecoverable degraded mode, so this failure aborts startup.
func (s *Store) CheckWritable() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("credential directory not writable: %w", err)
	}

	probe := filepath.Join(dir, ".tradegate_write_check")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("credential directory not writable: %w", err)
	}
	f.Close()
	_ = os.Remove(probe)
	return nil
}

// Load reads the backing file and refreshes the in-memory copy.
// Returns nil, nil when the file is absent or structurally invalid (missing
// token) - a missing credential is a state, not an error. The in-memory copy
// is only replaced on a successful parse.
func (s *Store) Load() (*Record, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.Warn().Err(err).Msg("Credential file is malformed, keeping previous record")
		return nil, nil
	}
	if rec.AccessToken == "" {
		s.log.Warn().Msg("Credential file has no access token, keeping previous record")
		return nil, nil
	}

	s.mu.Lock()
	s.current = &rec
	s.mu.Unlock()

	copy := rec
	return &copy, nil
}

// Save atomically persists a new credential record with UpdatedAt set to now,
// using write-then-rename with owner-only permissions. The in-memory copy is
// updated synchronously inside Save, so a Load immediately after always
// observes the just-saved value without waiting for the watcher.
func (s *Store) Save(token string, meta Metadata) error {
	rec := &Record{
		AccessToken: token,
		UserID:      meta.UserID,
		UserName:    meta.UserName,
		UpdatedAt:   time.Now(),
		Extra:       meta.Extra,
	}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".kite_session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp credential file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		_ = os.Remove(tmpName)
	}

	if err := tmp.Chmod(0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set credential file permissions: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		cleanup()
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()

	s.log.Info().
		Str("user_id", rec.UserID).
		Time("updated_at", rec.UpdatedAt).
		Msg("Credential record saved")

	return nil
}

// Clear removes the persisted token, leaving the file in place with an empty
// record so watchers see a rewrite. Subsequent loads report no credential.
func (s *Store) Clear() error {
	rec := &Record{UpdatedAt: time.Now()}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credential record: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0600); err != nil {
		return fmt.Errorf("failed to clear credential file: %w", err)
	}

	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()

	s.log.Info().Msg("Credential record cleared")
	return nil
}

// Current returns a copy of the last successfully loaded record, or nil when
// no valid credential has been seen. Refreshed by Load, Save, and the
// watcher-triggered reload.
func (s *Store) Current() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	copy := *s.current
	return &copy
}
