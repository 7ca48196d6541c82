package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Schema creates the context cache table. Executed at startup, idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS context_cache (
    key        TEXT PRIMARY KEY,
    data       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_cache_expires ON context_cache(expires_at);`

// Entry is one cached artifact. Entries are never mutated in place - a refresh
// always creates a new entry under a new time-bucketed key.
type Entry struct {
	Key       string
	Data      json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Repository provides TTL-respecting cache operations on the cache database.
// All payloads are stored as JSON blobs with expiration timestamps.
type Repository struct {
	db    *sql.DB
	clock clock.Clock
}

// NewRepository creates a new cache repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, clock: clock.New()}
}

// NewRepositoryWithClock creates a repository with an injected clock for tests.
func NewRepositoryWithClock(db *sql.DB, clk clock.Clock) *Repository {
	return &Repository{db: db, clock: clk}
}

// InitSchema creates the cache table if it does not exist.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return nil
}

// Store saves data with expiration = now + ttl.
// Uses INSERT OR REPLACE: concurrent writers for the same bucketed key produce
// deterministic content, so last-writer-wins is acceptable. The single
// statement commits fully or not at all - partial entries are never visible.
func (r *Repository) Store(key string, data interface{}, ttl time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	now := r.clock.Now()
	_, err = r.db.Exec(
		"INSERT OR REPLACE INTO context_cache (key, data, created_at, expires_at) VALUES (?, ?, ?, ?)",
		key, string(jsonData), now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}

	return nil
}

// GetIfFresh returns data only if expires_at > now, nil otherwise.
// Expiry is lazy - checked on read. Returns nil, nil if the key doesn't exist
// or the entry is expired. Use Get() to retrieve stale data as a fallback.
func (r *Repository) GetIfFresh(key string) (json.RawMessage, error) {
	var data string
	err := r.db.QueryRow(
		"SELECT data FROM context_cache WHERE key = ? AND expires_at > ?",
		key, r.clock.Now().Unix(),
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	return json.RawMessage(data), nil
}

// Get returns data regardless of expiration status.
// Use this as a fallback when upstream calls fail - stale data is better than
// no data. Returns nil, nil if the key doesn't exist.
func (r *Repository) Get(key string) (json.RawMessage, error) {
	var data string
	err := r.db.QueryRow("SELECT data FROM context_cache WHERE key = ?", key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	return json.RawMessage(data), nil
}

// GetEntry returns the full entry including lifecycle timestamps.
// Returns nil, nil if the key doesn't exist.
func (r *Repository) GetEntry(key string) (*Entry, error) {
	var data string
	var createdAt, expiresAt int64
	err := r.db.QueryRow(
		"SELECT data, created_at, expires_at FROM context_cache WHERE key = ?", key,
	).Scan(&data, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry %s: %w", key, err)
	}

	return &Entry{
		Key:       key,
		Data:      json.RawMessage(data),
		CreatedAt: time.Unix(createdAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
	}, nil
}

// Delete removes a specific entry (explicit invalidation).
func (r *Repository) Delete(key string) error {
	if _, err := r.db.Exec("DELETE FROM context_cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// DeleteExpired removes all rows where expires_at < now.
// Returns the number of rows deleted.
func (r *Repository) DeleteExpired() (int64, error) {
	result, err := r.db.Exec(
		"DELETE FROM context_cache WHERE expires_at < ?", r.clock.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired cache entries: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return deleted, nil
}
