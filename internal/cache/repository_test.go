package cache

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	require.NoError(t, InitSchema(db))

	return db
}

func TestNewRepository(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)
	assert.NotNil(t, repo)
}

func TestStoreAndGetIfFresh(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	clk := clock.NewMock()
	repo := NewRepositoryWithClock(db, clk)

	payload := map[string]interface{}{"level": 22450.5, "change_pct": 0.42}
	require.NoError(t, repo.Store("context:NIFTY50:20250314_09_37", payload, 30*time.Second))

	data, err := repo.GetIfFresh("context:NIFTY50:20250314_09_37")
	require.NoError(t, err)
	require.NotNil(t, data)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 22450.5, decoded["level"])
}

func TestGetIfFreshMissingKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	repo := NewRepository(db)

	data, err := repo.GetIfFresh("context:MISSING:20250314_09")
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestLazyExpiry(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	clk := clock.NewMock()
	repo := NewRepositoryWithClock(db, clk)

	require.NoError(t, repo.Store("quote:RELIANCE:20250314_09_37", "payload", 30*time.Second))

	// Fresh before the TTL elapses
	data, err := repo.GetIfFresh("quote:RELIANCE:20250314_09_37")
	require.NoError(t, err)
	assert.NotNil(t, data)

	clk.Add(31 * time.Second)

	// Expired after the TTL, but Get still serves it as a stale fallback
	data, err = repo.GetIfFresh("quote:RELIANCE:20250314_09_37")
	require.NoError(t, err)
	assert.Nil(t, data)

	stale, err := repo.Get("quote:RELIANCE:20250314_09_37")
	require.NoError(t, err)
	assert.NotNil(t, stale)
}

func TestStoreOverwritesSameKey(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	clk := clock.NewMock()
	repo := NewRepositoryWithClock(db, clk)

	key := "composite:NIFTY50:20250314_09_35"
	require.NoError(t, repo.Store(key, map[string]int{"v": 1}, time.Minute))
	require.NoError(t, repo.Store(key, map[string]int{"v": 2}, time.Minute))

	data, err := repo.GetIfFresh(key)
	require.NoError(t, err)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 2, decoded["v"], "last writer wins for the same bucketed key")
}

func TestGetEntryTimestamps(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	clk := clock.NewMock()
	clk.Set(time.Date(2025, 3, 14, 9, 37, 0, 0, time.UTC))
	repo := NewRepositoryWithClock(db, clk)

	require.NoError(t, repo.Store("context:NIFTY50:20250314_09_37", "x", 30*time.Second))

	entry, err := repo.GetEntry("context:NIFTY50:20250314_09_37")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, clk.Now().Unix(), entry.CreatedAt.Unix())
	assert.Equal(t, clk.Now().Add(30*time.Second).Unix(), entry.ExpiresAt.Unix())
}

func TestDeleteExpired(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	clk := clock.NewMock()
	repo := NewRepositoryWithClock(db, clk)

	require.NoError(t, repo.Store("a", "1", 10*time.Second))
	require.NoError(t, repo.Store("b", "2", time.Hour))

	clk.Add(time.Minute)

	deleted, err := repo.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	data, err := repo.Get("b")
	require.NoError(t, err)
	assert.NotNil(t, data)
}

func TestCleanupJob(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	clk := clock.NewMock()
	repo := NewRepositoryWithClock(db, clk)

	require.NoError(t, repo.Store("old", "1", time.Second))
	clk.Add(time.Minute)

	job := NewCleanupJob(repo, zerolog.Nop())
	assert.Equal(t, "cache_cleanup", job.Name())
	require.NoError(t, job.Run())

	data, err := repo.Get("old")
	require.NoError(t, err)
	assert.Nil(t, data)
}
