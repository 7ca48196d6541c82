package credentials

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRaw(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

func newTestWatcher(t *testing.T) (*Store, *Watcher) {
	store := NewStore(filepath.Join(t.TempDir(), "kite_session.json"), zerolog.Nop())
	w, err := NewWatcher(store, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return store, w
}

func waitForCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber called %d times, want at least %d", counter.Load(), want)
}

func TestWatcherReloadsOnRewrite(t *testing.T) {
	store, w := newTestWatcher(t)

	var calls atomic.Int64
	var lastToken atomic.Value
	w.Subscribe(func(rec *Record) {
		lastToken.Store(rec.AccessToken)
		calls.Add(1)
	})
	w.Start()

	require.NoError(t, store.Save("tok-new", Metadata{UserID: "AB1234"}))

	waitForCount(t, &calls, 1)
	assert.Equal(t, "tok-new", lastToken.Load())
}

func TestWatcherDebouncesBursts(t *testing.T) {
	store, w := newTestWatcher(t)

	var calls atomic.Int64
	w.Subscribe(func(*Record) { calls.Add(1) })
	w.Start()

	// A burst of rewrites inside one debounce window collapses to one reload
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Save("tok-burst", Metadata{}))
		time.Sleep(20 * time.Millisecond)
	}

	waitForCount(t, &calls, 1)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestWatcherIgnoresMalformedRewrite(t *testing.T) {
	store, w := newTestWatcher(t)
	require.NoError(t, store.Save("tok-good", Metadata{}))

	var calls atomic.Int64
	w.Subscribe(func(*Record) { calls.Add(1) })
	w.Start()

	// Corrupt the file externally; the reload must keep the prior record
	// and skip subscriber notification.
	require.NoError(t, writeRaw(store.Path(), "{broken"))

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())

	current := store.Current()
	require.NotNil(t, current)
	assert.Equal(t, "tok-good", current.AccessToken)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	store, w := newTestWatcher(t)

	var calls atomic.Int64
	w.Subscribe(func(*Record) { calls.Add(1) })
	w.Start()

	sibling := filepath.Join(filepath.Dir(store.Path()), "other.json")
	require.NoError(t, writeRaw(sibling, `{"access_token":"nope"}`))

	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int64(0), calls.Load())
}

func TestWatcherStopIdempotent(t *testing.T) {
	_, w := newTestWatcher(t)
	w.Start()

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}

func TestSetDebounceClampsToMinimum(t *testing.T) {
	_, w := newTestWatcher(t)

	w.SetDebounce(10 * time.Millisecond)
	assert.Equal(t, minDebounce, w.debounce)

	w.SetDebounce(time.Second)
	assert.Equal(t, time.Second, w.debounce)
}
