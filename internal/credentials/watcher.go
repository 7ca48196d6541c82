package credentials

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const (
	// minDebounce is the floor for the reload delay. Filesystem notifications
	// can arrive before the writer has finished flushing, and one logical
	// rewrite often produces several events - the debounce window collapses
	// them into a single reload.
	minDebounce = 300 * time.Millisecond

	stopTimeout = 2 * time.Second
)

// Watcher observes the credential file for external rewrites (an operator or
// a separate OAuth-completion process replacing it) and triggers a store
// reload plus subscriber notifications. Events flow through a single-owner
// loop, so subscriber callbacks never run re-entrantly.
type Watcher struct {
	store    *Store
	fsw      *fsnotify.Watcher
	debounce time.Duration
	log      zerolog.Logger

	subsMu sync.Mutex
	subs   []func(*Record)

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a watcher for the store's backing file.
// The parent directory is watched rather than the file itself, because
// write-then-rename replaces the inode the file watch would be pinned to.
func NewWatcher(store *Store, log zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}

	dir := filepath.Dir(store.Path())
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch credential directory: %w", err)
	}

	return &Watcher{
		store:    store,
		fsw:      fsw,
		debounce: minDebounce,
		log:      log.With().Str("component", "credential_watcher").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce overrides the reload delay. Values below the minimum are
// clamped to it.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d < minDebounce {
		d = minDebounce
	}
	w.debounce = d
}

// Subscribe registers a callback invoked with the new record after each
// successful watcher-triggered reload.
func (w *Watcher) Subscribe(fn func(*Record)) {
	w.subsMu.Lock()
	w.subs = append(w.subs, fn)
	w.subsMu.Unlock()
}

// Start launches the background watch loop. It runs for the lifetime of the
// process until Stop is called.
func (w *Watcher) Start() {
	go w.loop()
	w.log.Info().Str("path", w.store.Path()).Msg("Credential watcher started")
}

func (w *Watcher) loop() {
	defer close(w.done)

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			// Restart the debounce window on every event of a burst
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("Filesystem watcher error")

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		}
	}
}

func (w *Watcher) matches(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != filepath.Clean(w.store.Path()) {
		return false
	}
	return event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename)
}

// reload re-reads the credential file and notifies subscribers.
// A reload that yields a malformed or empty record is a no-op: the previous
// in-memory record is kept and the loop keeps running.
func (w *Watcher) reload() {
	rec, err := w.store.Load()
	if err != nil {
		w.log.Error().Err(err).Msg("Credential reload failed, keeping previous record")
		return
	}
	if rec == nil {
		w.log.Warn().Msg("Credential reload found no valid record, keeping previous record")
		return
	}

	w.log.Info().
		Str("user_id", rec.UserID).
		Time("updated_at", rec.UpdatedAt).
		Msg("Credential record reloaded from disk")

	w.subsMu.Lock()
	subs := make([]func(*Record), len(w.subs))
	copy(subs, w.subs)
	w.subsMu.Unlock()

	for _, fn := range subs {
		rc := *rec
		fn(&rc)
	}
}

// Stop terminates the watch loop within a bounded timeout.
// Safe to call multiple times.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stop)
		err = w.fsw.Close()

		select {
		case <-w.done:
		case <-time.After(stopTimeout):
			err = fmt.Errorf("credential watcher did not stop within %s", stopTimeout)
		}
		w.log.Info().Msg("Credential watcher stopped")
	})
	return err
}
