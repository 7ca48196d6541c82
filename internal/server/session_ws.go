package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/ksood/tradegate/internal/credentials"
)

const wsWriteTimeout = 5 * time.Second

// sessionHub fans auth-status changes out to websocket subscribers.
type sessionHub struct {
	log zerolog.Logger

	mu     sync.Mutex
	subs   map[chan credentials.Status]struct{}
	closed bool
}

func newSessionHub(log zerolog.Logger) *sessionHub {
	return &sessionHub{
		log:  log.With().Str("component", "session_hub").Logger(),
		subs: make(map[chan credentials.Status]struct{}),
	}
}

func (h *sessionHub) subscribe() (chan credentials.Status, func()) {
	ch := make(chan credentials.Status, 4)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
}

// broadcast delivers without blocking: a subscriber that cannot keep up
// misses intermediate states, not the connection.
func (h *sessionHub) broadcast(status credentials.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

func (h *sessionHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// handleSessionWS streams auth-status updates. The current status is sent on
// connect, then one message per credential change observed by the watcher.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same CORS posture as the REST surface
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	updates, cancel := s.sessions.subscribe()
	defer cancel()

	if err := s.writeStatus(r.Context(), conn, s.auth.Evaluate()); err != nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case status, ok := <-updates:
			if !ok {
				return
			}
			if err := s.writeStatus(r.Context(), conn, status); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStatus(ctx context.Context, conn *websocket.Conn, status credentials.Status) error {
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, status)
}
