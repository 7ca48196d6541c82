package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ksood/tradegate/internal/clients/kite"
	"github.com/ksood/tradegate/internal/credentials"
	"github.com/ksood/tradegate/internal/marketcontext"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "tradegate",
	})
}

// handleSessionStatus evaluates the auth state machine fresh on every call.
func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.auth.Evaluate())
}

type loginRequest struct {
	RequestToken string `json:"request_token"`
}

// handleSessionLogin exchanges a one-time request token for a session and
// persists the resulting credential.
func (s *Server) handleSessionLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.RequestToken) == "" {
		s.writeError(w, http.StatusBadRequest, "request_token is required")
		return
	}

	session, err := s.broker.ExchangeRequestToken(req.RequestToken, s.cfg.KiteAPISecret)
	if err != nil {
		s.writeClassified(w, err)
		return
	}

	meta := credentials.Metadata{UserID: session.UserID, UserName: session.UserName}
	if err := s.store.Save(session.AccessToken, meta); err != nil {
		s.log.Error().Err(err).Msg("Failed to persist credential")
		s.writeError(w, http.StatusInternalServerError, "failed to persist credential")
		return
	}

	s.log.Info().Str("user_id", session.UserID).Msg("Session established")
	s.writeJSON(w, http.StatusOK, s.auth.Evaluate())
}

func (s *Server) handleSessionLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Clear(); err != nil {
		s.log.Error().Err(err).Msg("Failed to clear credential")
		s.writeError(w, http.StatusInternalServerError, "failed to clear credential")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleContext assembles the tiered market context for one trading style.
// Partial data is a 200 with reduced context_quality; only a build where
// every owned tier failed is an upstream error.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	style, err := marketcontext.ParseStyle(chi.URLParam(r, "style"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
	if symbol == "" {
		s.writeError(w, http.StatusBadRequest, "symbol query parameter is required")
		return
	}

	result, err := s.builder.Build(style, symbol)
	if err != nil {
		s.log.Error().Err(err).Str("style", string(style)).Str("symbol", symbol).Msg("Context build failed")
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("symbols"))
	if raw == "" {
		s.writeError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	symbols := strings.Split(raw, ",")
	for i := range symbols {
		symbols[i] = strings.TrimSpace(symbols[i])
	}

	quotes, err := s.broker.GetQuotes(symbols)
	if err != nil {
		s.writeClassified(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, quotes)
}

// writeClassified maps a classified broker error to an HTTP status, keeping
// the kind and remediation hint in the body.
func (s *Server) writeClassified(w http.ResponseWriter, err error) {
	var classified *kite.ClassifiedError
	if !errors.As(err, &classified) {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	status := http.StatusBadGateway
	switch classified.Kind {
	case kite.ErrTokenExpired:
		status = http.StatusUnauthorized
	case kite.ErrPermissionDenied:
		status = http.StatusForbidden
	case kite.ErrInvalidInput:
		status = http.StatusBadRequest
	}

	s.writeJSON(w, status, map[string]string{
		"error":       classified.Message,
		"kind":        string(classified.Kind),
		"remediation": classified.Remediation,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
