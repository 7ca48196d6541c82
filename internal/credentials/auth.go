package credentials

import (
	"time"

	"github.com/rs/zerolog"
)

// State is the derived authentication state. It is recomputed on every query
// and never cached - credential validity can change at any moment (daily
// broker-side expiry, external rotation).
type State string

const (
	StateNotConfigured State = "NOT_CONFIGURED"
	StateInvalid       State = "INVALID"
	StateExpired       State = "EXPIRED"
	StateAuthenticated State = "AUTHENTICATED"
)

// Profile is the minimal result of a successful credential probe.
type Profile struct {
	UserID   string
	UserName string
}

// Prober performs a live upstream call used solely to test whether the
// current credential is valid.
type Prober interface {
	Probe() (*Profile, error)
}

// Status is the full result of one state evaluation, shaped for the status
// query surface.
type Status struct {
	State            State      `json:"status"`
	Authenticated    bool       `json:"authenticated"`
	TokenValid       bool       `json:"token_valid"`
	UserID           string     `json:"user_id,omitempty"`
	Message          string     `json:"message"`
	TokenRefreshedAt *time.Time `json:"token_refreshed_at,omitempty"`
}

// StateMachine derives the authentication state from store contents plus a
// live probe. Authenticity is never inferred from local data alone: the only
// path to AUTHENTICATED is a successful probe.
type StateMachine struct {
	apiKey string
	store  *Store
	prober Prober
	log    zerolog.Logger
}

// NewStateMachine creates an auth state machine.
// apiKey is the configured broker API key; when empty every evaluation
// reports NOT_CONFIGURED.
func NewStateMachine(apiKey string, store *Store, prober Prober, log zerolog.Logger) *StateMachine {
	return &StateMachine{
		apiKey: apiKey,
		store:  store,
		prober: prober,
		log:    log.With().Str("component", "auth_state").Logger(),
	}
}

// Evaluate computes the current authentication status.
// Any probe failure short of success - including pure network errors - is
// reported as EXPIRED, because the broker API does not reliably distinguish
// connectivity failure from authorization failure.
func (m *StateMachine) Evaluate() Status {
	if m.apiKey == "" {
		return Status{
			State:   StateNotConfigured,
			Message: "broker API key not configured",
		}
	}

	rec := m.store.Current()
	if rec == nil {
		// The file may hold a record written before this process started
		if loaded, err := m.store.Load(); err == nil {
			rec = loaded
		}
	}

	if rec == nil || rec.AccessToken == "" {
		return Status{
			State:   StateInvalid,
			Message: "no access token - run the login flow",
		}
	}

	refreshedAt := rec.UpdatedAt

	profile, err := m.prober.Probe()
	if err != nil {
		m.log.Debug().Err(err).Msg("Credential probe failed")
		return Status{
			State:            StateExpired,
			TokenValid:       false,
			UserID:           rec.UserID,
			Message:          "token probe failed - re-run the login flow: " + err.Error(),
			TokenRefreshedAt: &refreshedAt,
		}
	}

	userID := profile.UserID
	if userID == "" {
		userID = rec.UserID
	}

	return Status{
		State:            StateAuthenticated,
		Authenticated:    true,
		TokenValid:       true,
		UserID:           userID,
		Message:          "session is active",
		TokenRefreshedAt: &refreshedAt,
	}
}
