// Package kite provides client functionality for interacting with the Kite
// Connect trading API.
package kite

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.kite.trade"
	requestTimeout = 30 * time.Second
	maxRetryTime   = 15 * time.Second
)

// Doer abstracts the HTTP transport for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client for the Kite Connect API
type Client struct {
	apiKey     string
	baseURL    string
	httpClient Doer
	log        zerolog.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient creates a new Kite client.
// Always creates a client, even with an empty API key - requests will fail
// with a classified credential error instead.
func NewClient(apiKey string, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("client", "kite").Logger(),
	}
}

// NewClientWithHTTP creates a client with a provided transport (for testing).
func NewClientWithHTTP(apiKey, baseURL string, doer Doer, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		httpClient: doer,
		log:        log.With().Str("client", "kite").Logger(),
	}
}

// SetAccessToken installs the session token used for authorized calls.
// Safe for concurrent use - called by the credential watcher on reload.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) authorization() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return "token " + c.apiKey + ":" + c.accessToken
}

// envelope is the standard Kite API response wrapper
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// doJSON performs a request and decodes the standard envelope.
// Transient network failures are retried with exponential backoff; API-level
// errors (error envelopes) are returned immediately as *APIError.
func (c *Client) doJSON(method, path string, form url.Values, out interface{}) error {
	operation := func() error {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}

		req, err := http.NewRequest(method, c.baseURL+path, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("X-Kite-Version", "3")
		req.Header.Set("Authorization", c.authorization())
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // retryable
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}

		if env.Status != "success" {
			return backoff.Permanent(&APIError{
				Status:    resp.StatusCode,
				ErrorType: env.ErrorType,
				Message:   env.Message,
			})
		}

		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("failed to decode data: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxRetryTime

	if err := backoff.Retry(operation, bo); err != nil {
		// Unwrap backoff's permanent wrapper if present
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}

// Profile represents the authenticated user's profile
type Profile struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email"`
	Broker   string `json:"broker"`
}

// GetProfile fetches the authenticated user's profile.
// Used as the live credential probe by the auth state machine.
func (c *Client) GetProfile() (*Profile, error) {
	c.log.Debug().Msg("GetProfile: calling /user/profile")

	var profile Profile
	if err := c.doJSON(http.MethodGet, "/user/profile", nil, &profile); err != nil {
		c.log.Debug().Err(err).Msg("GetProfile: request failed")
		return nil, Classify(err, "user profile probe")
	}

	return &profile, nil
}

// Quote represents a security quote
type Quote struct {
	Symbol    string  `json:"symbol"`
	LastPrice float64 `json:"last_price"`
	Change    float64 `json:"change"`
	ChangePct float64 `json:"change_pct"`
	Volume    int64   `json:"volume"`
	Timestamp string  `json:"timestamp"`
}

// GetQuotes fetches quotes for multiple symbols in a single batch call
func (c *Client) GetQuotes(symbols []string) (map[string]Quote, error) {
	if len(symbols) == 0 {
		return map[string]Quote{}, nil
	}

	c.log.Debug().Strs("symbols", symbols).Msg("GetQuotes: calling /quote")

	path := "/quote?i=" + url.QueryEscape(strings.Join(symbols, ","))
	var quotes map[string]Quote
	if err := c.doJSON(http.MethodGet, path, nil, &quotes); err != nil {
		c.log.Error().Err(err).Msg("GetQuotes: request failed")
		return nil, Classify(err, "quote fetch")
	}

	// The API keys quotes by instrument; make sure Symbol is populated
	for sym, q := range quotes {
		if q.Symbol == "" {
			q.Symbol = sym
			quotes[sym] = q
		}
	}

	return quotes, nil
}

// OHLCV represents a single candlestick data point
type OHLCV struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

// GetHistorical fetches OHLCV candles for a symbol.
// Interval uses Kite notation ("minute", "5minute", "day").
func (c *Client) GetHistorical(symbol, interval string, from, to time.Time) ([]OHLCV, error) {
	c.log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Time("from", from).
		Time("to", to).
		Msg("GetHistorical: calling /instruments/historical")

	path := fmt.Sprintf("/instruments/historical/%s/%s?from=%s&to=%s",
		url.PathEscape(symbol), url.PathEscape(interval),
		url.QueryEscape(from.Format("2006-01-02 15:04:05")),
		url.QueryEscape(to.Format("2006-01-02 15:04:05")),
	)

	var data struct {
		Candles []OHLCV `json:"candles"`
	}
	if err := c.doJSON(http.MethodGet, path, nil, &data); err != nil {
		c.log.Error().Err(err).Msg("GetHistorical: request failed")
		return nil, Classify(err, "historical fetch")
	}

	return data.Candles, nil
}

// Session is the result of a successful request-token exchange
type Session struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	LoginTime   string `json:"login_time"`
}

// ExchangeRequestToken exchanges a one-time request token for a session.
// The checksum is SHA-256 over api_key + request_token + api_secret, per the
// Kite Connect login flow.
func (c *Client) ExchangeRequestToken(requestToken, apiSecret string) (*Session, error) {
	if requestToken == "" {
		return nil, Classify(&APIError{
			ErrorType: "InputException",
			Message:   "request token is empty",
		}, "session exchange")
	}

	sum := sha256.Sum256([]byte(c.apiKey + requestToken + apiSecret))
	checksum := hex.EncodeToString(sum[:])

	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", checksum)

	c.log.Debug().Msg("ExchangeRequestToken: calling /session/token")

	var session Session
	if err := c.doJSON(http.MethodPost, "/session/token", form, &session); err != nil {
		c.log.Error().Err(err).Msg("ExchangeRequestToken: request failed")
		return nil, Classify(err, "session exchange")
	}

	return &session, nil
}
