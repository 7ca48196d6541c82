// Package marketdata provides the client for the secondary market-data
// provider (index levels, fundamentals, sector performance).
package marketdata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

const (
	requestTimeout = 30 * time.Second
	maxRetryTime   = 15 * time.Second
)

// BreadthUnchangedThresholdPct is the absolute percent change below which a
// sector is treated as unchanged when classifying market breadth. The value
// is inherited tuning, not derived - keep it configurable rather than
// inferring stronger semantics.
const BreadthUnchangedThresholdPct = 0.01

// Doer abstracts the HTTP transport for testing.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client for the secondary market-data provider
type Client struct {
	baseURL    string
	httpClient Doer
	log        zerolog.Logger
}

// NewClient creates a new market-data client
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log.With().Str("client", "marketdata").Logger(),
	}
}

// NewClientWithHTTP creates a client with a provided transport (for testing).
func NewClientWithHTTP(baseURL string, doer Doer, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: doer,
		log:        log.With().Str("client", "marketdata").Logger(),
	}
}

func (c *Client) getJSON(path string, out interface{}) error {
	operation := func() error {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err // retryable
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("market data provider returned %d: %s", resp.StatusCode, string(raw)))
		}

		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxRetryTime

	return backoff.Retry(operation, bo)
}

// IndexSnapshot represents a market index level
type IndexSnapshot struct {
	Name      string  `json:"name"`
	Level     float64 `json:"level"`
	ChangePct float64 `json:"change_pct"`
	Timestamp string  `json:"timestamp"`
}

// FetchIndex fetches the current level of a market index
func (c *Client) FetchIndex(name string) (*IndexSnapshot, error) {
	c.log.Debug().Str("index", name).Msg("FetchIndex")

	var snapshot IndexSnapshot
	if err := c.getJSON("/v1/index/"+url.PathEscape(name), &snapshot); err != nil {
		c.log.Error().Err(err).Str("index", name).Msg("FetchIndex failed")
		return nil, fmt.Errorf("failed to fetch index %s: %w", name, err)
	}

	return &snapshot, nil
}

// Fundamentals represents company fundamental data
type Fundamentals struct {
	Symbol        string  `json:"symbol"`
	PERatio       float64 `json:"pe_ratio"`
	EPS           float64 `json:"eps"`
	MarketCap     float64 `json:"market_cap"`
	DividendYield float64 `json:"dividend_yield"`
	Sector        string  `json:"sector"`
}

// FetchFundamentals fetches fundamental data for a symbol
func (c *Client) FetchFundamentals(symbol string) (*Fundamentals, error) {
	c.log.Debug().Str("symbol", symbol).Msg("FetchFundamentals")

	var fundamentals Fundamentals
	if err := c.getJSON("/v1/fundamentals/"+url.PathEscape(symbol), &fundamentals); err != nil {
		c.log.Error().Err(err).Str("symbol", symbol).Msg("FetchFundamentals failed")
		return nil, fmt.Errorf("failed to fetch fundamentals for %s: %w", symbol, err)
	}

	return &fundamentals, nil
}

// SectorPerformance represents one sector's day change
type SectorPerformance struct {
	Sector    string  `json:"sector"`
	ChangePct float64 `json:"change_pct"`
}

// FetchSectorPerformance fetches day performance for all tracked sectors
func (c *Client) FetchSectorPerformance() ([]SectorPerformance, error) {
	c.log.Debug().Msg("FetchSectorPerformance")

	var sectors []SectorPerformance
	if err := c.getJSON("/v1/sectors/performance", &sectors); err != nil {
		c.log.Error().Err(err).Msg("FetchSectorPerformance failed")
		return nil, fmt.Errorf("failed to fetch sector performance: %w", err)
	}

	return sectors, nil
}

// Breadth summarizes sector performance into market-breadth statistics
type Breadth struct {
	Advancing int     `json:"advancing"`
	Declining int     `json:"declining"`
	Unchanged int     `json:"unchanged"`
	MeanPct   float64 `json:"mean_pct"`
	StdDevPct float64 `json:"std_dev_pct"`
	Regime    string  `json:"regime"` // bullish, bearish, mixed
}

// ComputeBreadth aggregates sector changes into breadth statistics.
func ComputeBreadth(sectors []SectorPerformance) Breadth {
	b := Breadth{Regime: "mixed"}
	if len(sectors) == 0 {
		return b
	}

	changes := make([]float64, 0, len(sectors))
	for _, s := range sectors {
		changes = append(changes, s.ChangePct)
		switch {
		case s.ChangePct > BreadthUnchangedThresholdPct:
			b.Advancing++
		case s.ChangePct < -BreadthUnchangedThresholdPct:
			b.Declining++
		default:
			b.Unchanged++
		}
	}

	b.MeanPct = stat.Mean(changes, nil)
	if len(changes) > 1 {
		b.StdDevPct = stat.StdDev(changes, nil)
	}

	switch {
	case b.Advancing > 2*b.Declining:
		b.Regime = "bullish"
	case b.Declining > 2*b.Advancing:
		b.Regime = "bearish"
	}

	return b
}
