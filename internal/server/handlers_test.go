package server

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksood/tradegate/internal/cache"
	"github.com/ksood/tradegate/internal/clients/kite"
	"github.com/ksood/tradegate/internal/clients/marketdata"
	"github.com/ksood/tradegate/internal/config"
	"github.com/ksood/tradegate/internal/credentials"
	"github.com/ksood/tradegate/internal/database"
	"github.com/ksood/tradegate/internal/marketcontext"
	"github.com/ksood/tradegate/internal/scheduler"
)

type stubBroker struct {
	quotes       map[string]kite.Quote
	quoteErr     error
	session      *kite.Session
	exchangeErr  error
	lastExchange string
}

func (b *stubBroker) GetQuotes(symbols []string) (map[string]kite.Quote, error) {
	if b.quoteErr != nil {
		return nil, b.quoteErr
	}
	return b.quotes, nil
}

func (b *stubBroker) GetHistorical(symbol, interval string, from, to time.Time) ([]kite.OHLCV, error) {
	candles := make([]kite.OHLCV, 120)
	for i := range candles {
		candles[i] = kite.OHLCV{Open: 99, High: 105, Low: 95, Close: 100 + float64(i%5), Volume: 1000}
	}
	return candles, nil
}

func (b *stubBroker) ExchangeRequestToken(requestToken, apiSecret string) (*kite.Session, error) {
	b.lastExchange = requestToken
	if b.exchangeErr != nil {
		return nil, b.exchangeErr
	}
	return b.session, nil
}

type stubMarket struct{}

func (stubMarket) FetchIndex(name string) (*marketdata.IndexSnapshot, error) {
	return &marketdata.IndexSnapshot{Name: name, Level: 22450.5}, nil
}

func (stubMarket) FetchFundamentals(symbol string) (*marketdata.Fundamentals, error) {
	return &marketdata.Fundamentals{Symbol: symbol, PERatio: 20}, nil
}

func (stubMarket) FetchSectorPerformance() ([]marketdata.SectorPerformance, error) {
	return []marketdata.SectorPerformance{{Sector: "IT", ChangePct: 0.5}}, nil
}

type stubProber struct {
	profile *credentials.Profile
	err     error
}

func (p *stubProber) Probe() (*credentials.Profile, error) { return p.profile, p.err }

func newTestServer(t *testing.T, broker *stubBroker, prober *stubProber) (*Server, *httptest.Server, *credentials.Store) {
	dir := t.TempDir()
	store := credentials.NewStore(filepath.Join(dir, "kite_session.json"), zerolog.Nop())

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, cache.InitSchema(db))

	builder := marketcontext.NewBuilder(
		marketcontext.NewResolver(),
		cache.NewRepository(db),
		broker,
		stubMarket{},
		zerolog.Nop(),
	)

	s := New(Config{
		Port:      0,
		Log:       zerolog.Nop(),
		AppConfig: &config.Config{DataDir: dir, KiteAPIKey: "api_key", KiteAPISecret: "secret"},
		Databases: map[string]*database.DB{},
		Store:     store,
		Auth:      credentials.NewStateMachine("api_key", store, prober, zerolog.Nop()),
		Broker:    broker,
		Builder:   builder,
		Scheduler: scheduler.New(zerolog.Nop()),
		StartedAt: time.Now(),
	})

	ts := httptest.NewServer(s.router)
	t.Cleanup(ts.Close)
	return s, ts, store
}

func getJSON(t *testing.T, url string) (int, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, body := getJSON(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "tradegate", body["service"])
}

func TestSessionStatusInvalidWithoutToken(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, body := getJSON(t, ts.URL+"/api/session/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "INVALID", body["status"])
	assert.Equal(t, false, body["authenticated"])
}

func TestSessionStatusAuthenticated(t *testing.T) {
	prober := &stubProber{profile: &credentials.Profile{UserID: "AB1234"}}
	_, ts, store := newTestServer(t, &stubBroker{}, prober)
	require.NoError(t, store.Save("tok123", credentials.Metadata{UserID: "AB1234"}))

	status, body := getJSON(t, ts.URL+"/api/session/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "AUTHENTICATED", body["status"])
	assert.Equal(t, true, body["token_valid"])
}

func TestSessionLoginPersistsCredential(t *testing.T) {
	broker := &stubBroker{session: &kite.Session{AccessToken: "tok-new", UserID: "AB1234", UserName: "Test"}}
	prober := &stubProber{profile: &credentials.Profile{UserID: "AB1234"}}
	_, ts, store := newTestServer(t, broker, prober)

	resp, err := http.Post(ts.URL+"/api/session/login", "application/json",
		bytes.NewBufferString(`{"request_token":"req-token"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-token", broker.lastExchange)

	rec := store.Current()
	require.NotNil(t, rec)
	assert.Equal(t, "tok-new", rec.AccessToken)
}

func TestSessionLoginRequiresToken(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	resp, err := http.Post(ts.URL+"/api/session/login", "application/json",
		bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionLoginClassifiedError(t *testing.T) {
	broker := &stubBroker{
		exchangeErr: kite.Classify(&kite.APIError{
			Status:    403,
			ErrorType: "TokenException",
			Message:   "Token is invalid or has expired",
		}, "token exchange"),
	}
	_, ts, _ := newTestServer(t, broker, &stubProber{})

	resp, err := http.Post(ts.URL+"/api/session/login", "application/json",
		bytes.NewBufferString(`{"request_token":"req-token"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "token_expired", body["kind"])
	assert.NotEmpty(t, body["remediation"])
}

func TestSessionLogout(t *testing.T) {
	_, ts, store := newTestServer(t, &stubBroker{}, &stubProber{})
	require.NoError(t, store.Save("tok123", credentials.Metadata{}))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/session/", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, store.Current())
}

func TestContextUnknownStyle(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, _ := getJSON(t, ts.URL+"/api/context/scalping?symbol=INFY")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestContextRequiresSymbol(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, _ := getJSON(t, ts.URL+"/api/context/intraday")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestContextIntraday(t *testing.T) {
	broker := &stubBroker{quotes: map[string]kite.Quote{"INFY": {Symbol: "INFY", LastPrice: 1420.5}}}
	_, ts, _ := newTestServer(t, broker, &stubProber{})

	status, body := getJSON(t, ts.URL+"/api/context/intraday?symbol=INFY")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "intraday", body["style"])
	assert.NotEmpty(t, body["request_id"])
	assert.InDelta(t, 1.0, body["context_quality"].(float64), 1e-9)
}

func TestQuote(t *testing.T) {
	broker := &stubBroker{quotes: map[string]kite.Quote{"INFY": {Symbol: "INFY", LastPrice: 1420.5}}}
	_, ts, _ := newTestServer(t, broker, &stubProber{})

	resp, err := http.Get(ts.URL + "/api/quote?symbols=INFY")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1420.5")
}

func TestQuoteTokenExpired(t *testing.T) {
	broker := &stubBroker{quoteErr: kite.Classify(errors.New("403 Forbidden: session expired"), "quote fetch")}
	_, ts, _ := newTestServer(t, broker, &stubProber{})

	status, body := getJSON(t, ts.URL+"/api/quote?symbols=INFY")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "token_expired", body["kind"])
}

func TestQuoteRequiresSymbols(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, _ := getJSON(t, ts.URL+"/api/quote")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSystemStatus(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, body := getJSON(t, ts.URL+"/api/system/status")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "running", body["status"])
	assert.Contains(t, body, "memory")
}

func TestSystemJobs(t *testing.T) {
	_, ts, _ := newTestServer(t, &stubBroker{}, &stubProber{})

	status, body := getJSON(t, ts.URL+"/api/system/jobs")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "jobs")
}
