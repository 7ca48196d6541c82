package marketdata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithHTTP(srv.URL, srv.Client(), zerolog.Nop())
}

func TestFetchIndex(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/index/NIFTY50", r.URL.Path)
		w.Write([]byte(`{"name":"NIFTY50","level":22450.5,"change_pct":0.42,"timestamp":"2025-03-14T09:37:00Z"}`))
	})

	snapshot, err := client.FetchIndex("NIFTY50")
	require.NoError(t, err)
	assert.Equal(t, 22450.5, snapshot.Level)
}

func TestFetchFundamentals(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbol":"RELIANCE","pe_ratio":24.1,"eps":98.2,"market_cap":1.9e12,"dividend_yield":0.4,"sector":"Energy"}`))
	})

	fundamentals, err := client.FetchFundamentals("RELIANCE")
	require.NoError(t, err)
	assert.Equal(t, 24.1, fundamentals.PERatio)
	assert.Equal(t, "Energy", fundamentals.Sector)
}

func TestFetchSectorPerformanceError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream unavailable`))
	})

	_, err := client.FetchSectorPerformance()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestComputeBreadth(t *testing.T) {
	sectors := []SectorPerformance{
		{Sector: "IT", ChangePct: 1.2},
		{Sector: "Energy", ChangePct: 0.8},
		{Sector: "Pharma", ChangePct: 0.5},
		{Sector: "Banks", ChangePct: -0.3},
		{Sector: "FMCG", ChangePct: 0.005},
	}

	b := ComputeBreadth(sectors)
	assert.Equal(t, 3, b.Advancing)
	assert.Equal(t, 1, b.Declining)
	assert.Equal(t, 1, b.Unchanged, "changes below the threshold count as unchanged")
	assert.Equal(t, "bullish", b.Regime)
	assert.InDelta(t, 0.441, b.MeanPct, 0.001)
}

func TestComputeBreadthEmpty(t *testing.T) {
	b := ComputeBreadth(nil)
	assert.Equal(t, "mixed", b.Regime)
	assert.Zero(t, b.Advancing)
}
