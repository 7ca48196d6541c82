package kite

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClientWithHTTP("testkey", srv.URL, srv.Client(), zerolog.Nop())
	client.SetAccessToken("testtoken")
	return client, srv
}

func TestGetProfile(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user/profile", r.URL.Path)
		assert.Equal(t, "token testkey:testtoken", r.Header.Get("Authorization"))
		assert.Equal(t, "3", r.Header.Get("X-Kite-Version"))

		w.Write([]byte(`{"status":"success","data":{"user_id":"AB1234","user_name":"Test User","email":"t@example.com","broker":"ZERODHA"}}`))
	})

	profile, err := client.GetProfile()
	require.NoError(t, err)
	assert.Equal(t, "AB1234", profile.UserID)
	assert.Equal(t, "Test User", profile.UserName)
}

func TestGetProfileTokenException(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"status":"error","message":"Token is invalid or has expired.","error_type":"TokenException"}`))
	})

	_, err := client.GetProfile()
	require.Error(t, err)

	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, ErrTokenExpired, classified.Kind)
}

func TestGetQuotes(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		w.Write([]byte(`{"status":"success","data":{"NSE:RELIANCE":{"last_price":2890.5,"change":12.3,"change_pct":0.43,"volume":123456}}}`))
	})

	quotes, err := client.GetQuotes([]string{"NSE:RELIANCE"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 2890.5, quotes["NSE:RELIANCE"].LastPrice)
	assert.Equal(t, "NSE:RELIANCE", quotes["NSE:RELIANCE"].Symbol)
}

func TestGetQuotesEmptyInput(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty symbol list")
	})

	quotes, err := client.GetQuotes(nil)
	require.NoError(t, err)
	assert.Empty(t, quotes)
}

func TestGetHistorical(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"candles":[{"timestamp":1710400200,"open":100,"high":110,"low":95,"close":105,"volume":5000}]}}`))
	})

	from := time.Date(2025, 3, 13, 9, 15, 0, 0, time.UTC)
	to := time.Date(2025, 3, 14, 15, 30, 0, 0, time.UTC)
	candles, err := client.GetHistorical("NSE:RELIANCE", "day", from, to)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 105.0, candles[0].Close)
}

func TestExchangeRequestToken(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/session/token", r.URL.Path)
		require.NoError(t, r.ParseForm())

		sum := sha256.Sum256([]byte("testkey" + "reqtok" + "secret"))
		assert.Equal(t, hex.EncodeToString(sum[:]), r.Form.Get("checksum"))
		assert.Equal(t, "reqtok", r.Form.Get("request_token"))

		w.Write([]byte(`{"status":"success","data":{"access_token":"newtoken","user_id":"AB1234","user_name":"Test User","login_time":"2025-03-14 09:00:00"}}`))
	})

	session, err := client.ExchangeRequestToken("reqtok", "secret")
	require.NoError(t, err)
	assert.Equal(t, "newtoken", session.AccessToken)
	assert.Equal(t, "AB1234", session.UserID)
}

func TestExchangeRequestTokenEmpty(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected for empty request token")
	})

	_, err := client.ExchangeRequestToken("", "secret")
	require.Error(t, err)

	var classified *ClassifiedError
	require.True(t, errors.As(err, &classified))
	assert.Equal(t, ErrInvalidInput, classified.Kind)
}
