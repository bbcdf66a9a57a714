package lnmarkets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lnmarkets-alert-bot/internal/types"
)

func TestSign(t *testing.T) {
	// HMAC-SHA256("topsecret", "1700000000000GET/v2/user"), base64.
	got := Sign("topsecret", "1700000000000GET/v2/user")
	assert.Equal(t, "RuL8iJr8BsiT0obw7OnuKbEvS/9051HC2uaNBcQAoog=", got)
}

func TestGetTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/futures/ticker", r.URL.Path)
		assert.Empty(t, r.Header.Get(headerKey), "public endpoint must not be signed")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"lastPrice": 97500.5, "bid": 97490, "offer": 97510, "high": 99000, "low": 96000}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	ticker, err := client.GetTicker(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 97500.5, ticker.LastPrice)
	assert.Equal(t, 97490.0, ticker.Bid)
	assert.Equal(t, 97510.0, ticker.Ask, "offer maps to ask")
	assert.Equal(t, 99000.0, ticker.High24h)
	assert.Equal(t, 96000.0, ticker.Low24h)
}

func TestGetFunding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/futures/market", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"rate": 0.0001, "nextFundingTime": 1717243200000}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	funding, err := client.GetFunding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.0001, funding.Rate)
	assert.Equal(t, int64(1717243200), funding.NextFundingTime.Unix())
}

func TestAuthenticatedHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get(headerKey))
		assert.Equal(t, "phrase", r.Header.Get(headerPassphrase))
		assert.NotEmpty(t, r.Header.Get(headerTimestamp))
		timestamp := r.Header.Get(headerTimestamp)
		assert.Equal(t, Sign("secret", timestamp+"GET/v2/user"), r.Header.Get(headerSignature))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance": 150000, "available": 100000}`))
	}))
	defer server.Close()

	client := NewAuthenticatedClient(server.URL, types.Credentials{Key: "key", Secret: "secret", Passphrase: "phrase"})
	balance, err := client.GetBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 150000.0, balance.Balance)
	assert.Equal(t, 100000.0, balance.Available)
}

func TestGetBalanceRequiresCredentials(t *testing.T) {
	client := NewClient("http://localhost:1")
	_, err := client.GetBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")
}

func TestGetOpenPositions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/futures", r.URL.Path)
		require.Equal(t, "running", r.URL.Query().Get("type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": "p1", "side": "b", "quantity": 100, "margin": 50000, "leverage": 10, "price": 95000, "liquidation": 88000, "pl": -5000},
			{"id": "p2", "side": "s", "quantity": 200, "margin": 20000, "leverage": 5, "price": 98000, "liquidation": 110000, "pl": 4000}
		]`))
	}))
	defer server.Close()

	client := NewAuthenticatedClient(server.URL, types.Credentials{Key: "k", Secret: "s", Passphrase: "p"})
	positions, err := client.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, "long", positions[0].Side)
	assert.Equal(t, 95000.0, positions[0].EntryPrice)
	assert.InDelta(t, -10.0, positions[0].PLPercent, 1e-9)

	assert.Equal(t, "short", positions[1].Side)
	assert.InDelta(t, 20.0, positions[1].PLPercent, 1e-9)
}

func TestGetCrossPosition(t *testing.T) {
	t.Run("open cross position", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"margin": 30000, "unrealized_pl": -2000, "liquidation_price": 85000}`))
		}))
		defer server.Close()

		client := NewAuthenticatedClient(server.URL, types.Credentials{Key: "k", Secret: "s", Passphrase: "p"})
		cross, err := client.GetCrossPosition(context.Background())
		require.NoError(t, err)
		require.NotNil(t, cross)
		assert.Equal(t, 30000.0, cross.Margin)
		assert.Equal(t, -2000.0, cross.UnrealizedPL)
		assert.Equal(t, 85000.0, cross.LiquidationPrice)
	})

	t.Run("no cross exposure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`null`))
		}))
		defer server.Close()

		client := NewAuthenticatedClient(server.URL, types.Credentials{Key: "k", Secret: "s", Passphrase: "p"})
		cross, err := client.GetCrossPosition(context.Background())
		require.NoError(t, err)
		assert.Nil(t, cross)
	})

	t.Run("zero margin means none", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"margin": 0, "unrealized_pl": 0, "liquidation_price": null}`))
		}))
		defer server.Close()

		client := NewAuthenticatedClient(server.URL, types.Credentials{Key: "k", Secret: "s", Passphrase: "p"})
		cross, err := client.GetCrossPosition(context.Background())
		require.NoError(t, err)
		assert.Nil(t, cross)
	})
}

func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`rate limited`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.GetTicker(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}
