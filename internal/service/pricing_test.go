package service

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceOracle_QuoteWei(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "ethereum", r.URL.Query().Get("ids"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ethereum":{"usd":2000}}`))
	}))
	defer server.Close()

	oracle := NewPriceOracle(config.PricingConfig{
		Endpoint:        server.URL,
		CacheTTLSeconds: 300,
	})

	oneEth := new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18))
	quote, err := oracle.QuoteWei(context.Background(), 1, oneEth)
	require.NoError(t, err)
	assert.Equal(t, "ETH", quote.Symbol)
	assert.Equal(t, "1", quote.Native.String())
	assert.True(t, quote.HasUSD)
	assert.Equal(t, "2000", quote.USD.String())

	// Second quote within the TTL hits the cache
	_, err = oracle.QuoteWei(context.Background(), 1, big.NewInt(5e17))
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestPriceOracle_UnknownChain(t *testing.T) {
	oracle := NewPriceOracle(config.PricingConfig{Endpoint: "http://127.0.0.1:0"})
	_, err := oracle.QuoteWei(context.Background(), 424242, big.NewInt(1))
	assert.Error(t, err)
}

func TestPriceOracle_FormatWeiFallsBackOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	oracle := NewPriceOracle(config.PricingConfig{Endpoint: server.URL, CacheTTLSeconds: 300})

	rendered := oracle.FormatWei(context.Background(), 137, big.NewInt(123456))
	// Failures degrade to plain wei rendering
	assert.Equal(t, "123456 wei", rendered)

	var nilOracle *PriceOracle
	assert.Equal(t, "123 wei", nilOracle.FormatWei(context.Background(), 1, big.NewInt(123)))
}
