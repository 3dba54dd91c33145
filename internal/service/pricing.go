package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/charliepank/blockchain-relay-utility/internal/config"
	"github.com/charliepank/blockchain-relay-utility/internal/pkg/logger"
	"github.com/shopspring/decimal"
)

// nativeCoin describes the native currency of a chain for quoting.
type nativeCoin struct {
	Symbol string
	// CoinGecko asset id for the simple-price endpoint.
	QuoteID string
}

var nativeCoins = map[int64]nativeCoin{
	1:     {Symbol: "ETH", QuoteID: "ethereum"},
	10:    {Symbol: "ETH", QuoteID: "ethereum"},
	56:    {Symbol: "BNB", QuoteID: "binancecoin"},
	137:   {Symbol: "POL", QuoteID: "polygon-ecosystem-token"},
	8453:  {Symbol: "ETH", QuoteID: "ethereum"},
	42161: {Symbol: "ETH", QuoteID: "ethereum"},
	43114: {Symbol: "AVAX", QuoteID: "avalanche-2"},
}

var weiPerCoin = decimal.New(1, 18)

// PriceQuote is a human-readable rendering of a wei amount.
type PriceQuote struct {
	Symbol string
	Native decimal.Decimal
	USD    decimal.Decimal
	HasUSD bool
}

type priceEntry struct {
	price   decimal.Decimal
	expires time.Time
}

// PriceOracle caches native-coin USD prices for log formatting. It is
// strictly best-effort: every failure degrades to plain wei rendering
// and never fails a relay request.
type PriceOracle struct {
	endpoint   string
	ttl        time.Duration
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]priceEntry
}

func NewPriceOracle(cfg config.PricingConfig) *PriceOracle {
	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PriceOracle{
		endpoint: cfg.Endpoint,
		ttl:      ttl,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: 5 * time.Second,
		},
		cache: make(map[string]priceEntry),
	}
}

// QuoteWei converts a wei amount into native and USD decimals for the
// given chain.
func (o *PriceOracle) QuoteWei(ctx context.Context, chainID int64, wei *big.Int) (*PriceQuote, error) {
	coin, ok := nativeCoins[chainID]
	if !ok {
		return nil, fmt.Errorf("no native coin mapping for chain %d", chainID)
	}

	native := decimal.NewFromBigInt(wei, 0).Div(weiPerCoin)
	quote := &PriceQuote{Symbol: coin.Symbol, Native: native}

	usdPrice, err := o.usdPrice(ctx, coin.QuoteID)
	if err != nil {
		return quote, err
	}
	quote.USD = native.Mul(usdPrice)
	quote.HasUSD = true
	return quote, nil
}

// FormatWei renders a wei amount for logs: native plus USD when the
// price is available, plain wei otherwise.
func (o *PriceOracle) FormatWei(ctx context.Context, chainID int64, wei *big.Int) string {
	if o == nil {
		return fmt.Sprintf("%s wei", wei)
	}
	quote, err := o.QuoteWei(ctx, chainID, wei)
	if err != nil {
		logger.Warn("Price quote unavailable, rendering wei", "chain_id", chainID, "error", err)
		return fmt.Sprintf("%s wei", wei)
	}
	if !quote.HasUSD {
		return fmt.Sprintf("%s %s", quote.Native.StringFixed(6), quote.Symbol)
	}
	return fmt.Sprintf("%s %s (~$%s)", quote.Native.StringFixed(6), quote.Symbol, quote.USD.StringFixed(2))
}

func (o *PriceOracle) usdPrice(ctx context.Context, quoteID string) (decimal.Decimal, error) {
	cacheKey := quoteID + ":usd"

	o.mu.Lock()
	entry, ok := o.cache[cacheKey]
	o.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.price, nil
	}

	params := url.Values{}
	params.Set("ids", quoteID)
	params.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var payload map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, err
	}
	raw, ok := payload[quoteID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("price endpoint response missing %s/usd", quoteID)
	}
	price := decimal.NewFromFloat(raw)

	o.mu.Lock()
	o.cache[cacheKey] = priceEntry{price: price, expires: time.Now().Add(o.ttl)}
	o.mu.Unlock()

	return price, nil
}
