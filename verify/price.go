package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sol402/gateway/types"
)

// PriceSource supplies the SOL/USD spot price used to convert USD quotes
// into lamports for native-transfer matching.
type PriceSource interface {
	SOLPriceUSD(ctx context.Context) (decimal.Decimal, error)
}

// DefaultPriceURL is CoinGecko's simple-price endpoint for SOL.
const DefaultPriceURL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

// priceCacheTTL caps how stale a cached spot price may be.
const priceCacheTTL = 15 * time.Second

// PriceClient fetches the spot price over HTTP and caches it briefly so a
// burst of verifications does not hammer the price provider.
type PriceClient struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	cached    decimal.Decimal
	fetchedAt time.Time
}

// NewPriceClient builds a caching price client. An empty url selects
// DefaultPriceURL.
func NewPriceClient(url string) *PriceClient {
	if url == "" {
		url = DefaultPriceURL
	}
	return &PriceClient{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// SOLPriceUSD returns the cached price when fresh, otherwise refetches.
func (p *PriceClient) SOLPriceUSD(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.cached.IsZero() && time.Since(p.fetchedAt) < priceCacheTTL {
		return p.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: failed to build price request: %v", types.ErrUnavailable, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: price fetch failed: %v", types.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: price endpoint returned %d", types.ErrUnavailable, resp.StatusCode)
	}

	// CoinGecko simple-price shape: {"solana":{"usd":123.45}}
	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("%w: failed to decode price response: %v", types.ErrUnavailable, err)
	}
	usd, ok := body["solana"]["usd"]
	if !ok || usd <= 0 {
		return decimal.Zero, fmt.Errorf("%w: price response missing solana/usd", types.ErrUnavailable)
	}

	p.cached = decimal.NewFromFloat(usd)
	p.fetchedAt = time.Now()
	zap.L().Debug("Refreshed SOL spot price", zap.String("usd", p.cached.String()))
	return p.cached, nil
}
