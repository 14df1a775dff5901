package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// PriceOracle is the capability the safety engine, monitors and executor use
// for market reads. Implementations must be safe for concurrent use.
type PriceOracle interface {
	// PriceUSD returns the spot USD price of one whole token.
	PriceUSD(ctx context.Context, mint string) (float64, error)
	// LiquidityUSD returns pooled USD liquidity for the mint.
	LiquidityUSD(ctx context.Context, mint string) (float64, error)
	// Decimals returns the mint's decimal count.
	Decimals(ctx context.Context, mint string) (int, error)
	// TokenMeta returns authority and verification metadata.
	TokenMeta(ctx context.Context, mint string) (*TokenMeta, error)
}

// TokenMeta is the oracle's view of a token's on-chain and social metadata.
type TokenMeta struct {
	MintAuthorityRenounced   bool
	FreezeAuthorityRenounced bool
	// HasAuthorityData is false when the oracle had no authority fields at
	// all; the authority check then falls back to direct RPC decode.
	HasAuthorityData bool

	TopHoldersPct float64

	Twitter     string
	Website     string
	CoingeckoID string
}

// Verified reports whether any social/registry link is present.
func (m *TokenMeta) Verified() bool {
	return m.Twitter != "" || m.Website != "" || m.CoingeckoID != ""
}

type cachedFloat struct {
	value     float64
	fetchedAt time.Time
}

type cachedInt struct {
	value     int
	fetchedAt time.Time
}

// Client is the HTTP oracle with per-mint TTL caches: 30s for price and
// liquidity, 1h for decimals.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu        sync.Mutex
	prices    map[string]cachedFloat
	liquidity map[string]cachedFloat
	decimals  map[string]cachedInt
}

const (
	priceTTL     = 30 * time.Second
	liquidityTTL = 30 * time.Second
	decimalsTTL  = time.Hour
)

// NewClient creates an oracle client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		prices:     make(map[string]cachedFloat),
		liquidity:  make(map[string]cachedFloat),
		decimals:   make(map[string]cachedInt),
	}
}

// tokenPayload is the oracle's per-mint response document.
type tokenPayload struct {
	PriceUSD     float64 `json:"priceUsd"`
	LiquidityUSD float64 `json:"liquidityUsd"`
	Decimals     int     `json:"decimals"`
	Authorities  *struct {
		MintRenounced   bool `json:"mintRenounced"`
		FreezeRenounced bool `json:"freezeRenounced"`
	} `json:"authorities"`
	TopHoldersPct float64 `json:"topHoldersPct"`
	Links         struct {
		Twitter     string `json:"twitter"`
		Website     string `json:"website"`
		CoingeckoID string `json:"coingecko_id"`
	} `json:"links"`
}

func (c *Client) fetch(ctx context.Context, mint string) (*tokenPayload, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/tokens/%s", c.baseURL, mint), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("oracle status %d: %s", resp.StatusCode, string(body))
	}

	var p tokenPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode oracle response: %w", err)
	}
	return &p, nil
}

// PriceUSD implements PriceOracle with a 30s cache per mint.
func (c *Client) PriceUSD(ctx context.Context, mint string) (float64, error) {
	c.mu.Lock()
	if hit, ok := c.prices[mint]; ok && time.Since(hit.fetchedAt) < priceTTL {
		c.mu.Unlock()
		return hit.value, nil
	}
	c.mu.Unlock()

	p, err := c.fetch(ctx, mint)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.prices[mint] = cachedFloat{p.PriceUSD, time.Now()}
	c.liquidity[mint] = cachedFloat{p.LiquidityUSD, time.Now()}
	if p.Decimals > 0 {
		c.decimals[mint] = cachedInt{p.Decimals, time.Now()}
	}
	c.mu.Unlock()

	return p.PriceUSD, nil
}

// LiquidityUSD implements PriceOracle with a 30s cache per mint.
func (c *Client) LiquidityUSD(ctx context.Context, mint string) (float64, error) {
	c.mu.Lock()
	if hit, ok := c.liquidity[mint]; ok && time.Since(hit.fetchedAt) < liquidityTTL {
		c.mu.Unlock()
		return hit.value, nil
	}
	c.mu.Unlock()

	p, err := c.fetch(ctx, mint)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.liquidity[mint] = cachedFloat{p.LiquidityUSD, time.Now()}
	c.mu.Unlock()

	return p.LiquidityUSD, nil
}

// Decimals implements PriceOracle with a 1h cache per mint.
func (c *Client) Decimals(ctx context.Context, mint string) (int, error) {
	c.mu.Lock()
	if hit, ok := c.decimals[mint]; ok && time.Since(hit.fetchedAt) < decimalsTTL {
		c.mu.Unlock()
		return hit.value, nil
	}
	c.mu.Unlock()

	p, err := c.fetch(ctx, mint)
	if err != nil {
		return 0, err
	}
	if p.Decimals <= 0 {
		return 0, fmt.Errorf("oracle returned no decimals for %s", mint)
	}

	c.mu.Lock()
	c.decimals[mint] = cachedInt{p.Decimals, time.Now()}
	c.mu.Unlock()

	return p.Decimals, nil
}

// TokenMeta implements PriceOracle; uncached, callers are low-frequency.
func (c *Client) TokenMeta(ctx context.Context, mint string) (*TokenMeta, error) {
	p, err := c.fetch(ctx, mint)
	if err != nil {
		return nil, err
	}

	meta := &TokenMeta{
		TopHoldersPct: p.TopHoldersPct,
		Twitter:       p.Links.Twitter,
		Website:       p.Links.Website,
		CoingeckoID:   p.Links.CoingeckoID,
	}
	if p.Authorities != nil {
		meta.HasAuthorityData = true
		meta.MintAuthorityRenounced = p.Authorities.MintRenounced
		meta.FreezeAuthorityRenounced = p.Authorities.FreezeRenounced
	}
	return meta, nil
}

// Static is a fixed-value oracle used by the paper trader and tests.
type Static struct {
	mu     sync.RWMutex
	Prices map[string]float64
	Liq    map[string]float64
	Dec    map[string]int
	Meta   map[string]*TokenMeta
}

// NewStatic creates an empty static oracle.
func NewStatic() *Static {
	return &Static{
		Prices: make(map[string]float64),
		Liq:    make(map[string]float64),
		Dec:    make(map[string]int),
		Meta:   make(map[string]*TokenMeta),
	}
}

// SetPrice sets the spot price for a mint.
func (s *Static) SetPrice(mint string, price float64) {
	s.mu.Lock()
	s.Prices[mint] = price
	s.mu.Unlock()
}

// PriceUSD implements PriceOracle.
func (s *Static) PriceUSD(_ context.Context, mint string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.Prices[mint]
	if !ok {
		return 0, fmt.Errorf("no price for %s", mint)
	}
	return p, nil
}

// LiquidityUSD implements PriceOracle.
func (s *Static) LiquidityUSD(_ context.Context, mint string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.Liq[mint]; ok {
		return v, nil
	}
	return 0, fmt.Errorf("no liquidity for %s", mint)
}

// Decimals implements PriceOracle.
func (s *Static) Decimals(_ context.Context, mint string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.Dec[mint]; ok {
		return v, nil
	}
	return 9, nil
}

// TokenMeta implements PriceOracle.
func (s *Static) TokenMeta(_ context.Context, mint string) (*TokenMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.Meta[mint]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("no meta for %s", mint)
}

var _ PriceOracle = (*Client)(nil)
var _ PriceOracle = (*Static)(nil)
