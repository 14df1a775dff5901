package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// Client talks to the external DEX-aggregator quote/swap API with HTTP/2
// connection pooling and API key rotation.
type Client struct {
	baseURL     string
	clientPool  *HTTPClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
	maxLamports uint64
}

// Well-known mints.
const (
	SOLMint  = "So11111111111111111111111111111111111111112"
	USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// HTTPClientPool provides HTTP/2 connection pooling with round-robin pick.
type HTTPClientPool struct {
	clients []*http.Client
	idx     atomic.Uint32
}

// NewHTTPClientPool creates an HTTP/2 optimized client pool.
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	return pool
}

// Get returns the next pooled client round-robin.
func (p *HTTPClientPool) Get() *http.Client {
	idx := p.idx.Add(1) - 1
	return p.clients[idx%uint32(len(p.clients))]
}

// NewClient creates an aggregator client. API keys come from the
// AGGREGATOR_API_KEYS env var (CSV) when not passed explicitly.
func NewClient(baseURL string, timeout time.Duration, apiKeys []string) *Client {
	if len(apiKeys) == 0 {
		if envKeys := os.Getenv("AGGREGATOR_API_KEYS"); envKeys != "" {
			apiKeys = strings.Split(envKeys, ",")
		} else {
			apiKeys = []string{""}
		}
	}

	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		clientPool:  NewHTTPClientPool(4, timeout),
		apiKeys:     apiKeys,
		maxLamports: 1_250_000,
	}
}

func (c *Client) getAPIKey() string {
	idx := c.keyIdx.Add(1) - 1
	return c.apiKeys[idx%uint32(len(c.apiKeys))]
}

// Quote is the aggregator's route quote.
type Quote struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []RoutePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
}

// RoutePlanStep is one hop of the routed swap.
type RoutePlanStep struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

// SwapInfo describes one AMM hop.
type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

// InAmountUint64 parses the raw input amount.
func (q *Quote) InAmountUint64() uint64 {
	v, _ := strconv.ParseUint(q.InAmount, 10, 64)
	return v
}

// OutAmountUint64 parses the raw output amount.
func (q *Quote) OutAmountUint64() uint64 {
	v, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	return v
}

// PriceImpact parses the price impact percentage.
func (q *Quote) PriceImpact() float64 {
	v, _ := strconv.ParseFloat(q.PriceImpactPct, 64)
	return v
}

// QuoteParams are the inputs to GetQuote.
type QuoteParams struct {
	InputMint     string
	OutputMint    string
	Amount        uint64
	SlippageBps   int
	AllowedDexes  []string
	ExcludedDexes []string
	ForceFresh    bool
}

// GetQuote fetches a swap quote. Slippage defaults to 100 bps when missing.
func (c *Client) GetQuote(ctx context.Context, p QuoteParams) (*Quote, error) {
	if p.SlippageBps <= 0 {
		p.SlippageBps = 100
	}

	start := time.Now()

	q := url.Values{}
	q.Set("inputMint", p.InputMint)
	q.Set("outputMint", p.OutputMint)
	q.Set("amount", strconv.FormatUint(p.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(p.SlippageBps))
	if len(p.AllowedDexes) > 0 {
		q.Set("dexes", strings.Join(p.AllowedDexes, ","))
	}
	if len(p.ExcludedDexes) > 0 {
		q.Set("excludeDexes", strings.Join(p.ExcludedDexes, ","))
	}
	if p.ForceFresh {
		q.Set("swapMode", "ExactIn")
		q.Set("asLegacyTransaction", "false")
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}

	log.Debug().
		Dur("latency", time.Since(start)).
		Str("outAmount", quote.OutAmount).
		Str("impact", quote.PriceImpactPct).
		Msg("aggregator quote")

	return &quote, nil
}

// swapResponse is the aggregator's swap-build reply.
type swapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

// BuildSwapTransaction requests a serialized (unsigned) swap transaction for
// a previously fetched quote.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote *Quote, userPubkey string, computeUnitPriceMicroLamports, tipLamports uint64, shared bool) (string, uint64, error) {
	reqBody := map[string]interface{}{
		"quoteResponse":            quote,
		"userPublicKey":            userPubkey,
		"wrapAndUnwrapSol":         true,
		"dynamicComputeUnitLimit":  true,
		"skipUserAccountsRpcCalls": true,
	}
	if computeUnitPriceMicroLamports > 0 {
		reqBody["computeUnitPriceMicroLamports"] = computeUnitPriceMicroLamports
	} else {
		reqBody["prioritizationFeeLamports"] = map[string]interface{}{
			"priorityLevelWithMaxLamports": map[string]interface{}{
				"priorityLevel": "veryHigh",
				"maxLamports":   c.maxLamports,
				"global":        false,
			},
		}
	}
	// Shared (MEV-protected) routing pays a validator tip to a bundled relay.
	if shared && tipLamports > 0 {
		reqBody["prioritizationFeeLamports"] = map[string]interface{}{
			"jitoTipLamports": tipLamports,
		}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/swap", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if key := c.getAPIKey(); key != "" {
		req.Header.Set("x-api-key", key)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("swap failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var sr swapResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", 0, fmt.Errorf("decode swap response: %w", err)
	}

	return sr.SwapTransaction, sr.LastValidBlockHeight, nil
}

// SetMaxPriorityFee sets the max dynamic priority fee cap in lamports.
func (c *Client) SetMaxPriorityFee(lamports uint64) {
	c.maxLamports = lamports
}
