package blockchain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RPCClient is the direct solana JSON-RPC client: blockhash, balances,
// account decode for safety checks, confirmation polling, and single-endpoint
// sends (wallet-forward transfers, and swaps when no quorum pool is set).
type RPCClient struct {
	primaryURL  string
	fallbackURL string
	apiKey      string
	httpClient  *http.Client

	// Circuit breaker state
	mu          sync.RWMutex
	failures    int
	lastFailure time.Time
	circuitOpen bool
}

// RPCRequest is the JSON-RPC 2.0 request format.
type RPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// RPCResponse is the JSON-RPC 2.0 response format.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC 2.0 error format.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// NewRPCClient creates an RPC client with primary/fallback endpoints.
func NewRPCClient(primaryURL, fallbackURL, apiKey string) *RPCClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &RPCClient{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		apiKey:      apiKey,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// LatestBlockhash fetches the latest blockhash and its last valid height.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (string, uint64, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getLatestBlockhash",
		Params:  []interface{}{map[string]string{"commitment": "confirmed"}},
	}

	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return "", 0, err
	}
	return result.Value.Blockhash, result.Value.LastValidBlockHeight, nil
}

// GetBalance fetches the SOL balance (lamports) for a public key.
func (c *RPCClient) GetBalance(ctx context.Context, pubkey string) (uint64, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBalance",
		Params:  []interface{}{pubkey, map[string]string{"commitment": "confirmed"}},
	}

	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetBlockHeight fetches the current block height.
func (c *RPCClient) GetBlockHeight(ctx context.Context) (uint64, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getBlockHeight",
		Params:  []interface{}{map[string]string{"commitment": "confirmed"}},
	}

	var height uint64
	if err := c.call(ctx, req, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// SendTransaction sends one signed transaction through this client. Broadcast
// paths normally prefer the quorum pool; this is the single-endpoint fallback.
func (c *RPCClient) SendTransaction(ctx context.Context, signedTxBase64 string, skipPreflight bool) (string, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendTransaction",
		Params: []interface{}{
			signedTxBase64,
			map[string]interface{}{
				"encoding":            "base64",
				"skipPreflight":       skipPreflight,
				"preflightCommitment": "processed",
				"maxRetries":          3,
			},
		},
	}

	var sig string
	if err := c.call(ctx, req, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

// SignatureStatus is one entry of getSignatureStatuses.
type SignatureStatus struct {
	Slot               uint64      `json:"slot"`
	Confirmations      *uint64     `json:"confirmations"`
	Err                interface{} `json:"err"`
	ConfirmationStatus string      `json:"confirmationStatus"`
}

// GetSignatureStatuses checks transaction signatures.
func (c *RPCClient) GetSignatureStatuses(ctx context.Context, signatures []string) ([]*SignatureStatus, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getSignatureStatuses",
		Params: []interface{}{
			signatures,
			map[string]bool{"searchTransactionHistory": true},
		},
	}

	var result struct {
		Value []*SignatureStatus `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// ConfirmSignature polls a signature until it confirms, errors on-chain, or
// the chain passes lastValidBlockHeight.
func (c *RPCClient) ConfirmSignature(ctx context.Context, signature string, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		statuses, err := c.GetSignatureStatuses(ctx, []string{signature})
		if err != nil {
			log.Debug().Err(err).Msg("confirmation poll failed")
			continue
		}
		if len(statuses) > 0 && statuses[0] != nil {
			st := statuses[0]
			if st.Err != nil {
				detail, _ := json.Marshal(st.Err)
				return fmt.Errorf("transaction failed on-chain: %s", detail)
			}
			if st.ConfirmationStatus == "confirmed" || st.ConfirmationStatus == "finalized" {
				return nil
			}
		}

		if lastValidBlockHeight > 0 {
			height, err := c.GetBlockHeight(ctx)
			if err == nil && height > lastValidBlockHeight {
				return fmt.Errorf("block height exceeded: tx expired before confirmation")
			}
		}
	}
}

// AccountInfo is the raw base64 account data plus owner.
type AccountInfo struct {
	Owner string
	Data  []byte
}

// GetAccountInfo fetches an account with base64-encoded data. Used by the
// authority safety check to decode mint accounts directly.
func (c *RPCClient) GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getAccountInfo",
		Params: []interface{}{
			pubkey,
			map[string]string{"encoding": "base64", "commitment": "confirmed"},
		},
	}

	var result struct {
		Value *struct {
			Owner string   `json:"owner"`
			Data  []string `json:"data"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	if result.Value == nil {
		return nil, fmt.Errorf("account not found: %s", pubkey)
	}
	if len(result.Value.Data) == 0 {
		return &AccountInfo{Owner: result.Value.Owner}, nil
	}

	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data: %w", err)
	}
	return &AccountInfo{Owner: result.Value.Owner, Data: data}, nil
}

const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// TokenAccountInfo holds one SPL token account.
type TokenAccountInfo struct {
	Address  string
	Mint     string
	Amount   uint64
	Decimals uint8
}

// GetTokenAccountsByOwner fetches token accounts for owner. With a mint it
// filters to that mint; otherwise it scans both token programs. A Token-2022
// fetch failure fails the whole batch so callers never mistake a partial
// result for a zero balance.
func (c *RPCClient) GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccountInfo, error) {
	if mint != "" {
		return c.fetchTokenAccounts(ctx, owner, map[string]string{"mint": mint})
	}

	accounts, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": TokenProgramID})
	if err != nil {
		return nil, err
	}
	accounts2022, err := c.fetchTokenAccounts(ctx, owner, map[string]string{"programId": Token2022ProgramID})
	if err != nil {
		return nil, fmt.Errorf("fetch Token-2022 accounts: %w", err)
	}
	return append(accounts, accounts2022...), nil
}

func (c *RPCClient) fetchTokenAccounts(ctx context.Context, owner string, filter map[string]string) ([]TokenAccountInfo, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenAccountsByOwner",
		Params: []interface{}{
			owner,
			filter,
			map[string]string{"encoding": "jsonParsed"},
		},
	}

	var result struct {
		Value []struct {
			Pubkey  string `json:"pubkey"`
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							Mint        string `json:"mint"`
							TokenAmount struct {
								Amount   string `json:"amount"`
								Decimals uint8  `json:"decimals"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccountInfo, 0, len(result.Value))
	for _, v := range result.Value {
		amount, _ := strconv.ParseUint(v.Account.Data.Parsed.Info.TokenAmount.Amount, 10, 64)
		accounts = append(accounts, TokenAccountInfo{
			Address:  v.Pubkey,
			Mint:     v.Account.Data.Parsed.Info.Mint,
			Amount:   amount,
			Decimals: v.Account.Data.Parsed.Info.TokenAmount.Decimals,
		})
	}
	return accounts, nil
}

// TokenHolder is one entry of getTokenLargestAccounts.
type TokenHolder struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// GetTokenLargestAccounts returns the top-20 holders of a mint.
func (c *RPCClient) GetTokenLargestAccounts(ctx context.Context, mint string) ([]TokenHolder, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenLargestAccounts",
		Params:  []interface{}{mint},
	}

	var result struct {
		Value []TokenHolder `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// GetTokenSupply returns a mint's raw supply and decimals.
func (c *RPCClient) GetTokenSupply(ctx context.Context, mint string) (uint64, uint8, error) {
	req := RPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "getTokenSupply",
		Params:  []interface{}{mint},
	}

	var result struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals uint8  `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, req, &result); err != nil {
		return 0, 0, err
	}
	amount, _ := strconv.ParseUint(result.Value.Amount, 10, 64)
	return amount, result.Value.Decimals, nil
}

func (c *RPCClient) call(ctx context.Context, req RPCRequest, result interface{}) error {
	if c.isCircuitOpen() {
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	err := c.callURL(ctx, c.primaryURL, req, result)
	if err != nil {
		c.recordFailure()
		if c.fallbackURL == "" {
			return err
		}
		log.Warn().Err(err).Msg("primary RPC failed, trying fallback")
		return c.callURL(ctx, c.fallbackURL, req, result)
	}

	c.recordSuccess()
	return nil
}

func (c *RPCClient) callURL(ctx context.Context, url string, rpcReq RPCRequest, result interface{}) error {
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// Circuit breaker: open after 5 consecutive failures, reset after 30s.
func (c *RPCClient) isCircuitOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.circuitOpen {
		return false
	}
	if time.Since(c.lastFailure) > 30*time.Second {
		return false
	}
	return true
}

func (c *RPCClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures++
	c.lastFailure = time.Now()
	if c.failures >= 5 {
		c.circuitOpen = true
		log.Warn().Msg("RPC circuit breaker opened")
	}
}

func (c *RPCClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = 0
	c.circuitOpen = false
}
