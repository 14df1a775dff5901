package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/blockchain"
)

// SendRawFunc submits a signed transaction. sigHint is the base58 encoding of
// the first signature bytes; quorum senders use it when endpoints answer with
// opaque shapes.
type SendRawFunc func(ctx context.Context, rawBase64, sigHint string) (string, error)

// SwapRequest carries everything needed to build, sign and broadcast one swap.
type SwapRequest struct {
	Quote  *Quote
	Wallet *blockchain.Keypair
	// Shared routes through the MEV-protected path with a validator tip.
	Shared                        bool
	ComputeUnitPriceMicroLamports uint64
	TipLamports                   uint64
	PrivateRPCURL                 string
	SkipPreflight                 bool
	// SendRawTransaction overrides the default single-endpoint send, usually
	// with the quorum pool. Optional.
	SendRawTransaction SendRawFunc
}

// Swapper builds, signs, broadcasts and confirms swap transactions.
type Swapper struct {
	client *Client
	rpc    *blockchain.RPCClient

	confirmTimeout time.Duration
}

// NewSwapper wires the aggregator client with the confirmation RPC.
func NewSwapper(client *Client, rpc *blockchain.RPCClient) *Swapper {
	return &Swapper{client: client, rpc: rpc, confirmTimeout: 45 * time.Second}
}

// GetQuote proxies quote fetch so callers hold a single capability.
func (s *Swapper) GetQuote(ctx context.Context, p QuoteParams) (*Quote, error) {
	return s.client.GetQuote(ctx, p)
}

// ExecuteSwap fetches the swap transaction, signs it locally, broadcasts it
// and waits for confirmation against the aggregator-returned block height.
func (s *Swapper) ExecuteSwap(ctx context.Context, req SwapRequest) (string, error) {
	start := time.Now()

	rawTx, lastValidHeight, err := s.client.BuildSwapTransaction(
		ctx, req.Quote, req.Wallet.Address(),
		req.ComputeUnitPriceMicroLamports, req.TipLamports, req.Shared,
	)
	if err != nil {
		return "", fmt.Errorf("build swap: %w", err)
	}

	signed, err := blockchain.SignSerializedTransaction(rawTx, req.Wallet)
	if err != nil {
		return "", fmt.Errorf("sign swap: %w", err)
	}
	sigHint := base58.Encode(signed.Signature)

	var signature string
	switch {
	case req.SendRawTransaction != nil:
		signature, err = req.SendRawTransaction(ctx, signed.Base64, sigHint)
	case req.PrivateRPCURL != "":
		private := blockchain.NewRPCClient(req.PrivateRPCURL, "", "")
		signature, err = private.SendTransaction(ctx, signed.Base64, req.SkipPreflight)
	default:
		signature, err = s.rpc.SendTransaction(ctx, signed.Base64, req.SkipPreflight)
	}
	if err != nil {
		return "", fmt.Errorf("send swap: %w", err)
	}
	if signature == "" {
		signature = sigHint
	}

	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	if err := s.rpc.ConfirmSignature(confirmCtx, signature, lastValidHeight); err != nil {
		return "", fmt.Errorf("confirm %s: %w", signature, err)
	}

	log.Info().
		Str("signature", signature).
		Dur("elapsed", time.Since(start)).
		Bool("shared", req.Shared).
		Msg("swap confirmed")

	return signature, nil
}

// ExecuteSwapTurbo is the latency-first variant: preflight skipped and the
// private RPC (when configured) used for the initial send.
func (s *Swapper) ExecuteSwapTurbo(ctx context.Context, req SwapRequest) (string, error) {
	req.SkipPreflight = true
	return s.ExecuteSwap(ctx, req)
}
