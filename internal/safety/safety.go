package safety

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/oracle"
)

// Pre-trade checks. Each check returns a structured verdict; the engine ANDs
// the selected ones. Checks soft-pass when their upstream oracle is down: a
// dead oracle must never block trading by itself, it only removes a filter.

// QuoteSource is the slice of the aggregator the simulation check needs.
type QuoteSource interface {
	GetQuote(ctx context.Context, p aggregator.QuoteParams) (*aggregator.Quote, error)
}

// AccountReader is the slice of the RPC client the authority check needs.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, pubkey string) (*blockchain.AccountInfo, error)
	GetTokenLargestAccounts(ctx context.Context, mint string) ([]blockchain.TokenHolder, error)
	GetTokenSupply(ctx context.Context, mint string) (uint64, uint8, error)
}

// Flags select which checks run. Use DefaultFlags for the all-on default.
type Flags struct {
	Simulation bool
	Liquidity  bool
	Authority  bool
	TopHolders bool
	Verified   bool
}

// DefaultFlags enables every check.
func DefaultFlags() Flags {
	return Flags{Simulation: true, Liquidity: true, Authority: true, TopHolders: true, Verified: true}
}

// CheckResult is one check's verdict.
type CheckResult struct {
	Key    string                 `json:"key"`
	Label  string                 `json:"label"`
	Passed bool                   `json:"passed"`
	Reason string                 `json:"reason,omitempty"`
	Detail string                 `json:"detail,omitempty"`
	Data   map[string]interface{} `json:"data,omitempty"`
	Source string                 `json:"source,omitempty"`
}

// Verdict aggregates the selected checks.
type Verdict struct {
	Passed bool          `json:"passed"`
	Checks []CheckResult `json:"checks"`
}

// FailedCheck returns the first failing check, or nil.
func (v *Verdict) FailedCheck() *CheckResult {
	for i := range v.Checks {
		if !v.Checks[i].Passed {
			return &v.Checks[i]
		}
	}
	return nil
}

// Engine evaluates the check suite for a mint.
type Engine struct {
	quotes QuoteSource
	oracle oracle.PriceOracle
	rpc    AccountReader

	// Thresholds; zero values take the defaults below.
	MaxImpactPct     float64
	MinOutputTokens  float64
	MinLiquidityUSD  float64
	MaxTopHoldersPct float64
}

const (
	defaultMaxImpactPct     = 5.0
	defaultMinOutputTokens  = 5.0
	defaultMinLiquidityUSD  = 5000.0
	defaultMaxTopHoldersPct = 60.0

	// 0.005 SOL probe used for the simulated buy.
	probeLamports = 5_000_000
)

// NewEngine wires the safety engine capabilities.
func NewEngine(quotes QuoteSource, priceOracle oracle.PriceOracle, rpc AccountReader) *Engine {
	return &Engine{quotes: quotes, oracle: priceOracle, rpc: rpc}
}

// Evaluate runs the selected checks and ANDs the results.
func (e *Engine) Evaluate(ctx context.Context, mint string, flags Flags) *Verdict {
	v := &Verdict{Passed: true}

	run := func(enabled bool, fn func(context.Context, string) CheckResult) {
		if !enabled {
			return
		}
		res := fn(ctx, mint)
		v.Checks = append(v.Checks, res)
		if !res.Passed {
			v.Passed = false
		}
	}

	run(flags.Simulation, e.checkSimulation)
	run(flags.Liquidity, e.checkLiquidity)
	run(flags.Authority, e.checkAuthority)
	run(flags.TopHolders, e.checkTopHolders)
	run(flags.Verified, e.checkVerified)

	if !v.Passed {
		failed := v.FailedCheck()
		log.Debug().Str("mint", mint).Str("check", failed.Key).Str("reason", failed.Reason).Msg("safety failed")
	}
	return v
}

func softPass(key, label string, err error) CheckResult {
	return CheckResult{
		Key:    key,
		Label:  label,
		Passed: true,
		Reason: fmt.Sprintf("check unavailable: %v", err),
	}
}

func (e *Engine) checkSimulation(ctx context.Context, mint string) CheckResult {
	const key, label = "simulation", "Simulated swap"

	maxImpact := e.MaxImpactPct
	if maxImpact <= 0 {
		maxImpact = defaultMaxImpactPct
	}
	minOutput := e.MinOutputTokens
	if minOutput <= 0 {
		minOutput = defaultMinOutputTokens
	}

	quote, err := e.quotes.GetQuote(ctx, aggregator.QuoteParams{
		InputMint:  aggregator.SOLMint,
		OutputMint: mint,
		Amount:     probeLamports,
	})
	if err != nil {
		return softPass(key, label, err)
	}

	impact := quote.PriceImpact()
	if impact > maxImpact {
		return CheckResult{
			Key: key, Label: label, Passed: false,
			Reason: fmt.Sprintf("price impact %.2f%% exceeds %.2f%%", impact, maxImpact),
			Data:   map[string]interface{}{"impact": impact},
		}
	}

	decimals, err := e.oracle.Decimals(ctx, mint)
	if err != nil || decimals <= 0 {
		decimals = 9
	}
	outUi := float64(quote.OutAmountUint64()) / math.Pow10(decimals)
	if outUi < minOutput {
		return CheckResult{
			Key: key, Label: label, Passed: false,
			Reason: fmt.Sprintf("probe buy returned %.4f tokens (< %.0f)", outUi, minOutput),
			Data:   map[string]interface{}{"out": outUi},
		}
	}

	return CheckResult{Key: key, Label: label, Passed: true,
		Data: map[string]interface{}{"impact": impact, "out": outUi}}
}

func (e *Engine) checkLiquidity(ctx context.Context, mint string) CheckResult {
	const key, label = "liquidity", "Pool liquidity"

	min := e.MinLiquidityUSD
	if min <= 0 {
		min = defaultMinLiquidityUSD
	}

	liq, err := e.oracle.LiquidityUSD(ctx, mint)
	if err != nil {
		return softPass(key, label, err)
	}
	if liq < min {
		return CheckResult{
			Key: key, Label: label, Passed: false,
			Reason: fmt.Sprintf("liquidity $%.0f below $%.0f", liq, min),
			Data:   map[string]interface{}{"liquidityUsd": liq},
		}
	}
	return CheckResult{Key: key, Label: label, Passed: true,
		Data: map[string]interface{}{"liquidityUsd": liq}}
}

// SPL mint account layout: COption<Pubkey> mintAuthority at offset 0 (4-byte
// tag + 32 bytes), then supply u64 and decimals, COption<Pubkey>
// freezeAuthority at offset 46.
const (
	mintAuthorityOffset   = 0
	freezeAuthorityOffset = 46
	minMintAccountLen     = freezeAuthorityOffset + 4
)

func decodeAuthorities(data []byte) (mintRenounced, freezeRenounced bool, err error) {
	if len(data) < minMintAccountLen {
		return false, false, fmt.Errorf("mint account too short: %d bytes", len(data))
	}
	mintTag := binary.LittleEndian.Uint32(data[mintAuthorityOffset:])
	freezeTag := binary.LittleEndian.Uint32(data[freezeAuthorityOffset:])
	return mintTag == 0, freezeTag == 0, nil
}

// checkAuthority is hybrid: the oracle answer is preferred, but a missing or
// suspicious answer falls back to decoding the mint account over RPC.
func (e *Engine) checkAuthority(ctx context.Context, mint string) CheckResult {
	const key, label = "authority", "Mint/freeze authority"

	meta, err := e.oracle.TokenMeta(ctx, mint)
	if err == nil && meta.HasAuthorityData {
		if meta.MintAuthorityRenounced && meta.FreezeAuthorityRenounced {
			return CheckResult{Key: key, Label: label, Passed: true, Source: "oracle"}
		}
		// Oracle claims a live authority; verify on-chain before failing.
		if res, rpcErr := e.authorityViaRPC(ctx, mint); rpcErr == nil {
			return res
		}
		return CheckResult{
			Key: key, Label: label, Passed: false, Source: "oracle",
			Reason: "mint or freeze authority not renounced",
		}
	}

	res, rpcErr := e.authorityViaRPC(ctx, mint)
	if rpcErr != nil {
		return softPass(key, label, rpcErr)
	}
	return res
}

func (e *Engine) authorityViaRPC(ctx context.Context, mint string) (CheckResult, error) {
	const key, label = "authority", "Mint/freeze authority"

	info, err := e.rpc.GetAccountInfo(ctx, mint)
	if err != nil {
		return CheckResult{}, err
	}
	mintRenounced, freezeRenounced, err := decodeAuthorities(info.Data)
	if err != nil {
		return CheckResult{}, err
	}

	if mintRenounced && freezeRenounced {
		return CheckResult{Key: key, Label: label, Passed: true, Source: "rpc"}, nil
	}
	reason := "mint authority not renounced"
	if mintRenounced {
		reason = "freeze authority not renounced"
	}
	return CheckResult{Key: key, Label: label, Passed: false, Source: "rpc", Reason: reason}, nil
}

func (e *Engine) checkTopHolders(ctx context.Context, mint string) CheckResult {
	const key, label = "topHolders", "Holder concentration"

	max := e.MaxTopHoldersPct
	if max <= 0 {
		max = defaultMaxTopHoldersPct
	}

	if meta, err := e.oracle.TokenMeta(ctx, mint); err == nil && meta.TopHoldersPct > 0 {
		return holdersVerdict(meta.TopHoldersPct, max, "oracle")
	}

	holders, err := e.rpc.GetTokenLargestAccounts(ctx, mint)
	if err != nil {
		return softPass(key, label, err)
	}
	supply, _, err := e.rpc.GetTokenSupply(ctx, mint)
	if err != nil || supply == 0 {
		return softPass(key, label, fmt.Errorf("supply unavailable: %v", err))
	}

	var top uint64
	for i, h := range holders {
		if i >= 10 {
			break
		}
		amt, _ := strconv.ParseUint(h.Amount, 10, 64)
		top += amt
	}
	pct := float64(top) / float64(supply) * 100
	return holdersVerdict(pct, max, "rpc")
}

func holdersVerdict(pct, max float64, source string) CheckResult {
	const key, label = "topHolders", "Holder concentration"
	if pct > max {
		return CheckResult{
			Key: key, Label: label, Passed: false, Source: source,
			Reason: fmt.Sprintf("top holders own %.1f%% (> %.0f%%)", pct, max),
			Data:   map[string]interface{}{"topHoldersPct": pct},
		}
	}
	return CheckResult{Key: key, Label: label, Passed: true, Source: source,
		Data: map[string]interface{}{"topHoldersPct": pct}}
}

func (e *Engine) checkVerified(ctx context.Context, mint string) CheckResult {
	const key, label = "verified", "Metadata verification"

	meta, err := e.oracle.TokenMeta(ctx, mint)
	if err != nil {
		return softPass(key, label, err)
	}
	if !meta.Verified() {
		return CheckResult{
			Key: key, Label: label, Passed: false,
			Reason: "no twitter/website/registry links",
		}
	}
	return CheckResult{Key: key, Label: label, Passed: true}
}
