package strategy

import (
	"context"
	"errors"
	"time"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/trading"
)

// GuardParams are the per-mode thresholds applied by the shared candidate
// pipeline.
type GuardParams struct {
	EntryThresholdPct  float64 // min |price change|; sign checked by LimitPred
	VolumeThresholdUSD float64
	// LimitPred optionally rejects a candidate on price (limit-style entry).
	LimitPred func(c Candidate) bool
	// Sell flips the quote direction (rotation/rebalancer exits).
	Sell       bool
	SellAmount uint64 // raw token amount when Sell
}

// TryEnter runs the shared guard pipeline on one candidate and executes when
// every guard passes. Returns the txHash ("" when skipped; a duplicate or
// idempotency-suppressed attempt returns the executor's prior or cached txHash).
//
// Guard order: cooldown, age, thresholds, limit predicate, safety, daily cap,
// quote+slippage, execute.
func (rt *Runtime) TryEnter(ctx context.Context, c Candidate, g GuardParams) (string, error) {
	common := rt.cfg.Common()
	interval := time.Duration(common.Interval) * time.Second

	// 1. Per-mint cooldown.
	if rt.onCooldown(c.Mint, interval) {
		return "", nil
	}

	// 2. Age filter.
	if common.MaxTokenAgeMin > 0 && c.AgeMinutes > common.MaxTokenAgeMin {
		rt.logger.Debug().Str("mint", c.Mint).Float64("ageMin", c.AgeMinutes).Msg("skip: too old")
		return "", nil
	}

	// 3. Price / volume thresholds.
	if g.EntryThresholdPct > 0 && abs(c.PriceChangePct) < g.EntryThresholdPct {
		return "", nil
	}
	if g.VolumeThresholdUSD > 0 && c.VolumeUSD < g.VolumeThresholdUSD {
		return "", nil
	}

	// 4. Limit-price predicate.
	if g.LimitPred != nil && !g.LimitPred(c) {
		return "", nil
	}

	// 5. Safety.
	if !common.DisableSafety && rt.deps.Safety != nil {
		verdict := rt.deps.Safety.Evaluate(ctx, c.Mint, rt.safetyFlags())
		if !verdict.Passed {
			failed := verdict.FailedCheck()
			rt.logger.Debug().Str("mint", c.Mint).Str("check", failed.Key).Msg("skip: safety")
			return "", nil
		}
	}

	// 6. Daily-volume cap.
	if common.MaxDailyVolume > 0 {
		spent, err := rt.deps.Repo.DailyVolumeUSD(ctx, common.UserID, time.Now().Add(-24*time.Hour))
		if err == nil && spent >= common.MaxDailyVolume {
			rt.logger.Debug().Float64("spentUsd", spent).Msg("skip: daily volume cap")
			return "", nil
		}
	}

	// 7. Quote + slippage check.
	quote, err := rt.quoteFor(ctx, c, g)
	if err != nil {
		rt.logger.Debug().Err(&trading.QuoteUnavailableError{Mint: c.Mint, Err: err}).Msg("skip: quote unavailable")
		return "", nil
	}
	if common.MaxSlippage > 0 && quote.PriceImpact() > common.MaxSlippage {
		rt.logger.Debug().
			Str("mint", c.Mint).
			Float64("impact", quote.PriceImpact()).
			Msg("skip: impact above maxSlippage")
		return "", nil
	}

	// 8. Execute (dry runs route through the simulated path).
	txHash, err := rt.deps.Executor.ExecTrade(ctx, trading.ExecTradeParams{
		Quote:     quote,
		Mint:      c.Mint,
		Simulated: common.DryRun,
		Meta: trading.TradeMeta{
			UserID:              common.UserID,
			WalletID:            common.WalletID,
			Strategy:            rt.cfg.Mode(),
			Category:            rt.cfg.Mode() + "-entry",
			BotID:               rt.BotID,
			TPPercent:           common.TakeProfit,
			SLPercent:           common.StopLoss,
			Slippage:            common.Slippage,
			PriorityFeeLamports: common.PriorityFeeLamports,
			Turbo:               common.Turbo,
		},
	})
	if err != nil {
		// Skip-class errors do not hit the bot's failure counter.
		var coolOff *trading.CoolOffError
		if errors.As(err, &coolOff) {
			return "", nil
		}
		return "", err
	}
	if txHash != "" {
		rt.tradesExecuted.Add(1)
	}
	return txHash, nil
}

// quoteFor builds the quote request for a candidate: SOL-in buys by default,
// token-in exits for sell-side guards.
func (rt *Runtime) quoteFor(ctx context.Context, c Candidate, g GuardParams) (*aggregator.Quote, error) {
	common := rt.cfg.Common()

	params := aggregator.QuoteParams{
		InputMint:   aggregator.SOLMint,
		OutputMint:  c.Mint,
		Amount:      uint64(common.AmountToSpend * 1e9),
		SlippageBps: int(common.Slippage * 100),
	}
	if g.Sell {
		params.InputMint = c.Mint
		params.OutputMint = aggregator.SOLMint
		params.Amount = g.SellAmount
	}
	return rt.deps.Quotes.GetQuote(ctx, params)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
