package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"solana-trade-engine/internal/trading"
)

// PositionReducer runs the FIFO close path for sell-side strategies.
type PositionReducer interface {
	Reduce(ctx context.Context, p trading.ReduceParams) (*trading.Reduction, error)
}

// rebalancerBot trims overweight holdings and tops up underweight ones when
// drift exceeds the configured band.
type rebalancerBot struct {
	cfg *RebalancerConfig
}

func (b *rebalancerBot) Tick(ctx context.Context, rt *Runtime) error {
	common := b.cfg.Common()
	if len(b.cfg.TargetWeights) == 0 {
		return fmt.Errorf("rebalancer requires targetWeights")
	}

	lots, err := rt.deps.Repo.OpenTradesByUser(ctx, common.UserID, common.WalletID)
	if err != nil {
		return fmt.Errorf("portfolio read: %w", err)
	}

	valueByMint := make(map[string]float64)
	amountByMint := make(map[string]uint64)
	decimalsByMint := make(map[string]int)
	var totalUSD float64
	for _, lot := range lots {
		valueByMint[lot.Mint] += lot.USDValue
		amountByMint[lot.Mint] += lot.OutAmount
		decimalsByMint[lot.Mint] = lot.Decimals
		totalUSD += lot.USDValue
	}
	if totalUSD == 0 {
		return nil
	}

	band := b.cfg.BandPct
	if band <= 0 {
		band = 5
	}

	for mint, target := range b.cfg.TargetWeights {
		actual := valueByMint[mint] / totalUSD
		driftPct := (actual - target) * 100

		switch {
		case driftPct > band && rt.deps.Reducer != nil:
			// Overweight: trim the excess fraction of the holding.
			excess := (actual - target) / actual
			if _, err := rt.deps.Reducer.Reduce(ctx, trading.ReduceParams{
				UserID:      common.UserID,
				WalletID:    common.WalletID,
				Mint:        mint,
				Strategy:    ModeRebalancer,
				Percent:     excess,
				TxHash:      "rebal-" + uuid.NewString(),
				TriggerType: "manual",
				Decimals:    decimalsByMint[mint],
			}); err != nil {
				return err
			}
			rt.tradesExecuted.Add(1)

		case driftPct < -band:
			// Underweight: buy one AmountToSpend clip through the guard
			// pipeline; the size is not scaled to the shortfall.
			if _, err := rt.TryEnter(ctx, Candidate{Mint: mint}, GuardParams{}); err != nil {
				return err
			}
		}
		if rt.State() != StateRunning {
			return nil
		}
	}
	return nil
}

// rotationBot keeps the position in the strongest-momentum watched mint.
type rotationBot struct {
	cfg     *RotationConfig
	holding string
}

func (b *rotationBot) Tick(ctx context.Context, rt *Runtime) error {
	common := b.cfg.Common()
	if len(b.cfg.Mints) == 0 {
		return fmt.Errorf("rotation requires a mint list")
	}
	window := minutes(b.cfg.PriceWindowMin, 60)

	var best *Candidate
	var holdingChange float64
	for _, mint := range b.cfg.Mints {
		snap, err := rt.deps.Market.Snapshot(ctx, mint, window, window)
		if err != nil {
			continue
		}
		if mint == b.holding {
			holdingChange = snap.PriceChangePct
		}
		if best == nil || snap.PriceChangePct > best.PriceChangePct {
			best = snap
		}
	}
	if best == nil {
		return fmt.Errorf("no snapshots for rotation universe")
	}
	if best.Mint == b.holding {
		return nil
	}
	if b.holding != "" && best.PriceChangePct-holdingChange < b.cfg.MinEdgePct {
		return nil
	}

	// Exit the current holding before rotating in.
	if b.holding != "" && rt.deps.Reducer != nil {
		lots, err := rt.deps.Repo.OpenTradesByUser(ctx, common.UserID, common.WalletID)
		if err != nil {
			return err
		}
		var decimals int
		var held bool
		for _, lot := range lots {
			if lot.Mint == b.holding && lot.Strategy == ModeRotation {
				decimals = lot.Decimals
				held = true
			}
		}
		if held {
			if _, err := rt.deps.Reducer.Reduce(ctx, trading.ReduceParams{
				UserID:      common.UserID,
				WalletID:    common.WalletID,
				Mint:        b.holding,
				Strategy:    ModeRotation,
				Percent:     1,
				TxHash:      "rotate-" + uuid.NewString(),
				TriggerType: "manual",
				Decimals:    decimals,
			}); err != nil {
				return err
			}
		}
	}

	txHash, err := rt.TryEnter(ctx, *best, GuardParams{})
	if err != nil {
		return err
	}
	if txHash != "" {
		b.holding = best.Mint
	}
	return nil
}
