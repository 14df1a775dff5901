package trading

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/storage"
)

// TxRepository is the transactional slice the reducer needs. The whole
// reduction runs inside one repository transaction; two concurrent triggers
// interleave at the transaction boundary with first-wins semantics.
type TxRepository interface {
	WithTx(ctx context.Context, fn func(tx *storage.Tx) error) error
}

// ReduceParams describe one position close or trim.
type ReduceParams struct {
	UserID   string
	WalletID string
	Mint     string
	Strategy string

	// Exactly one of Percent (0..1], Amount, or RemovedAmount selects the
	// size. RemovedAmount is the on-chain observed debit (wallet-forward
	// paths); it behaves like Amount.
	Percent       float64
	Amount        uint64
	RemovedAmount uint64

	ExitPrice    float64
	ExitPriceUSD float64
	TxHash       string
	TriggerType  string
	Decimals     int
}

// Reduction reports what a reduce run actually did.
type Reduction struct {
	SoldAmount   uint64
	ClosedTrades int
	DeletedLots  int
	OpenRemain   bool
}

// Reduce debits open lots oldest-first for the position key, emitting one
// closed-trade record per slice, inside a single transaction.
func Reduce(ctx context.Context, repo TxRepository, p ReduceParams) (*Reduction, error) {
	if p.TxHash == "" {
		return nil, &InvariantError{Detail: "reduce requires a txHash"}
	}
	if p.Percent <= 0 && p.Amount == 0 && p.RemovedAmount == 0 {
		return nil, &InvariantError{Detail: "reduce requires percent, amount or removedAmount"}
	}

	result := &Reduction{}
	err := repo.WithTx(ctx, func(tx *storage.Tx) error {
		lots, err := tx.OpenTrades(ctx, p.UserID, p.WalletID, p.Mint, p.Strategy)
		if err != nil {
			return fmt.Errorf("load lots: %w", err)
		}
		if len(lots) == 0 {
			// A concurrent trigger already drained the position.
			return nil
		}

		var total uint64
		for _, lot := range lots {
			total += lot.OutAmount
		}

		toSell := p.Amount
		if toSell == 0 {
			toSell = p.RemovedAmount
		}
		if toSell == 0 {
			toSell = uint64(math.Round(p.Percent * float64(total)))
		}
		if toSell > total {
			toSell = total
		}

		dust := dustThreshold(p.Decimals)
		now := time.Now()
		remaining := toSell

		for _, lot := range lots {
			if remaining == 0 {
				break
			}

			slice := lot.OutAmount
			if slice > remaining {
				slice = remaining
			}
			ratio := float64(slice) / float64(lot.OutAmount)
			costTrim := uint64(math.Round(float64(lot.InAmount) * ratio))
			if costTrim > lot.InAmount {
				costTrim = lot.InAmount
			}

			lot.OutAmount -= slice
			lot.InAmount -= costTrim
			lot.ClosedOutAmount += costTrim
			lot.USDValue -= float64(slice) / math.Pow10(p.Decimals) * lot.EntryPriceUSD
			if lot.USDValue < 0 {
				lot.USDValue = 0
			}

			closed := &storage.ClosedTrade{
				ID:            uuid.NewString(),
				Mint:          p.Mint,
				UserID:        p.UserID,
				WalletID:      p.WalletID,
				WalletLabel:   lot.WalletLabel,
				Strategy:      p.Strategy,
				Side:          "sell",
				InAmount:      costTrim,
				OutAmount:     slice,
				EntryPrice:    lot.EntryPrice,
				EntryPriceUSD: lot.EntryPriceUSD,
				ExitPrice:     p.ExitPrice,
				ExitPriceUSD:  p.ExitPriceUSD,
				Decimals:      p.Decimals,
				TriggerType:   p.TriggerType,
				TxHash:        p.TxHash + "-" + uuid.NewString(),
				ExitedAt:      now,
			}
			if err := tx.InsertClosedTrade(ctx, closed); err != nil {
				return fmt.Errorf("insert closed trade: %w", err)
			}
			result.ClosedTrades++

			if lot.OutAmount < dust {
				if err := tx.DeleteLot(ctx, lot.ID); err != nil {
					return fmt.Errorf("delete lot: %w", err)
				}
				result.DeletedLots++
			} else {
				if err := tx.UpdateLot(ctx, lot); err != nil {
					return fmt.Errorf("update lot: %w", err)
				}
			}

			remaining -= slice
		}

		if remaining > 0 {
			return &InvariantError{Detail: fmt.Sprintf("unsold remainder %d after draining all lots", remaining)}
		}
		result.SoldAmount = toSell

		// TP/SL rebalance: surviving rules sell a proportionally smaller
		// share of what is left.
		soldFraction := float64(toSell) / float64(total)
		if soldFraction > 0 && soldFraction < 1 {
			if err := tx.ScaleTpSlSellPct(ctx, p.UserID, p.WalletID, p.Mint, p.Strategy, 1-soldFraction); err != nil {
				return fmt.Errorf("rebalance tp/sl: %w", err)
			}
		}

		open, err := tx.OpenLotsRemain(ctx, p.UserID, p.WalletID, p.Mint, p.Strategy)
		if err != nil {
			return err
		}
		result.OpenRemain = open
		if !open {
			if err := tx.DeleteTpSlRules(ctx, p.UserID, p.WalletID, p.Mint, p.Strategy); err != nil {
				return fmt.Errorf("delete tp/sl rules: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("mint", p.Mint).
		Str("strategy", p.Strategy).
		Str("trigger", p.TriggerType).
		Uint64("sold", result.SoldAmount).
		Int("slices", result.ClosedTrades).
		Bool("openRemain", result.OpenRemain).
		Msg("position reduced")

	return result, nil
}

// dustThreshold is 0.01 whole tokens in base units, floored at one base unit
// so fully drained lots are always deleted.
func dustThreshold(decimals int) uint64 {
	d := uint64(math.Pow10(decimals) * 0.01)
	if d < 1 {
		d = 1
	}
	return d
}
