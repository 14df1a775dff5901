package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/trading"
)

// DcaRepo is the repository slice of the DCA monitor.
type DcaRepo interface {
	ListDueDcaOrders(ctx context.Context, now time.Time) ([]*storage.DcaOrder, error)
	CASDcaOrderStatus(ctx context.Context, id int64, from, to string) (bool, error)
	AdvanceDcaOrder(ctx context.Context, id int64, completedBuys int, nextFireAt time.Time, status string) error
}

// DcaMonitor fires due DCA tranches inside their price band.
type DcaMonitor struct {
	repo   DcaRepo
	oracle oracle.PriceOracle
	quotes LimitQuotes
	buyer  Buyer
	seller Seller
}

// NewDcaMonitor wires the DCA watcher.
func NewDcaMonitor(repo DcaRepo, o oracle.PriceOracle, quotes LimitQuotes, buyer Buyer, seller Seller) *DcaMonitor {
	return &DcaMonitor{repo: repo, oracle: o, quotes: quotes, buyer: buyer, seller: seller}
}

func (m *DcaMonitor) Name() string { return "dca" }

func (m *DcaMonitor) Cadence() time.Duration { return 60 * time.Second }

// Scan fires at most one tranche per due order.
func (m *DcaMonitor) Scan(ctx context.Context) error {
	orders, err := m.repo.ListDueDcaOrders(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("dca monitor: list failed")
		return err
	}

	for _, order := range orders {
		// Price-band guards: outside the band the slot is skipped, not
		// consumed; the order re-fires next cadence once back in band.
		if order.StopAbove > 0 || order.StopBelow > 0 {
			price, err := m.oracle.PriceUSD(ctx, order.Mint)
			if err != nil {
				continue
			}
			if order.StopAbove > 0 && price > order.StopAbove {
				continue
			}
			if order.StopBelow > 0 && price < order.StopBelow {
				continue
			}
		}

		// Claim the slot before doing any work; a concurrent pass loses the
		// CAS and walks away.
		won, err := m.repo.CASDcaOrderStatus(ctx, order.ID, storage.DcaActive, storage.DcaFiring)
		if err != nil || !won {
			continue
		}

		tranche := order.Amount / uint64(order.NumBuys)
		if tranche == 0 {
			_, _ = m.repo.CASDcaOrderStatus(ctx, order.ID, storage.DcaFiring, storage.DcaFailed)
			continue
		}

		if err := m.fire(ctx, order, tranche); err != nil {
			log.Warn().Err(err).Int64("orderId", order.ID).Msg("dca tranche failed")
			// Release the claim so the next pass retries the slot.
			_, _ = m.repo.CASDcaOrderStatus(ctx, order.ID, storage.DcaFiring, storage.DcaActive)
			continue
		}

		completed := order.CompletedBuys + 1
		status := storage.DcaActive
		if completed >= order.NumBuys {
			status = storage.DcaDone
		}
		next := time.Now().Add(time.Duration(order.FreqHours * float64(time.Hour)))
		if err := m.repo.AdvanceDcaOrder(ctx, order.ID, completed, next, status); err != nil {
			log.Error().Err(err).Int64("orderId", order.ID).Msg("dca advance failed")
			continue
		}

		log.Info().
			Int64("orderId", order.ID).
			Str("mint", order.Mint).
			Int("completed", completed).
			Int("of", order.NumBuys).
			Msg("dca tranche executed")
	}
	return nil
}

func (m *DcaMonitor) fire(ctx context.Context, order *storage.DcaOrder, tranche uint64) error {
	if order.Side == "sell" {
		_, err := m.seller.ExecSell(ctx, trading.SellParams{
			UserID:      order.UserID,
			WalletID:    order.WalletID,
			Mint:        order.Mint,
			Strategy:    "dca",
			Amount:      tranche,
			TriggerType: "dca",
			Slippage:    1.0,
		})
		return err
	}

	inputMint := aggregator.SOLMint
	if order.Unit == "usdc" {
		inputMint = aggregator.USDCMint
	}
	quote, err := m.quotes.GetQuote(ctx, aggregator.QuoteParams{
		InputMint:  inputMint,
		OutputMint: order.Mint,
		Amount:     tranche,
	})
	if err != nil {
		return err
	}
	_, err = m.buyer.ExecTrade(ctx, trading.ExecTradeParams{
		Quote: quote,
		Mint:  order.Mint,
		Meta: trading.TradeMeta{
			UserID:   order.UserID,
			WalletID: order.WalletID,
			Strategy: "dca",
			Category: "dca-buy",
		},
	})
	return err
}
