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

// LimitRepo is the repository slice of the limit monitor.
type LimitRepo interface {
	ListOpenLimitOrders(ctx context.Context) ([]*storage.LimitOrder, error)
	CASLimitOrderStatus(ctx context.Context, id int64, from, to string) (bool, error)
	IncLimitOrderFailCount(ctx context.Context, id int64) error
}

// LimitQuotes fetches quotes for fired buy orders.
type LimitQuotes interface {
	GetQuote(ctx context.Context, p aggregator.QuoteParams) (*aggregator.Quote, error)
}

// LimitMonitor fires limit orders when spot crosses their target.
type LimitMonitor struct {
	repo   LimitRepo
	oracle oracle.PriceOracle
	quotes LimitQuotes
	buyer  Buyer
	seller Seller
}

// NewLimitMonitor wires the limit watcher.
func NewLimitMonitor(repo LimitRepo, o oracle.PriceOracle, quotes LimitQuotes, buyer Buyer, seller Seller) *LimitMonitor {
	return &LimitMonitor{repo: repo, oracle: o, quotes: quotes, buyer: buyer, seller: seller}
}

func (m *LimitMonitor) Name() string { return "limit" }

func (m *LimitMonitor) Cadence() time.Duration { return 15 * time.Second }

// Scan walks open orders and fires the crossed ones.
func (m *LimitMonitor) Scan(ctx context.Context) error {
	orders, err := m.repo.ListOpenLimitOrders(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("limit monitor: list failed")
		return err
	}

	for _, order := range orders {
		price, err := m.oracle.PriceUSD(ctx, order.Mint)
		if err != nil {
			continue
		}

		crossed := (order.Side == "buy" && price <= order.TargetPrice) ||
			(order.Side == "sell" && price >= order.TargetPrice)
		if !crossed {
			continue
		}

		// Claim the order before doing any work.
		won, err := m.repo.CASLimitOrderStatus(ctx, order.ID, storage.OrderOpen, storage.OrderFilling)
		if err != nil || !won {
			continue
		}

		if err := m.fire(ctx, order); err != nil {
			log.Warn().Err(err).Int64("orderId", order.ID).Msg("limit order fire failed")
			_ = m.repo.IncLimitOrderFailCount(ctx, order.ID)
			continue
		}
		if _, err := m.repo.CASLimitOrderStatus(ctx, order.ID, storage.OrderFilling, storage.OrderFilled); err != nil {
			log.Error().Err(err).Int64("orderId", order.ID).Msg("limit order fill mark failed")
		}
		log.Info().
			Int64("orderId", order.ID).
			Str("mint", order.Mint).
			Str("side", order.Side).
			Float64("price", price).
			Msg("limit order filled")
	}
	return nil
}

func (m *LimitMonitor) fire(ctx context.Context, order *storage.LimitOrder) error {
	if order.Side == "sell" {
		_, err := m.seller.ExecSell(ctx, trading.SellParams{
			UserID:      order.UserID,
			WalletID:    order.WalletID,
			Mint:        order.Mint,
			Strategy:    "limitOrder",
			Amount:      order.Amount,
			TriggerType: "limit",
			Slippage:    1.0,
		})
		return err
	}

	quote, err := m.quotes.GetQuote(ctx, aggregator.QuoteParams{
		InputMint:  aggregator.SOLMint,
		OutputMint: order.Mint,
		Amount:     order.Amount,
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
			Strategy: "limitOrder",
			Category: "limit-buy",
		},
	})
	return err
}
