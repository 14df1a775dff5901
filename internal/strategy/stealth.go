package strategy

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/trading"
)

// Forwarder sweeps a wallet's holdings to a cold destination: purchased SPL
// first, then USDC, then SOL down to the configured floor.
type Forwarder interface {
	ForwardAll(ctx context.Context, userID, walletID, dest string, solFloorLamports uint64) error
}

// stealthBot splits one position across a wallet rotation, jittering size,
// slippage and timing per wallet so the buys do not cluster on-chain.
type stealthBot struct {
	cfg  *StealthConfig
	next int
}

func newStealthBot(cfg *StealthConfig) *stealthBot {
	return &stealthBot{cfg: cfg}
}

func (s *stealthBot) Tick(ctx context.Context, rt *Runtime) error {
	if len(s.cfg.WalletIDs) == 0 || s.cfg.Mint == "" {
		return fmt.Errorf("stealth config requires mint and walletIds")
	}
	common := s.cfg.Common()

	walletID := s.cfg.WalletIDs[s.next%len(s.cfg.WalletIDs)]
	s.next++

	// Per-wallet jitter.
	amount := common.AmountToSpend
	if s.cfg.SizeJitterPct > 0 {
		amount *= 1 + (rand.Float64()*2-1)*s.cfg.SizeJitterPct/100
	}
	slippage := common.Slippage
	if s.cfg.SlippageJitterPct > 0 {
		slippage *= 1 + (rand.Float64()*2-1)*s.cfg.SlippageJitterPct/100
	}
	if s.cfg.DelayMaxMs > s.cfg.DelayMinMs {
		delay := s.cfg.DelayMinMs + rand.Intn(s.cfg.DelayMaxMs-s.cfg.DelayMinMs)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delay) * time.Millisecond):
		}
	}

	quote, err := rt.deps.Quotes.GetQuote(ctx, aggregator.QuoteParams{
		InputMint:   aggregator.SOLMint,
		OutputMint:  s.cfg.Mint,
		Amount:      uint64(amount * 1e9),
		SlippageBps: int(slippage * 100),
	})
	if err != nil {
		rt.logger.Debug().Err(&trading.QuoteUnavailableError{Mint: s.cfg.Mint, Err: err}).Msg("skip: quote unavailable")
		return nil
	}

	txHash, err := rt.deps.Executor.ExecTrade(ctx, trading.ExecTradeParams{
		Quote:     quote,
		Mint:      s.cfg.Mint,
		Simulated: common.DryRun,
		Meta: trading.TradeMeta{
			UserID:    common.UserID,
			WalletID:  walletID,
			Strategy:  ModeStealth,
			Category:  "stealth-buy",
			BotID:     rt.BotID,
			TPPercent: common.TakeProfit,
			SLPercent: common.StopLoss,
			Slippage:  slippage,
		},
	})
	if err != nil {
		return err
	}
	if txHash == "" {
		return nil
	}
	rt.tradesExecuted.Add(1)

	switch s.cfg.AutoForward {
	case "onEachBuy":
		s.forward(ctx, rt, walletID)
	case "onFinish":
		if common.MaxTrades > 0 && rt.TradesExecuted() >= common.MaxTrades {
			for _, w := range s.cfg.WalletIDs {
				s.forward(ctx, rt, w)
			}
		}
	}
	return nil
}

func (s *stealthBot) forward(ctx context.Context, rt *Runtime, walletID string) {
	if rt.deps.Forwarder == nil || s.cfg.ForwardDest == "" || s.cfg.Common().DryRun {
		return
	}
	if err := rt.deps.Forwarder.ForwardAll(ctx, s.cfg.Common().UserID, walletID, s.cfg.ForwardDest, s.cfg.SolFloorLamports); err != nil {
		rt.logger.Warn().Err(err).Str("walletId", walletID).Msg("auto-forward failed")
	}
}
