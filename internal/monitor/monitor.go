package monitor

import (
	"context"
	"time"

	"solana-trade-engine/internal/trading"
)

// Monitors are independent cooperative tasks registered once at boot. Each
// scans repository state on its own cadence and fires the executor when a
// trigger crosses. Firing is idempotent: the monitor CASes the rule/order
// status before invoking the executor, so a concurrent pass finds the
// transition already taken.

// Monitor is one background watcher.
type Monitor interface {
	Name() string
	Cadence() time.Duration
	Scan(ctx context.Context) error
}

// Run drives a monitor until ctx cancels. Individual scan errors never halt
// the loop.
func Run(ctx context.Context, m Monitor) {
	ticker := time.NewTicker(m.Cadence())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.Scan(ctx)
		}
	}
}

// Seller is the executor slice the sell-side monitors need.
type Seller interface {
	ExecSell(ctx context.Context, p trading.SellParams) (*trading.SellResult, error)
}

// Buyer is the executor slice the buy-side monitors need.
type Buyer interface {
	ExecTrade(ctx context.Context, p trading.ExecTradeParams) (string, error)
}
