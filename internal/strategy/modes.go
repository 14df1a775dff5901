package strategy

import (
	"context"
	"fmt"
	"time"
)

// Resolve unwraps paper-trader configs into their wrapped mode with dry-run
// forced; every other config passes through.
func Resolve(cfg Config) (Config, error) {
	p, ok := cfg.(*PaperConfig)
	if !ok {
		return cfg, nil
	}
	inner, err := ParseConfig(p.WrapMode, p.WrapConfig)
	if err != nil {
		return nil, fmt.Errorf("paper trader wrap: %w", err)
	}
	if inner.Common().UserID == "" {
		*inner.Common() = p.CommonConfig
	}
	inner.Common().DryRun = true
	return inner, nil
}

// NewStrategy builds the tick implementation for a resolved config.
func NewStrategy(cfg Config) (Strategy, error) {
	switch c := cfg.(type) {
	case *SniperConfig:
		return &sniperBot{cfg: c}, nil
	case *ScalperConfig:
		return &watchlistBot{
			mints:       c.Mints,
			entryPct:    c.EntryThreshold,
			volumeUSD:   c.VolumeThreshold,
			priceWindow: minutes(c.PriceWindowMin, 5),
			volWindow:   minutes(c.VolumeWindowMin, 15),
		}, nil
	case *BreakoutConfig:
		return &watchlistBot{
			mints:       c.Mints,
			entryPct:    c.BreakoutPct,
			volumeUSD:   0,
			volumeMult:  c.VolumeSpikeMult,
			priceWindow: minutes(c.PriceWindowMin, 60),
			volWindow:   minutes(c.VolumeWindowMin, 60),
			upOnly:      true,
		}, nil
	case *TrendConfig:
		return &watchlistBot{
			mints:       c.Mints,
			entryPct:    c.TrendPct,
			priceWindow: minutes(c.PriceWindowMin, 240),
			upOnly:      true,
		}, nil
	case *DipConfig:
		return &watchlistBot{
			mints:       c.Mints,
			entryPct:    c.DipPct,
			priceWindow: minutes(c.PriceWindowMin, 60),
			downOnly:    true,
		}, nil
	case *ChadConfig:
		return &watchlistBot{
			mints:       c.Mints,
			entryPct:    c.MinMovePct,
			priceWindow: minutes(c.PriceWindowMin, 15),
			upOnly:      true,
		}, nil
	case *StealthConfig:
		return newStealthBot(c), nil
	case *RebalancerConfig:
		return &rebalancerBot{cfg: c}, nil
	case *RotationConfig:
		return &rotationBot{cfg: c}, nil
	case *PaperConfig:
		return nil, fmt.Errorf("paper config must be resolved before NewStrategy")
	default:
		return nil, fmt.Errorf("no strategy for mode %q", cfg.Mode())
	}
}

func minutes(m, def int) time.Duration {
	if m <= 0 {
		m = def
	}
	return time.Duration(m) * time.Minute
}

// sniperBot scans the new-listings feed and fires on fresh tokens passing
// the entry and volume thresholds.
type sniperBot struct {
	cfg *SniperConfig
}

func (s *sniperBot) Tick(ctx context.Context, rt *Runtime) error {
	listings, err := rt.deps.Market.NewListings(ctx)
	if err != nil {
		return fmt.Errorf("listings feed: %w", err)
	}

	var limitPred func(Candidate) bool
	if s.cfg.LimitUSD > 0 {
		limit := s.cfg.LimitUSD
		limitPred = func(c Candidate) bool { return c.PriceUSD <= limit }
	}

	for _, c := range listings {
		if _, err := rt.TryEnter(ctx, c, GuardParams{
			EntryThresholdPct:  s.cfg.EntryThreshold,
			VolumeThresholdUSD: s.cfg.VolumeThreshold,
			LimitPred:          limitPred,
		}); err != nil {
			return err
		}
		if rt.State() != StateRunning {
			return nil
		}
		if max := s.cfg.MaxTrades; max > 0 && rt.TradesExecuted() >= max {
			return nil
		}
	}
	return nil
}

// watchlistBot covers the scalper/breakout/trend/dip/chad family: a fixed
// mint set scanned against short-window price and volume changes.
type watchlistBot struct {
	mints       []string
	entryPct    float64
	volumeUSD   float64
	volumeMult  float64
	priceWindow time.Duration
	volWindow   time.Duration
	upOnly      bool
	downOnly    bool
}

func (w *watchlistBot) Tick(ctx context.Context, rt *Runtime) error {
	for _, mint := range w.mints {
		snap, err := rt.deps.Market.Snapshot(ctx, mint, w.priceWindow, w.volWindow)
		if err != nil {
			rt.logger.Debug().Err(err).Str("mint", mint).Msg("snapshot unavailable")
			continue
		}

		if w.upOnly && snap.PriceChangePct <= 0 {
			continue
		}
		if w.downOnly && snap.PriceChangePct >= 0 {
			continue
		}

		if w.volumeMult > 0 && snap.VolumeMultiple < w.volumeMult {
			continue
		}

		if _, err := rt.TryEnter(ctx, *snap, GuardParams{
			EntryThresholdPct:  w.entryPct,
			VolumeThresholdUSD: w.volumeUSD,
		}); err != nil {
			return err
		}
		if rt.State() != StateRunning {
			return nil
		}
	}
	return nil
}
