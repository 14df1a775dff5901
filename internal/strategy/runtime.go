package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/health"
	"solana-trade-engine/internal/safety"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/trading"
)

// Bot lifecycle states.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StatePaused
	StateStopping
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	}
	return "unknown"
}

// TradeExecutor is the slice of the trading core a bot needs.
type TradeExecutor interface {
	ExecTrade(ctx context.Context, p trading.ExecTradeParams) (string, error)
}

// SafetyEvaluator runs the pre-trade check suite.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, mint string, flags safety.Flags) *safety.Verdict
}

// PortfolioReader is the repository slice for volume caps and portfolio scans.
type PortfolioReader interface {
	DailyVolumeUSD(ctx context.Context, userID string, since time.Time) (float64, error)
	OpenTradesByUser(ctx context.Context, userID, walletID string) ([]*storage.Trade, error)
}

// Candidate is one scannable token with its market snapshot.
type Candidate struct {
	Mint           string
	AgeMinutes     float64
	PriceChangePct float64
	VolumeUSD      float64
	// VolumeMultiple is window volume over the prior window's (spike factor).
	VolumeMultiple float64
	PriceUSD       float64
}

// MarketData feeds strategies their scan universe.
type MarketData interface {
	// NewListings returns recently listed tokens (sniper universe).
	NewListings(ctx context.Context) ([]Candidate, error)
	// Snapshot returns one mint's market view over the given windows.
	Snapshot(ctx context.Context, mint string, priceWindow, volumeWindow time.Duration) (*Candidate, error)
}

// Strategy is one mode's per-tick scan logic.
type Strategy interface {
	Tick(ctx context.Context, rt *Runtime) error
}

// QuoteSource fetches aggregator quotes for the guard pipeline.
type QuoteSource interface {
	GetQuote(ctx context.Context, p aggregator.QuoteParams) (*aggregator.Quote, error)
}

// Deps bundles the capabilities shared by every runtime. Reducer and
// Forwarder are only needed by sell-side and stealth modes.
type Deps struct {
	Executor  TradeExecutor
	Quotes    QuoteSource
	Safety    SafetyEvaluator
	Repo      PortfolioReader
	Market    MarketData
	Health    *health.Tracker
	Notifier  alert.Notifier
	Reducer   PositionReducer
	Forwarder Forwarder
}

// Runtime is one supervised bot instance. Ticks are serialised; the only
// cross-bot state lives behind the executor's gates and the repository.
type Runtime struct {
	BotID  string
	cfg    Config
	strat  Strategy
	deps   Deps
	logger zerolog.Logger

	state          atomic.Int32
	startedAt      time.Time
	lastTickAt     atomic.Int64 // unix nanos
	loopDurationMs atomic.Int64
	restartCount   atomic.Int32
	tradesExecuted atomic.Int32
	errorCount     atomic.Int32

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time
}

// ErrHalted is returned by Run when consecutive failures hit the halt limit.
var ErrHalted = errors.New("strategy halted: error-limit")

// NewRuntime builds a runtime for a parsed config and its mode strategy.
func NewRuntime(botID string, cfg Config, strat Strategy, deps Deps) *Runtime {
	rt := &Runtime{
		BotID:    botID,
		cfg:      cfg,
		strat:    strat,
		deps:     deps,
		cooldown: make(map[string]time.Time),
		logger:   log.With().Str("botId", botID).Str("mode", cfg.Mode()).Logger(),
	}
	rt.state.Store(int32(StateStarting))
	return rt
}

// Config returns the bot's parsed config.
func (rt *Runtime) Config() Config { return rt.cfg }

// State returns the current lifecycle state.
func (rt *Runtime) State() State { return State(rt.state.Load()) }

// Pause requests a cooperative pause at the next tick boundary.
func (rt *Runtime) Pause() {
	rt.state.CompareAndSwap(int32(StateRunning), int32(StatePaused))
}

// Resume continues a paused bot.
func (rt *Runtime) Resume() {
	rt.state.CompareAndSwap(int32(StatePaused), int32(StateRunning))
}

// Stop requests a cooperative stop.
func (rt *Runtime) Stop() {
	s := rt.State()
	if s == StateRunning || s == StatePaused || s == StateStarting {
		rt.state.Store(int32(StateStopping))
	}
}

// TradesExecuted returns the bot's executed-trade count.
func (rt *Runtime) TradesExecuted() int { return int(rt.tradesExecuted.Load()) }

// RestartCount returns how many times the supervisor restarted this bot.
func (rt *Runtime) RestartCount() int { return int(rt.restartCount.Load()) }

// MarkRestarted increments the restart counter (supervisor only).
func (rt *Runtime) MarkRestarted() { rt.restartCount.Add(1) }

// SetRestartCount carries the restart counter into a respawned runtime.
func (rt *Runtime) SetRestartCount(n int) { rt.restartCount.Store(int32(n)) }

// StartedAt returns the bot's start time.
func (rt *Runtime) StartedAt() time.Time { return rt.startedAt }

// LastTickAt returns the time of the last completed tick.
func (rt *Runtime) LastTickAt() time.Time {
	ns := rt.lastTickAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LoopDurationMs returns the last tick's duration.
func (rt *Runtime) LoopDurationMs() int64 { return rt.loopDurationMs.Load() }

// Run drives the tick loop until the context is cancelled, the bot is
// stopped, the trade cap is hit, or the failure limit halts it.
func (rt *Runtime) Run(ctx context.Context) error {
	common := rt.cfg.Common()
	rt.startedAt = time.Now()
	rt.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	rt.logger.Info().Int("interval", common.Interval).Msg("bot started")

	ticker := time.NewTicker(time.Duration(common.Interval) * time.Second)
	defer ticker.Stop()

	consecFailures := 0

	for {
		select {
		case <-ctx.Done():
			rt.state.Store(int32(StateStopped))
			rt.logger.Info().Msg("bot stopped: context cancelled")
			return nil
		case <-ticker.C:
		}

		switch rt.State() {
		case StatePaused:
			rt.emitHealth()
			continue
		case StateStopping:
			rt.state.Store(int32(StateStopped))
			rt.logger.Info().Msg("bot stopped")
			return nil
		case StateRunning:
		default:
			continue
		}

		tickStart := time.Now()
		err := rt.strat.Tick(ctx, rt)
		rt.lastTickAt.Store(tickStart.UnixNano())
		rt.loopDurationMs.Store(time.Since(tickStart).Milliseconds())
		rt.emitHealth()

		if err != nil {
			rt.errorCount.Add(1)
			consecFailures++
			rt.logger.Warn().Err(err).Int("consecutive", consecFailures).Str("code", trading.Code(err)).Msg("tick failed")

			if consecFailures >= common.HaltOnFailures {
				rt.state.Store(int32(StateCrashed))
				rt.logger.Error().Int("failures", consecFailures).Msg("bot crashed: error-limit")
				return fmt.Errorf("%w after %d failures", ErrHalted, consecFailures)
			}
			continue
		}
		consecFailures = 0

		if common.MaxTrades > 0 && rt.TradesExecuted() >= common.MaxTrades {
			rt.state.Store(int32(StateStopped))
			rt.logger.Info().
				Int("trades", rt.TradesExecuted()).
				Msg("bot stopped: max-trades reached")
			rt.deps.Notifier.Notify(alert.Alert{
				UserID:   common.UserID,
				Category: "bot-summary",
				Strategy: rt.cfg.Mode(),
				Message:  fmt.Sprintf("max-trades reached (%d)", rt.TradesExecuted()),
			})
			return nil
		}
	}
}

func (rt *Runtime) emitHealth() {
	if rt.deps.Health == nil {
		return
	}
	rt.deps.Health.Record(health.Metric{
		BotID:          rt.BotID,
		LastTickAt:     rt.LastTickAt(),
		LoopDurationMs: rt.LoopDurationMs(),
		RestartCount:   rt.RestartCount(),
		Status:         rt.State().String(),
	})
}

// onCooldown records and checks the per-mint scan cooldown (guard 1).
func (rt *Runtime) onCooldown(mint string, interval time.Duration) bool {
	now := time.Now()
	rt.cooldownMu.Lock()
	defer rt.cooldownMu.Unlock()

	if last, ok := rt.cooldown[mint]; ok && now.Sub(last) < interval {
		return true
	}
	rt.cooldown[mint] = now
	return false
}

func (rt *Runtime) safetyFlags() safety.Flags {
	common := rt.cfg.Common()
	flags := safety.DefaultFlags()
	if len(common.SafetyChecks) == 0 {
		return flags
	}
	if v, ok := common.SafetyChecks["simulation"]; ok {
		flags.Simulation = v
	}
	if v, ok := common.SafetyChecks["liquidity"]; ok {
		flags.Liquidity = v
	}
	if v, ok := common.SafetyChecks["authority"]; ok {
		flags.Authority = v
	}
	if v, ok := common.SafetyChecks["topHolders"]; ok {
		flags.TopHolders = v
	}
	if v, ok := common.SafetyChecks["verified"]; ok {
		flags.Verified = v
	}
	return flags
}
