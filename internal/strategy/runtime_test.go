package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/health"
	"solana-trade-engine/internal/safety"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/trading"
)

type fakeExec struct {
	mu        sync.Mutex
	calls     []trading.ExecTradeParams
	err       error
	simulated atomic.Int32
}

func (f *fakeExec) ExecTrade(_ context.Context, p trading.ExecTradeParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, p)
	if p.Simulated {
		f.simulated.Add(1)
		return "sim-test", nil
	}
	return "SIG", nil
}

func (f *fakeExec) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeQuotes struct{}

func (fakeQuotes) GetQuote(_ context.Context, p aggregator.QuoteParams) (*aggregator.Quote, error) {
	return &aggregator.Quote{
		InputMint:      p.InputMint,
		OutputMint:     p.OutputMint,
		InAmount:       "10000000",
		OutAmount:      "900000000000",
		PriceImpactPct: "0.2",
	}, nil
}

type fakeSafety struct {
	pass bool
}

func (f *fakeSafety) Evaluate(_ context.Context, _ string, _ safety.Flags) *safety.Verdict {
	return &safety.Verdict{Passed: f.pass, Checks: []safety.CheckResult{{Key: "liquidity", Passed: f.pass}}}
}

type fakeRepo struct{}

func (fakeRepo) DailyVolumeUSD(_ context.Context, _ string, _ time.Time) (float64, error) {
	return 0, nil
}

func (fakeRepo) OpenTradesByUser(_ context.Context, _, _ string) ([]*storage.Trade, error) {
	return nil, nil
}

type fakeMarket struct {
	listings []Candidate
	err      error
}

func (f *fakeMarket) NewListings(_ context.Context) ([]Candidate, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.listings, nil
}

func (f *fakeMarket) Snapshot(_ context.Context, mint string, _, _ time.Duration) (*Candidate, error) {
	for _, c := range f.listings {
		if c.Mint == mint {
			return &c, nil
		}
	}
	return nil, errors.New("unknown mint")
}

func testDeps(exec *fakeExec, market MarketData) Deps {
	return Deps{
		Executor: exec,
		Quotes:   fakeQuotes{},
		Safety:   &fakeSafety{pass: true},
		Repo:     fakeRepo{},
		Market:   market,
		Health:   health.NewTracker(),
		Notifier: alert.Discard{},
	}
}

func sniperConfig() *SniperConfig {
	cfg, _ := ParseConfig(ModeSniper, []byte(`{
		"userId": "u1", "walletId": "w1",
		"interval": 1, "maxTrades": 1, "dryRun": true,
		"amountToSpend": 0.01,
		"entryThreshold": 3, "volumeThreshold": 50000
	}`))
	return cfg.(*SniperConfig)
}

func TestSniperDryRunStopsAtMaxTrades(t *testing.T) {
	exec := &fakeExec{}
	market := &fakeMarket{listings: []Candidate{
		{Mint: "FRESH", AgeMinutes: 2, PriceChangePct: 8, VolumeUSD: 90000, PriceUSD: 0.001},
	}}

	cfg := sniperConfig()
	strat, err := NewStrategy(cfg)
	if err != nil {
		t.Fatalf("strategy: %v", err)
	}
	rt := NewRuntime("bot-1", cfg, strat, testDeps(exec, market))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := rt.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if rt.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", rt.State())
	}
	if rt.TradesExecuted() != 1 {
		t.Fatalf("expected 1 trade, got %d", rt.TradesExecuted())
	}
	if exec.simulated.Load() != 1 {
		t.Fatal("dry run must route through the simulated path")
	}
	if exec.calls[0].Meta.Strategy != ModeSniper {
		t.Fatalf("wrong strategy tag %q", exec.calls[0].Meta.Strategy)
	}
}

func TestThresholdsFilterCandidates(t *testing.T) {
	exec := &fakeExec{}
	market := &fakeMarket{listings: []Candidate{
		{Mint: "WEAK", AgeMinutes: 2, PriceChangePct: 1, VolumeUSD: 90000},   // below entry
		{Mint: "THIN", AgeMinutes: 2, PriceChangePct: 9, VolumeUSD: 1000},   // below volume
		{Mint: "OLD", AgeMinutes: 600, PriceChangePct: 9, VolumeUSD: 90000}, // too old
	}}

	cfg := sniperConfig()
	cfg.MaxTokenAgeMin = 60
	strat, _ := NewStrategy(cfg)
	rt := NewRuntime("bot-2", cfg, strat, testDeps(exec, market))
	rt.state.Store(int32(StateRunning))

	if err := strat.Tick(context.Background(), rt); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if exec.callCount() != 0 {
		t.Fatalf("no candidate should pass, got %d executions", exec.callCount())
	}
}

func TestSafetyFailureSkipsWithoutError(t *testing.T) {
	exec := &fakeExec{}
	market := &fakeMarket{listings: []Candidate{
		{Mint: "RISKY", AgeMinutes: 1, PriceChangePct: 10, VolumeUSD: 90000},
	}}

	cfg := sniperConfig()
	strat, _ := NewStrategy(cfg)
	deps := testDeps(exec, market)
	deps.Safety = &fakeSafety{pass: false}
	rt := NewRuntime("bot-3", cfg, strat, deps)
	rt.state.Store(int32(StateRunning))

	if err := strat.Tick(context.Background(), rt); err != nil {
		t.Fatalf("safety skip must not error: %v", err)
	}
	if exec.callCount() != 0 {
		t.Fatal("safety-failed candidate must not execute")
	}
}

func TestHaltOnConsecutiveFailures(t *testing.T) {
	exec := &fakeExec{}
	market := &fakeMarket{err: errors.New("listings feed down")}

	cfg := sniperConfig()
	cfg.MaxTrades = 0
	cfg.HaltOnFailures = 2
	strat, _ := NewStrategy(cfg)
	rt := NewRuntime("bot-4", cfg, strat, testDeps(exec, market))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := rt.Run(ctx)
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if rt.State() != StateCrashed {
		t.Fatalf("expected crashed, got %s", rt.State())
	}
}

func TestPauseSkipsTicks(t *testing.T) {
	exec := &fakeExec{}
	market := &fakeMarket{listings: []Candidate{
		{Mint: "M", AgeMinutes: 1, PriceChangePct: 10, VolumeUSD: 90000},
	}}

	cfg := sniperConfig()
	cfg.MaxTrades = 0
	strat, _ := NewStrategy(cfg)
	rt := NewRuntime("bot-5", cfg, strat, testDeps(exec, market))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(1500 * time.Millisecond)
	rt.Pause()
	if rt.State() != StatePaused {
		t.Fatalf("expected paused, got %s", rt.State())
	}
	countAtPause := exec.callCount()

	time.Sleep(2 * time.Second)
	// The fake executor has no duplicate guard and the cooldown lasts one
	// interval, so a tick that ran while paused would add an executor call.
	if exec.callCount() != countAtPause {
		t.Fatal("paused bot must not execute")
	}

	rt.Resume()
	if rt.State() != StateRunning {
		t.Fatalf("expected running, got %s", rt.State())
	}

	rt.Stop()
	cancel()
	<-done
}

func TestPaperResolve(t *testing.T) {
	raw := []byte(`{
		"userId": "u1", "walletId": "w1", "interval": 1,
		"wrapMode": "sniper",
		"wrapConfig": {"userId": "u1", "walletId": "w1", "interval": 1, "entryThreshold": 3}
	}`)
	cfg, err := ParseConfig(ModePaper, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	resolved, err := Resolve(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Mode() != ModeSniper {
		t.Fatalf("expected sniper, got %s", resolved.Mode())
	}
	if !resolved.Common().DryRun {
		t.Fatal("paper trader must force dryRun")
	}
	if _, err := NewStrategy(resolved); err != nil {
		t.Fatalf("strategy for resolved paper config: %v", err)
	}
}
