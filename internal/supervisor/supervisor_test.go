package supervisor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/health"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/strategy"
)

// The supervisor tests run real runtimes against empty market fakes; ticks
// scan nothing and execute nothing.

type emptyMarket struct{}

func (emptyMarket) NewListings(_ context.Context) ([]strategy.Candidate, error) {
	return nil, nil
}

func (emptyMarket) Snapshot(_ context.Context, _ string, _, _ time.Duration) (*strategy.Candidate, error) {
	return &strategy.Candidate{}, nil
}

type noopRepo struct{}

func (noopRepo) DailyVolumeUSD(_ context.Context, _ string, _ time.Time) (float64, error) {
	return 0, nil
}

func (noopRepo) OpenTradesByUser(_ context.Context, _, _ string) ([]*storage.Trade, error) {
	return nil, nil
}

func testDeps() strategy.Deps {
	return strategy.Deps{
		Repo:     noopRepo{},
		Market:   emptyMarket{},
		Health:   health.NewTracker(),
		Notifier: alert.Discard{},
	}
}

func sniperSpec() []byte {
	return []byte(`{"userId":"u1","walletId":"w1","interval":1,"entryThreshold":3}`)
}

func TestStartAndStatus(t *testing.T) {
	sup := New(context.Background(), testDeps(), "")
	defer sup.Shutdown(2 * time.Second)

	botID, err := sup.Start(context.Background(), strategy.ModeSniper, sniperSpec(), false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sts := sup.Status()
		if len(sts) == 1 && sts[0].State == "running" {
			if sts[0].BotID != botID || sts[0].Mode != strategy.ModeSniper {
				t.Fatalf("bad status %+v", sts[0])
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("bot never reached running state")
}

func TestStartRejectsUnknownMode(t *testing.T) {
	sup := New(context.Background(), testDeps(), "")
	defer sup.Shutdown(time.Second)

	if _, err := sup.Start(context.Background(), "nope", nil, false); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if len(sup.Status()) != 0 {
		t.Fatal("failed start must not register a handle")
	}
}

func TestStartMultiRollsBack(t *testing.T) {
	sup := New(context.Background(), testDeps(), "")
	defer sup.Shutdown(time.Second)

	_, err := sup.StartMulti(context.Background(), []BotSpec{
		{Mode: strategy.ModeSniper, Config: json.RawMessage(sniperSpec())},
		{Mode: "bogus", Config: nil},
	})
	if err == nil {
		t.Fatal("expected startMulti failure")
	}
	if len(sup.Status()) != 0 {
		t.Fatalf("rollback left %d bots registered", len(sup.Status()))
	}
}

func TestPauseResumeDelete(t *testing.T) {
	sup := New(context.Background(), testDeps(), "")
	defer sup.Shutdown(2 * time.Second)

	botID, err := sup.Start(context.Background(), strategy.ModeSniper, sniperSpec(), false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitState := func(want string) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			for _, st := range sup.Status() {
				if st.BotID == botID && st.State == want {
					return
				}
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("bot never reached %s", want)
	}

	waitState("running")
	if err := sup.Pause(botID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitState("paused")
	if err := sup.Resume(botID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitState("running")

	if err := sup.Delete(botID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(sup.Status()) != 0 {
		t.Fatal("deleted bot still registered")
	}
	if err := sup.Pause(botID); err == nil {
		t.Fatal("pause after delete must fail")
	}
}
