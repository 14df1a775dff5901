package rpcpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func delayedSender(sig string, err error, delay time.Duration) SendFunc {
	return func(ctx context.Context, raw string) (string, error) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		return sig, err
	}
}

func TestQuorumHappyPath(t *testing.T) {
	urls := []string{"http://a", "http://b", "http://c"}
	pool := NewWithSenders(urls, []SendFunc{
		delayedSender("S1", nil, 20*time.Millisecond),
		delayedSender("", errors.New("Transaction already processed"), 30*time.Millisecond),
		delayedSender("", errors.New("other failure"), 40*time.Millisecond),
	})

	sig, err := pool.SendRawTransactionQuorum(context.Background(), "rawtx", Options{
		Quorum:                    2,
		MaxFanout:                 3,
		StaggerMs:                 1,
		Timeout:                   2 * time.Second,
		TreatAlreadyProcessedAsOk: true,
	})
	if err != nil {
		t.Fatalf("quorum send: %v", err)
	}
	if sig != "S1" {
		t.Fatalf("expected first base58 signature S1, got %q", sig)
	}
}

func TestQuorumFailsWhenMajorityErrors(t *testing.T) {
	urls := []string{"http://a", "http://b", "http://c"}
	pool := NewWithSenders(urls, []SendFunc{
		delayedSender("", errors.New("boom"), 5*time.Millisecond),
		delayedSender("", errors.New("bang"), 5*time.Millisecond),
		delayedSender("S1", nil, 50*time.Millisecond),
	})

	_, err := pool.SendRawTransactionQuorum(context.Background(), "rawtx", Options{
		Quorum:    2,
		MaxFanout: 3,
		StaggerMs: 1,
		Timeout:   2 * time.Second,
	})
	if err == nil {
		t.Fatal("expected quorum failure")
	}
	var qerr *QuorumError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected QuorumError, got %T", err)
	}
}

func TestSigHintFallback(t *testing.T) {
	pool := NewWithSenders([]string{"http://a"}, []SendFunc{
		delayedSender("", nil, time.Millisecond), // opaque ack
	})

	sig, err := pool.SendRawTransactionQuorum(context.Background(), "rawtx", Options{
		Quorum: 1, StaggerMs: 1, Timeout: time.Second, SigHint: "HINT58",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sig != "HINT58" {
		t.Fatalf("expected sig hint, got %q", sig)
	}
}

func TestSentinelWhenNoSigAnywhere(t *testing.T) {
	pool := NewWithSenders([]string{"http://a"}, []SendFunc{
		delayedSender("", nil, time.Millisecond),
	})

	sig, err := pool.SendRawTransactionQuorum(context.Background(), "rawtx", Options{
		Quorum: 1, StaggerMs: 1, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sig != SentinelOK {
		t.Fatalf("expected sentinel, got %q", sig)
	}
}

func TestDeadlineResolvesWithPartialSuccess(t *testing.T) {
	pool := NewWithSenders([]string{"http://a", "http://b"}, []SendFunc{
		delayedSender("S1", nil, 10*time.Millisecond),
		delayedSender("S2", nil, 5*time.Second), // never finishes in time
	})

	start := time.Now()
	sig, err := pool.SendRawTransactionQuorum(context.Background(), "rawtx", Options{
		Quorum: 2, StaggerMs: 1, Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("expected partial-success resolution, got %v", err)
	}
	if sig != "S1" {
		t.Fatalf("expected S1, got %q", sig)
	}
	if time.Since(start) > time.Second {
		t.Fatal("deadline not honoured")
	}
}

func TestRoundRobinGet(t *testing.T) {
	pool := New([]string{"http://a", "http://b"})
	first := pool.Get()
	second := pool.Get()
	third := pool.Get()
	if first == nil || second == nil || third == nil {
		t.Fatal("Get returned nil on non-empty pool")
	}
	if first.URL == second.URL {
		t.Fatal("round robin did not advance")
	}
	if first.URL != third.URL {
		t.Fatal("round robin did not wrap")
	}

	empty := New(nil)
	if empty.Get() != nil {
		t.Fatal("Get on empty pool must return nil")
	}
}

func TestEndpointCounters(t *testing.T) {
	var calls atomic.Int64
	pool := NewWithSenders([]string{"http://a", "http://b"}, []SendFunc{
		func(ctx context.Context, raw string) (string, error) {
			calls.Add(1)
			return "S1", nil
		},
		func(ctx context.Context, raw string) (string, error) {
			calls.Add(1)
			return "", errors.New("down")
		},
	})

	_, err := pool.SendRawTransactionQuorum(context.Background(), "rawtx", Options{
		Quorum: 1, MaxFanout: 2, StaggerMs: 1, Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Both sends may or may not complete before resolution; wait for them.
	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	var succ, errs int64
	for _, ep := range pool.Endpoints() {
		succ += ep.Successes()
		errs += ep.Errors()
	}
	if succ < 1 {
		t.Fatalf("expected at least one success recorded, got %d", succ)
	}
}
