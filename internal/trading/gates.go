package trading

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Process-wide executor gates. Bots run concurrently; these maps are the only
// coordination between them, so every map is mutex-guarded and bounded by a
// time-based sweep.

// IdempotencyGate deduplicates trade attempts inside a time bucket and caches
// the resulting txHash for the TTL.
type IdempotencyGate struct {
	mu      sync.Mutex
	keys    map[string]time.Time // key -> window expiry
	results map[string]idemResult
}

type idemResult struct {
	txHash string
	exp    time.Time
}

// NewIdempotencyGate creates an empty gate.
func NewIdempotencyGate() *IdempotencyGate {
	return &IdempotencyGate{
		keys:    make(map[string]time.Time),
		results: make(map[string]idemResult),
	}
}

// DeriveKey builds the deterministic attempt key:
// sha256(userId|walletId|strategy|mint|inAmount|floor(now_ms/30000)) hex.
func DeriveKey(userID, walletID, strategy, mint, inAmount string, now time.Time) string {
	bucket := now.UnixMilli() / 30_000
	payload := fmt.Sprintf("%s|%s|%s|%s|%s|%d", userID, walletID, strategy, mint, inAmount, bucket)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// Claim records the key for ttl. It returns claimed=false when the key is
// already inside its window, along with any cached txHash.
func (g *IdempotencyGate) Claim(key string, ttl time.Duration) (claimed bool, cachedTx string) {
	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if exp, ok := g.keys[key]; ok && now.Before(exp) {
		if res, ok := g.results[key]; ok && now.Before(res.exp) {
			return false, res.txHash
		}
		return false, ""
	}
	g.keys[key] = now.Add(ttl)
	return true, ""
}

// StoreResult caches a live txHash for the key.
func (g *IdempotencyGate) StoreResult(key, txHash string, ttl time.Duration) {
	g.mu.Lock()
	g.results[key] = idemResult{txHash: txHash, exp: time.Now().Add(ttl)}
	g.mu.Unlock()
}

// Release frees a claimed key after a failed attempt so a retry outside the
// failure is not suppressed by its own claim.
func (g *IdempotencyGate) Release(key string) {
	g.mu.Lock()
	delete(g.keys, key)
	g.mu.Unlock()
}

func (g *IdempotencyGate) sweep() {
	now := time.Now()
	g.mu.Lock()
	for k, exp := range g.keys {
		if now.After(exp) {
			delete(g.keys, k)
		}
	}
	for k, res := range g.results {
		if now.After(res.exp) {
			delete(g.results, k)
		}
	}
	g.mu.Unlock()
}

// CoolOffMap tracks per-mint failure timestamps for the short post-failure
// back-off.
type CoolOffMap struct {
	mu       sync.Mutex
	window   time.Duration
	failures map[string]time.Time
}

// NewCoolOffMap creates a map with the given back-off window.
func NewCoolOffMap(window time.Duration) *CoolOffMap {
	if window <= 0 {
		window = 7 * time.Second
	}
	return &CoolOffMap{window: window, failures: make(map[string]time.Time)}
}

// Set records a failure for mint now.
func (c *CoolOffMap) Set(mint string) {
	c.mu.Lock()
	c.failures[mint] = time.Now()
	c.mu.Unlock()
}

// Active reports whether mint is still cooling off.
func (c *CoolOffMap) Active(mint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.failures[mint]
	if !ok {
		return false
	}
	if time.Since(at) >= c.window {
		delete(c.failures, mint)
		return false
	}
	return true
}

func (c *CoolOffMap) sweep() {
	now := time.Now()
	c.mu.Lock()
	for mint, at := range c.failures {
		if now.Sub(at) >= c.window {
			delete(c.failures, mint)
		}
	}
	c.mu.Unlock()
}

// StartSweeps runs the 60s bound sweeps for both gates until ctx cancels.
func StartSweeps(ctx context.Context, idem *IdempotencyGate, coolOff *CoolOffMap) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				idem.sweep()
				coolOff.sweep()
			}
		}
	}()
}
