package blockchain

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// BlockhashCache keeps a recent blockhash warm for the transfer paths. Swap
// transactions get their blockhash from the aggregator, so the only local
// consumers are the stealth sweeps; a single refreshed slot with synchronous
// fetch-through on staleness is enough, and readers that race a stale slot
// share one refresh instead of stampeding the RPC.
type BlockhashCache struct {
	rpc      *RPCClient
	ttl      time.Duration
	interval time.Duration

	mu        sync.Mutex
	hash      string
	height    uint64
	fetchedAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBlockhashCache creates a cache refreshed every interval, serving entries
// up to ttl old.
func NewBlockhashCache(rpc *RPCClient, interval, ttl time.Duration) *BlockhashCache {
	return &BlockhashCache{
		rpc:      rpc,
		interval: interval,
		ttl:      ttl,
		stopCh:   make(chan struct{}),
	}
}

// Start performs the initial fetch (which must succeed) and begins the
// background refresh loop.
func (c *BlockhashCache) Start() error {
	if err := c.refresh(); err != nil {
		return err
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.refresh(); err != nil {
					log.Warn().Err(err).Msg("blockhash refresh failed")
				}
			}
		}
	}()

	log.Info().Dur("interval", c.interval).Dur("ttl", c.ttl).Msg("blockhash cache started")
	return nil
}

// Stop halts the refresh loop.
func (c *BlockhashCache) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

// Get returns a blockhash no older than the ttl, fetching through on a stale
// slot.
func (c *BlockhashCache) Get() (string, error) {
	hash, _, err := c.GetWithHeight()
	return hash, err
}

// GetWithHeight returns the blockhash and its last valid block height.
func (c *BlockhashCache) GetWithHeight() (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.fetchedAt) < c.ttl {
		return c.hash, c.height, nil
	}

	// Stale; the lock is held across the fetch so concurrent readers wait on
	// this one refresh rather than each issuing their own.
	if err := c.fetchLocked(); err != nil {
		return "", 0, err
	}
	return c.hash, c.height, nil
}

func (c *BlockhashCache) refresh() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchLocked()
}

// fetchLocked fetches and stores a fresh blockhash. Caller holds c.mu.
func (c *BlockhashCache) fetchLocked() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	hash, height, err := c.rpc.LatestBlockhash(ctx)
	if err != nil {
		return err
	}

	c.hash = hash
	c.height = height
	c.fetchedAt = time.Now()
	return nil
}
