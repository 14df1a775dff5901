package health

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Metric is the per-tick health sample every bot emits. The supervisor keeps
// the latest sample per bot; the raw line also goes to the log stream as
// [HEALTH]{...} for external scrapers.
type Metric struct {
	BotID          string    `json:"botId"`
	LastTickAt     time.Time `json:"lastTickAt"`
	LoopDurationMs int64     `json:"loopDurationMs"`
	RestartCount   int       `json:"restartCount"`
	Status         string    `json:"status"`
}

// Tracker aggregates the latest metric per bot.
type Tracker struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{metrics: make(map[string]Metric)}
}

// Record stores the sample and emits the [HEALTH] line.
func (t *Tracker) Record(m Metric) {
	t.mu.Lock()
	t.metrics[m.BotID] = m
	t.mu.Unlock()

	line, err := json.Marshal(m)
	if err != nil {
		return
	}
	log.Debug().RawJSON("health", line).Msg("[HEALTH]")
}

// Get returns the latest sample for a bot.
func (t *Tracker) Get(botID string) (Metric, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[botID]
	return m, ok
}

// Snapshot returns a copy of all samples.
func (t *Tracker) Snapshot() map[string]Metric {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Metric, len(t.metrics))
	for k, v := range t.metrics {
		out[k] = v
	}
	return out
}

// Forget drops a bot's sample after deletion.
func (t *Tracker) Forget(botID string) {
	t.mu.Lock()
	delete(t.metrics, botID)
	t.mu.Unlock()
}

// LastTickAge returns time since the bot's last tick, or -1 if unknown.
func (t *Tracker) LastTickAge(botID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.metrics[botID]
	if !ok {
		return -1
	}
	return time.Since(m.LastTickAt)
}
