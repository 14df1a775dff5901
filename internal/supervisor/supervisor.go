package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/health"
	"solana-trade-engine/internal/strategy"
)

// Supervisor owns every running bot: spawn, lifecycle transitions, crash
// capture and bounded-backoff auto-restart.
type Supervisor struct {
	deps     strategy.Deps
	health   *health.Tracker
	crashDir string

	mu   sync.Mutex
	bots map[string]*BotHandle
	seq  atomic.Int64

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// BotHandle is the registry entry for one bot instance.
type BotHandle struct {
	ID          string
	Mode        string
	UserID      string
	AutoRestart bool
	StartedAt   time.Time

	rt     *strategy.Runtime
	cfg    strategy.Config
	cancel context.CancelFunc

	mu       sync.Mutex
	restarts int
	lastErr  string
}

// BotStatus is the external view of a bot.
type BotStatus struct {
	BotID          string    `json:"botId"`
	Mode           string    `json:"mode"`
	UserID         string    `json:"userId"`
	State          string    `json:"state"`
	StartedAt      time.Time `json:"startedAt"`
	LastTickAt     time.Time `json:"lastTickAt,omitempty"`
	LastTickAgeMs  int64     `json:"lastTickAgeMs,omitempty"`
	LoopDurationMs int64     `json:"loopDurationMs"`
	RestartCount   int       `json:"restartCount"`
	TradesExecuted int       `json:"tradesExecuted"`
	LastError      string    `json:"lastError,omitempty"`
}

// New creates a supervisor rooted in ctx. Crash artifacts go to crashDir.
func New(ctx context.Context, deps strategy.Deps, crashDir string) *Supervisor {
	root, cancel := context.WithCancel(ctx)
	return &Supervisor{
		deps:     deps,
		health:   deps.Health,
		crashDir: crashDir,
		bots:     make(map[string]*BotHandle),
		root:     root,
		cancel:   cancel,
	}
}

// Start parses the config, spawns the runtime under crash capture and
// registers the handle. Returns the new botId.
func (s *Supervisor) Start(_ context.Context, mode string, rawConfig []byte, autoRestart bool) (string, error) {
	cfg, err := strategy.ParseConfig(mode, rawConfig)
	if err != nil {
		return "", err
	}
	cfg, err = strategy.Resolve(cfg)
	if err != nil {
		return "", err
	}
	if _, err := strategy.NewStrategy(cfg); err != nil {
		return "", err
	}

	botID := fmt.Sprintf("%s-%d", cfg.Mode(), s.seq.Add(1))
	botCtx, botCancel := context.WithCancel(s.root)

	handle := &BotHandle{
		ID:          botID,
		Mode:        cfg.Mode(),
		UserID:      cfg.Common().UserID,
		AutoRestart: autoRestart,
		StartedAt:   time.Now(),
		cfg:         cfg,
		cancel:      botCancel,
	}

	s.mu.Lock()
	s.bots[botID] = handle
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runWithRestarts(botCtx, handle)

	log.Info().Str("botId", botID).Str("mode", cfg.Mode()).Bool("autoRestart", autoRestart).Msg("bot spawned")
	return botID, nil
}

// StartMulti starts bots as an atomic list: any failure rolls back the ones
// already started.
func (s *Supervisor) StartMulti(ctx context.Context, specs []BotSpec) ([]string, error) {
	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id, err := s.Start(ctx, spec.Mode, spec.Config, spec.AutoRestart)
		if err != nil {
			for _, started := range ids {
				_ = s.Delete(started)
			}
			return nil, fmt.Errorf("startMulti %s: %w", spec.Mode, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// BotSpec is one StartMulti entry.
type BotSpec struct {
	Mode        string          `json:"mode"`
	Config      json.RawMessage `json:"config"`
	AutoRestart bool            `json:"autoRestart"`
}

func (s *Supervisor) runWithRestarts(ctx context.Context, handle *BotHandle) {
	defer s.wg.Done()

	boff := &backoff.Backoff{Min: time.Second, Max: 2 * time.Minute, Factor: 2, Jitter: true}

	for {
		strat, err := strategy.NewStrategy(handle.cfg)
		if err != nil {
			s.recordCrash(handle, err, nil)
			return
		}
		rt := strategy.NewRuntime(handle.ID, handle.cfg, strat, s.deps)
		handle.mu.Lock()
		rt.SetRestartCount(handle.restarts)
		handle.rt = rt
		handle.mu.Unlock()

		runErr := s.runIsolated(ctx, rt)

		if ctx.Err() != nil || runErr == nil {
			// Clean stop (max-trades, delete, shutdown).
			return
		}

		s.recordCrash(handle, runErr, nil)
		if !handle.AutoRestart {
			return
		}

		delay := boff.Duration()
		handle.mu.Lock()
		handle.restarts++
		handle.mu.Unlock()
		log.Warn().
			Str("botId", handle.ID).
			Dur("backoff", delay).
			Int("restart", handle.restarts).
			Msg("bot restarting after crash")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runIsolated is the isolation boundary: panics become errors.
func (s *Supervisor) runIsolated(ctx context.Context, rt *strategy.Runtime) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.writeCrashArtifact(rt.BotID, fmt.Sprint(r), debug.Stack())
		}
	}()
	return rt.Run(ctx)
}

func (s *Supervisor) recordCrash(handle *BotHandle, err error, stack []byte) {
	handle.mu.Lock()
	handle.lastErr = err.Error()
	handle.mu.Unlock()

	log.Error().Str("botId", handle.ID).Err(err).Msg("bot crashed")
	if stack == nil {
		stack = debug.Stack()
	}
	s.writeCrashArtifact(handle.ID, err.Error(), stack)
}

// crashArtifact is the on-disk crash record.
type crashArtifact struct {
	Event       string    `json:"event"`
	BotID       string    `json:"botId"`
	Message     string    `json:"message"`
	Stack       string    `json:"stack"`
	ModuleTrail []string  `json:"moduleTrail"`
	At          time.Time `json:"at"`
}

func (s *Supervisor) writeCrashArtifact(botID, message string, stack []byte) {
	if s.crashDir == "" {
		return
	}
	if err := os.MkdirAll(s.crashDir, 0o755); err != nil {
		return
	}
	artifact := crashArtifact{
		Event:       "bot-crash",
		BotID:       botID,
		Message:     message,
		Stack:       string(stack),
		ModuleTrail: []string{"supervisor", "strategy", botID},
		At:          time.Now(),
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(s.crashDir, fmt.Sprintf("crash-%s-%d.json", botID, time.Now().Unix()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("crash artifact write failed")
	}
}

func (s *Supervisor) handle(botID string) *BotHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bots[botID]
}

// Pause transitions a bot to paused at its next tick boundary.
func (s *Supervisor) Pause(botID string) error {
	h := s.handle(botID)
	if h == nil {
		return fmt.Errorf("unknown bot %s", botID)
	}
	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	if rt != nil {
		rt.Pause()
	}
	return nil
}

// Resume continues a paused bot.
func (s *Supervisor) Resume(botID string) error {
	h := s.handle(botID)
	if h == nil {
		return fmt.Errorf("unknown bot %s", botID)
	}
	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	if rt != nil {
		rt.Resume()
	}
	return nil
}

// Delete stops a bot, releases its resources and removes the handle.
func (s *Supervisor) Delete(botID string) error {
	s.mu.Lock()
	h := s.bots[botID]
	delete(s.bots, botID)
	s.mu.Unlock()
	if h == nil {
		return fmt.Errorf("unknown bot %s", botID)
	}

	h.mu.Lock()
	rt := h.rt
	h.mu.Unlock()
	if rt != nil {
		rt.Stop()
	}
	h.cancel()
	if s.health != nil {
		s.health.Forget(botID)
	}
	log.Info().Str("botId", botID).Msg("bot deleted")
	return nil
}

// Status returns the registry view.
func (s *Supervisor) Status() []BotStatus {
	s.mu.Lock()
	handles := make([]*BotHandle, 0, len(s.bots))
	for _, h := range s.bots {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	out := make([]BotStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.status())
	}
	return out
}

// DetailedStatus adds last-tick age per bot.
func (s *Supervisor) DetailedStatus() []BotStatus {
	statuses := s.Status()
	for i := range statuses {
		if !statuses[i].LastTickAt.IsZero() {
			statuses[i].LastTickAgeMs = time.Since(statuses[i].LastTickAt).Milliseconds()
		}
	}
	return statuses
}

func (h *BotHandle) status() BotStatus {
	h.mu.Lock()
	rt := h.rt
	restarts := h.restarts
	lastErr := h.lastErr
	h.mu.Unlock()

	st := BotStatus{
		BotID:        h.ID,
		Mode:         h.Mode,
		UserID:       h.UserID,
		StartedAt:    h.StartedAt,
		RestartCount: restarts,
		LastError:    lastErr,
		State:        strategy.StateStarting.String(),
	}
	if rt != nil {
		st.State = rt.State().String()
		st.LastTickAt = rt.LastTickAt()
		st.LoopDurationMs = rt.LoopDurationMs()
		st.TradesExecuted = rt.TradesExecuted()
	}
	return st
}

// Shutdown drains every bot cooperatively and waits up to timeout.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	s.mu.Lock()
	for _, h := range s.bots {
		h.mu.Lock()
		if h.rt != nil {
			h.rt.Stop()
		}
		h.mu.Unlock()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all bots drained")
	case <-time.After(timeout):
		log.Warn().Msg("bot drain timed out")
	}
}
