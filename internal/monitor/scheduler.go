package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/storage"
)

// SchedulerRepo is the repository slice of the scheduler watchdog.
type SchedulerRepo interface {
	ListDueSchedules(ctx context.Context, now time.Time) ([]*storage.Schedule, error)
	CASScheduleStatus(ctx context.Context, id int64, from, to string) (bool, error)
	DeferSchedule(ctx context.Context, id int64, launchAt time.Time) error
	GetWallet(ctx context.Context, walletID string) (*storage.Wallet, error)
	GetWalletByLabel(ctx context.Context, userID, label string) (*storage.Wallet, error)
}

// BotStarter is the supervisor slice the watchdog promotes schedules through.
type BotStarter interface {
	Start(ctx context.Context, mode string, rawConfig []byte, autoRestart bool) (string, error)
}

// SchedulerMonitor promotes due scheduled strategies into running bots.
type SchedulerMonitor struct {
	repo     SchedulerRepo
	starter  BotStarter
	arm      *armcache.Cache
	notifier alert.Notifier

	maxAttempts int
}

// NewSchedulerMonitor wires the watchdog.
func NewSchedulerMonitor(repo SchedulerRepo, starter BotStarter, arm *armcache.Cache, notifier alert.Notifier) *SchedulerMonitor {
	return &SchedulerMonitor{repo: repo, starter: starter, arm: arm, notifier: notifier, maxAttempts: 5}
}

func (m *SchedulerMonitor) Name() string { return "scheduler" }

func (m *SchedulerMonitor) Cadence() time.Duration { return 10 * time.Second }

// Scan launches every due schedule. A schedule whose target wallet is
// protected but disarmed at fire time is deferred one cadence (with a user
// notification) rather than consumed, up to maxAttempts.
func (m *SchedulerMonitor) Scan(ctx context.Context) error {
	due, err := m.repo.ListDueSchedules(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: list failed")
		return err
	}

	for _, s := range due {
		won, err := m.repo.CASScheduleStatus(ctx, s.ID, storage.SchedulePending, storage.ScheduleLaunching)
		if err != nil || !won {
			continue
		}

		wallet, err := m.resolveWallet(ctx, s)
		if err != nil || wallet == nil {
			log.Warn().Err(err).Int64("scheduleId", s.ID).Msg("schedule wallet unresolved")
			_, _ = m.repo.CASScheduleStatus(ctx, s.ID, storage.ScheduleLaunching, storage.ScheduleFailed)
			continue
		}

		if wallet.IsProtected && !m.arm.GetStatus(wallet.UserID, wallet.ID).Armed {
			if s.Attempts+1 >= m.maxAttempts {
				log.Warn().Int64("scheduleId", s.ID).Msg("schedule failed: wallet never armed")
				_, _ = m.repo.CASScheduleStatus(ctx, s.ID, storage.ScheduleLaunching, storage.ScheduleFailed)
				m.notify(s, "scheduled launch failed: wallet not armed")
				continue
			}
			_ = m.repo.DeferSchedule(ctx, s.ID, time.Now().Add(m.Cadence()))
			m.notify(s, "scheduled launch deferred: arm the wallet to proceed")
			continue
		}

		botID, err := m.starter.Start(ctx, s.Mode, []byte(s.ConfigJSON), true)
		if err != nil {
			log.Error().Err(err).Int64("scheduleId", s.ID).Msg("schedule launch failed")
			_, _ = m.repo.CASScheduleStatus(ctx, s.ID, storage.ScheduleLaunching, storage.ScheduleFailed)
			m.notify(s, "scheduled launch failed: "+err.Error())
			continue
		}

		_, _ = m.repo.CASScheduleStatus(ctx, s.ID, storage.ScheduleLaunching, storage.ScheduleLaunched)
		log.Info().
			Int64("scheduleId", s.ID).
			Str("mode", s.Mode).
			Str("botId", botID).
			Msg("schedule launched")
	}
	return nil
}

func (m *SchedulerMonitor) resolveWallet(ctx context.Context, s *storage.Schedule) (*storage.Wallet, error) {
	if s.WalletID != "" {
		return m.repo.GetWallet(ctx, s.WalletID)
	}
	return m.repo.GetWalletByLabel(ctx, s.UserID, s.WalletLabel)
}

func (m *SchedulerMonitor) notify(s *storage.Schedule, msg string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(alert.Alert{
		UserID:   s.UserID,
		Category: "scheduler",
		Strategy: s.Mode,
		Message:  msg,
	})
}
