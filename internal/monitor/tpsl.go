package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/trading"
)

// TpSlRepo is the repository slice of the TP/SL monitor.
type TpSlRepo interface {
	ListEnabledTpSlRules(ctx context.Context) ([]*storage.TpSlRule, error)
	OpenTrades(ctx context.Context, userID, walletID, mint, strategy string) ([]*storage.Trade, error)
	CASRuleStatus(ctx context.Context, id int64, from, to string) (bool, error)
	IncRuleFailCount(ctx context.Context, id int64) error
}

// TpSlMonitor watches enabled rules and closes positions on trigger.
type TpSlMonitor struct {
	repo   TpSlRepo
	oracle oracle.PriceOracle
	seller Seller
}

// NewTpSlMonitor wires the TP/SL watcher.
func NewTpSlMonitor(repo TpSlRepo, o oracle.PriceOracle, seller Seller) *TpSlMonitor {
	return &TpSlMonitor{repo: repo, oracle: o, seller: seller}
}

func (m *TpSlMonitor) Name() string { return "tpsl" }

func (m *TpSlMonitor) Cadence() time.Duration { return 60 * time.Second }

// Scan evaluates every enabled rule with open lots.
func (m *TpSlMonitor) Scan(ctx context.Context) error {
	rules, err := m.repo.ListEnabledTpSlRules(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("tp/sl monitor: list failed")
		return err
	}

	for _, rule := range rules {
		lots, err := m.repo.OpenTrades(ctx, rule.UserID, rule.WalletID, rule.Mint, rule.Strategy)
		if err != nil || len(lots) == 0 {
			continue
		}

		price, err := m.oracle.PriceUSD(ctx, rule.Mint)
		if err != nil {
			continue
		}

		trigger := evaluateRule(rule, price)
		if trigger == "" {
			continue
		}

		// Claim the transition before selling; a concurrent pass loses the
		// CAS and walks away.
		won, err := m.repo.CASRuleStatus(ctx, rule.ID, storage.RuleActive, storage.RuleTriggered)
		if err != nil || !won {
			continue
		}

		sellPct := rule.SellPct
		if sellPct <= 0 || sellPct > 100 {
			sellPct = 100
		}
		_, err = m.seller.ExecSell(ctx, trading.SellParams{
			UserID:      rule.UserID,
			WalletID:    rule.WalletID,
			Mint:        rule.Mint,
			Strategy:    rule.Strategy,
			Percent:     sellPct / 100,
			TriggerType: trigger,
			Slippage:    1.0,
		})
		if err != nil {
			// Re-arm the rule with its failure counted; the next pass retries.
			_ = m.repo.IncRuleFailCount(ctx, rule.ID)
			log.Warn().Err(err).Int64("ruleId", rule.ID).Str("trigger", trigger).Msg("tp/sl fire failed")
			continue
		}

		log.Info().
			Int64("ruleId", rule.ID).
			Str("mint", rule.Mint).
			Str("trigger", trigger).
			Float64("price", price).
			Msg("tp/sl fired")
	}
	return nil
}

// evaluateRule returns "tp", "sl" or "" for the current price. Percent rules
// trigger off the recorded entry; absolute rules off the raw thresholds.
func evaluateRule(rule *storage.TpSlRule, price float64) string {
	if rule.EntryPrice > 0 {
		if rule.TPPercent > 0 && price >= rule.EntryPrice*(1+rule.TPPercent/100) {
			return "tp"
		}
		if rule.SLPercent > 0 && price <= rule.EntryPrice*(1-rule.SLPercent/100) {
			return "sl"
		}
	}
	if rule.TP > 0 && price >= rule.TP {
		return "tp"
	}
	if rule.SL > 0 && price <= rule.SL {
		return "sl"
	}
	return ""
}
