package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Tx is the transaction-scoped view the FIFO reducer runs inside. All of its
// mutations commit or roll back together.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside one repository transaction.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return sqlTx.Commit()
}

// OpenTrades lists open lots for the position key, oldest first.
func (t *Tx) OpenTrades(ctx context.Context, userID, walletID, mint, strategy string) ([]*Trade, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ? AND out_amount > 0
		ORDER BY created_at ASC`,
		userID, walletID, mint, strategy)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		tr, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// UpdateLot writes back a lot's amounts after a slice is debited.
func (t *Tx) UpdateLot(ctx context.Context, tr *Trade) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE trades SET in_amount = ?, out_amount = ?, closed_out_amount = ?, usd_value = ?
		WHERE id = ?`,
		tr.InAmount, tr.OutAmount, tr.ClosedOutAmount, tr.USDValue, tr.ID)
	return err
}

// DeleteLot removes a fully drained (sub-dust) lot.
func (t *Tx) DeleteLot(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM trades WHERE id = ?`, id)
	return err
}

// InsertClosedTrade emits one reduction slice record.
func (t *Tx) InsertClosedTrade(ctx context.Context, c *ClosedTrade) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO closed_trades (id, mint, user_id, wallet_id, wallet_label, strategy, side,
			in_amount, out_amount, entry_price, entry_price_usd, exit_price, exit_price_usd,
			decimals, trigger_type, tx_hash, exited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Mint, c.UserID, c.WalletID, c.WalletLabel, c.Strategy, c.Side,
		c.InAmount, c.OutAmount, c.EntryPrice, c.EntryPriceUSD, c.ExitPrice, c.ExitPriceUSD,
		c.Decimals, c.TriggerType, c.TxHash, c.ExitedAt.Unix())
	return err
}

// ScaleTpSlSellPct multiplies the sell percentage of every rule on the key.
func (t *Tx) ScaleTpSlSellPct(ctx context.Context, userID, walletID, mint, strategy string, factor float64) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE tpsl_rules SET sell_pct = sell_pct * ?
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ?`,
		factor, userID, walletID, mint, strategy)
	return err
}

// DeleteTpSlRules removes every rule on the key (last lot closed).
func (t *Tx) DeleteTpSlRules(ctx context.Context, userID, walletID, mint, strategy string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM tpsl_rules
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ?`,
		userID, walletID, mint, strategy)
	return err
}

// OpenLotsRemain reports whether any open lot is left on the key.
func (t *Tx) OpenLotsRemain(ctx context.Context, userID, walletID, mint, strategy string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ? AND out_amount > 0`,
		userID, walletID, mint, strategy).Scan(&n)
	return n > 0, err
}

// Now is the repository clock helper.
func Now() time.Time {
	return time.Now()
}
