package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB is the sqlite-backed repository. Monitors and the executor only see the
// interface slices they declare; this type implements all of them.
type DB struct {
	db *sql.DB
}

// NewDB opens (and migrates) the database at path.
func NewDB(path string) (*DB, error) {
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		default_slippage REAL NOT NULL DEFAULT 1.0,
		mev_mode TEXT NOT NULL DEFAULT 'off',
		default_priority_fee INTEGER NOT NULL DEFAULT 0,
		bribery_amount INTEGER NOT NULL DEFAULT 0,
		confirm_trades INTEGER NOT NULL DEFAULT 0,
		auto_buy_amount REAL NOT NULL DEFAULT 0,
		require_arm_to_trade INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		label TEXT NOT NULL,
		public_key TEXT NOT NULL,
		is_protected INTEGER NOT NULL DEFAULT 0,
		is_active INTEGER NOT NULL DEFAULT 0,
		encrypted_blob TEXT NOT NULL DEFAULT '',
		legacy_ciphertext TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		mint TEXT NOT NULL,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		wallet_label TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL,
		bot_id TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		in_amount INTEGER NOT NULL,
		out_amount INTEGER NOT NULL,
		closed_out_amount INTEGER NOT NULL DEFAULT 0,
		entry_price REAL NOT NULL DEFAULT 0,
		entry_price_usd REAL NOT NULL DEFAULT 0,
		unit TEXT NOT NULL DEFAULT 'sol',
		decimals INTEGER NOT NULL DEFAULT 9,
		usd_value REAL NOT NULL DEFAULT 0,
		slippage REAL NOT NULL DEFAULT 0,
		mev_mode TEXT NOT NULL DEFAULT 'off',
		priority_fee INTEGER NOT NULL DEFAULT 0,
		bribery_amount INTEGER NOT NULL DEFAULT 0,
		input_mint TEXT NOT NULL DEFAULT '',
		output_mint TEXT NOT NULL DEFAULT '',
		tx_hash TEXT NOT NULL,
		simulated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS closed_trades (
		id TEXT PRIMARY KEY,
		mint TEXT NOT NULL,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		wallet_label TEXT NOT NULL DEFAULT '',
		strategy TEXT NOT NULL,
		side TEXT NOT NULL DEFAULT 'sell',
		in_amount INTEGER NOT NULL,
		out_amount INTEGER NOT NULL,
		entry_price REAL NOT NULL DEFAULT 0,
		entry_price_usd REAL NOT NULL DEFAULT 0,
		exit_price REAL NOT NULL DEFAULT 0,
		exit_price_usd REAL NOT NULL DEFAULT 0,
		decimals INTEGER NOT NULL DEFAULT 9,
		trigger_type TEXT NOT NULL DEFAULT 'manual',
		tx_hash TEXT NOT NULL UNIQUE,
		exited_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tpsl_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		strategy TEXT NOT NULL,
		tp REAL NOT NULL DEFAULT 0,
		sl REAL NOT NULL DEFAULT 0,
		tp_percent REAL NOT NULL DEFAULT 0,
		sl_percent REAL NOT NULL DEFAULT 0,
		entry_price REAL NOT NULL DEFAULT 0,
		sell_pct REAL NOT NULL DEFAULT 100,
		force INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL DEFAULT 'active',
		fail_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(user_id, wallet_id, mint, strategy)
	);

	CREATE TABLE IF NOT EXISTS limit_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		side TEXT NOT NULL,
		target_price REAL NOT NULL,
		amount INTEGER NOT NULL,
		force INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'open',
		fail_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dca_orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL,
		mint TEXT NOT NULL,
		side TEXT NOT NULL,
		amount INTEGER NOT NULL,
		unit TEXT NOT NULL DEFAULT 'sol',
		num_buys INTEGER NOT NULL,
		freq_hours REAL NOT NULL,
		stop_above REAL NOT NULL DEFAULT 0,
		stop_below REAL NOT NULL DEFAULT 0,
		completed_buys INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		next_fire_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		wallet_id TEXT NOT NULL DEFAULT '',
		wallet_label TEXT NOT NULL DEFAULT '',
		launch_at INTEGER NOT NULL,
		max_trades INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS net_worth_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		wallet_id TEXT NOT NULL DEFAULT '',
		total_usd REAL NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS telegram_preferences (
		user_id TEXT PRIMARY KEY,
		chat_id INTEGER NOT NULL DEFAULT 0,
		enabled INTEGER NOT NULL DEFAULT 0,
		types TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_trades_key ON trades(user_id, wallet_id, mint, strategy);
	CREATE INDEX IF NOT EXISTS idx_trades_created ON trades(created_at);
	CREATE INDEX IF NOT EXISTS idx_closed_exited ON closed_trades(exited_at);
	CREATE INDEX IF NOT EXISTS idx_limit_status ON limit_orders(status);
	CREATE INDEX IF NOT EXISTS idx_dca_due ON dca_orders(status, next_fire_at);
	CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(status, launch_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// --- users & wallets ---

// GetUserPreference loads a user's trading defaults; missing users get the
// built-in defaults (slippage 1.0, MEV mode off, every other field zero).
func (d *DB) GetUserPreference(ctx context.Context, userID string) (*UserPreference, error) {
	p := &UserPreference{UserID: userID, DefaultSlippage: 1.0, MEVMode: "off"}
	err := d.db.QueryRowContext(ctx, `
		SELECT default_slippage, mev_mode, default_priority_fee, bribery_amount,
		       confirm_trades, auto_buy_amount, require_arm_to_trade
		FROM users WHERE user_id = ?`, userID).Scan(
		&p.DefaultSlippage, &p.MEVMode, &p.DefaultPriorityFee, &p.BriberyAmount,
		&p.ConfirmTrades, &p.AutoBuyAmount, &p.RequireArmToTrade)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertUserPreference writes a user's trading defaults.
func (d *DB) UpsertUserPreference(ctx context.Context, p *UserPreference) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (user_id, default_slippage, mev_mode, default_priority_fee,
			bribery_amount, confirm_trades, auto_buy_amount, require_arm_to_trade)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			default_slippage=excluded.default_slippage,
			mev_mode=excluded.mev_mode,
			default_priority_fee=excluded.default_priority_fee,
			bribery_amount=excluded.bribery_amount,
			confirm_trades=excluded.confirm_trades,
			auto_buy_amount=excluded.auto_buy_amount,
			require_arm_to_trade=excluded.require_arm_to_trade`,
		p.UserID, p.DefaultSlippage, p.MEVMode, p.DefaultPriorityFee,
		p.BriberyAmount, p.ConfirmTrades, p.AutoBuyAmount, p.RequireArmToTrade)
	return err
}

func scanWallet(row *sql.Row) (*Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.Label, &w.PublicKey,
		&w.IsProtected, &w.IsActive, &w.EncryptedBlob, &w.LegacyCiphertext)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWallet loads a wallet by id.
func (d *DB) GetWallet(ctx context.Context, walletID string) (*Wallet, error) {
	return scanWallet(d.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, public_key, is_protected, is_active, encrypted_blob, legacy_ciphertext
		FROM wallets WHERE id = ?`, walletID))
}

// GetActiveWallet loads a user's single active wallet.
func (d *DB) GetActiveWallet(ctx context.Context, userID string) (*Wallet, error) {
	return scanWallet(d.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, public_key, is_protected, is_active, encrypted_blob, legacy_ciphertext
		FROM wallets WHERE user_id = ? AND is_active = 1`, userID))
}

// GetWalletByLabel resolves a wallet by its user-facing label.
func (d *DB) GetWalletByLabel(ctx context.Context, userID, label string) (*Wallet, error) {
	return scanWallet(d.db.QueryRowContext(ctx, `
		SELECT id, user_id, label, public_key, is_protected, is_active, encrypted_blob, legacy_ciphertext
		FROM wallets WHERE user_id = ? AND label = ?`, userID, label))
}

// InsertWallet stores a wallet row. Setting active clears any other active
// wallet for the user first (one active wallet per user).
func (d *DB) InsertWallet(ctx context.Context, w *Wallet) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if w.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE wallets SET is_active = 0 WHERE user_id = ?`, w.UserID); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, label, public_key, is_protected, is_active, encrypted_blob, legacy_ciphertext)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.UserID, w.Label, w.PublicKey, w.IsProtected, w.IsActive, w.EncryptedBlob, w.LegacyCiphertext); err != nil {
		return err
	}
	return tx.Commit()
}

// --- trades ---

const tradeCols = `id, mint, user_id, wallet_id, wallet_label, strategy, bot_id, side,
	in_amount, out_amount, closed_out_amount, entry_price, entry_price_usd, unit, decimals,
	usd_value, slippage, mev_mode, priority_fee, bribery_amount, input_mint, output_mint,
	tx_hash, simulated, created_at`

func scanTrade(scan func(dest ...interface{}) error) (*Trade, error) {
	var t Trade
	var createdAt int64
	err := scan(&t.ID, &t.Mint, &t.UserID, &t.WalletID, &t.WalletLabel, &t.Strategy, &t.BotID,
		&t.Side, &t.InAmount, &t.OutAmount, &t.ClosedOutAmount, &t.EntryPrice, &t.EntryPriceUSD,
		&t.Unit, &t.Decimals, &t.USDValue, &t.Slippage, &t.MEVMode, &t.PriorityFee,
		&t.BriberyAmount, &t.InputMint, &t.OutputMint, &t.TxHash, &t.Simulated, &createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	return &t, nil
}

// InsertTrade persists one trade lot.
func (d *DB) InsertTrade(ctx context.Context, t *Trade) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO trades (`+tradeCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Mint, t.UserID, t.WalletID, t.WalletLabel, t.Strategy, t.BotID, t.Side,
		t.InAmount, t.OutAmount, t.ClosedOutAmount, t.EntryPrice, t.EntryPriceUSD, t.Unit,
		t.Decimals, t.USDValue, t.Slippage, t.MEVMode, t.PriorityFee, t.BriberyAmount,
		t.InputMint, t.OutputMint, t.TxHash, t.Simulated, t.CreatedAt.Unix())
	return err
}

// RecentBuy finds a buy-side trade for the same key within the window (the
// executor's pre-send duplicate guard).
func (d *DB) RecentBuy(ctx context.Context, userID, walletID, mint, strategy string, since time.Time) (*Trade, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE user_id = ? AND wallet_id = ? AND mint = ? AND strategy = ? AND side = 'buy'
		  AND created_at >= ?
		ORDER BY created_at DESC LIMIT 1`,
		userID, walletID, mint, strategy, since.Unix())
	t, err := scanTrade(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// OpenTrades lists the open lots for a position key, oldest first.
func (d *DB) OpenTrades(ctx context.Context, userID, walletID, mint, strategy string) ([]*Trade, error) {
	rows, err := d.db.QueryContext(ctx, `
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
		t, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// OpenTradesByUser lists every open lot for a user+wallet (portfolio reads).
func (d *DB) OpenTradesByUser(ctx context.Context, userID, walletID string) ([]*Trade, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE user_id = ? AND wallet_id = ? AND out_amount > 0
		ORDER BY created_at ASC`, userID, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows.Scan)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// DailyVolumeUSD sums executed (non-simulated) trade USD value since the
// cutoff, for the daily-volume cap guard.
func (d *DB) DailyVolumeUSD(ctx context.Context, userID string, since time.Time) (float64, error) {
	var total float64
	err := d.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(usd_value), 0) FROM trades
		WHERE user_id = ? AND simulated = 0 AND created_at >= ?`,
		userID, since.Unix()).Scan(&total)
	return total, err
}

// --- tp/sl rules ---

const ruleCols = `id, user_id, wallet_id, mint, strategy, tp, sl, tp_percent, sl_percent,
	entry_price, sell_pct, force, enabled, status, fail_count`

func scanRule(scan func(dest ...interface{}) error) (*TpSlRule, error) {
	var r TpSlRule
	err := scan(&r.ID, &r.UserID, &r.WalletID, &r.Mint, &r.Strategy, &r.TP, &r.SL,
		&r.TPPercent, &r.SLPercent, &r.EntryPrice, &r.SellPct, &r.Force, &r.Enabled,
		&r.Status, &r.FailCount)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// UpsertTpSlRule installs or refreshes the rule for a position key.
func (d *DB) UpsertTpSlRule(ctx context.Context, r *TpSlRule) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tpsl_rules (user_id, wallet_id, mint, strategy, tp, sl, tp_percent,
			sl_percent, entry_price, sell_pct, force, enabled, status, fail_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, wallet_id, mint, strategy) DO UPDATE SET
			tp=excluded.tp, sl=excluded.sl, tp_percent=excluded.tp_percent,
			sl_percent=excluded.sl_percent, entry_price=excluded.entry_price,
			sell_pct=excluded.sell_pct, force=excluded.force, enabled=excluded.enabled,
			status=excluded.status, fail_count=excluded.fail_count`,
		r.UserID, r.WalletID, r.Mint, r.Strategy, r.TP, r.SL, r.TPPercent, r.SLPercent,
		r.EntryPrice, r.SellPct, r.Force, r.Enabled, r.Status, r.FailCount)
	return err
}

// ListEnabledTpSlRules returns enabled, active rules for the monitor pass.
func (d *DB) ListEnabledTpSlRules(ctx context.Context) ([]*TpSlRule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+ruleCols+` FROM tpsl_rules WHERE enabled = 1 AND status = ?`, RuleActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*TpSlRule
	for rows.Next() {
		r, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// CASRuleStatus transitions a rule's status only if it still has the expected
// one; the monitor's at-most-once firing gate.
func (d *DB) CASRuleStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE tpsl_rules SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// IncRuleFailCount bumps a rule's failure counter and reactivates it.
func (d *DB) IncRuleFailCount(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE tpsl_rules SET fail_count = fail_count + 1, status = ? WHERE id = ?`, RuleActive, id)
	return err
}

// --- limit orders ---

const limitCols = `id, user_id, wallet_id, mint, side, target_price, amount, force, status, fail_count, created_at`

// InsertLimitOrder stores a new limit order.
func (d *DB) InsertLimitOrder(ctx context.Context, o *LimitOrder) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO limit_orders (user_id, wallet_id, mint, side, target_price, amount, force, status, fail_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.UserID, o.WalletID, o.Mint, o.Side, o.TargetPrice, o.Amount, o.Force, OrderOpen, 0, time.Now().Unix())
	if err != nil {
		return err
	}
	o.ID, _ = res.LastInsertId()
	return nil
}

// ListOpenLimitOrders returns orders awaiting their trigger.
func (d *DB) ListOpenLimitOrders(ctx context.Context) ([]*LimitOrder, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+limitCols+` FROM limit_orders WHERE status = ?`, OrderOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*LimitOrder
	for rows.Next() {
		var o LimitOrder
		var createdAt int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.WalletID, &o.Mint, &o.Side, &o.TargetPrice,
			&o.Amount, &o.Force, &o.Status, &o.FailCount, &createdAt); err != nil {
			return nil, err
		}
		o.CreatedAt = time.Unix(createdAt, 0)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// CASLimitOrderStatus transitions an order's status with compare-and-set.
func (d *DB) CASLimitOrderStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE limit_orders SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// IncLimitOrderFailCount bumps the failure counter and reopens the order.
func (d *DB) IncLimitOrderFailCount(ctx context.Context, id int64) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE limit_orders SET fail_count = fail_count + 1, status = ? WHERE id = ?`, OrderOpen, id)
	return err
}

// --- dca orders ---

// InsertDcaOrder stores a new DCA ladder.
func (d *DB) InsertDcaOrder(ctx context.Context, o *DcaOrder) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO dca_orders (user_id, wallet_id, mint, side, amount, unit, num_buys,
			freq_hours, stop_above, stop_below, completed_buys, status, next_fire_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.UserID, o.WalletID, o.Mint, o.Side, o.Amount, o.Unit, o.NumBuys, o.FreqHours,
		o.StopAbove, o.StopBelow, o.CompletedBuys, DcaActive, o.NextFireAt.Unix())
	if err != nil {
		return err
	}
	o.ID, _ = res.LastInsertId()
	return nil
}

// ListDueDcaOrders returns active ladders whose next tranche is due.
func (d *DB) ListDueDcaOrders(ctx context.Context, now time.Time) ([]*DcaOrder, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, wallet_id, mint, side, amount, unit, num_buys, freq_hours,
		       stop_above, stop_below, completed_buys, status, next_fire_at
		FROM dca_orders WHERE status = ? AND next_fire_at <= ?`,
		DcaActive, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*DcaOrder
	for rows.Next() {
		var o DcaOrder
		var nextFireAt int64
		if err := rows.Scan(&o.ID, &o.UserID, &o.WalletID, &o.Mint, &o.Side, &o.Amount,
			&o.Unit, &o.NumBuys, &o.FreqHours, &o.StopAbove, &o.StopBelow,
			&o.CompletedBuys, &o.Status, &nextFireAt); err != nil {
			return nil, err
		}
		o.NextFireAt = time.Unix(nextFireAt, 0)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// CASDcaOrderStatus transitions a ladder's status with compare-and-set; the
// monitor's at-most-once claim on a due tranche.
func (d *DB) CASDcaOrderStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE dca_orders SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AdvanceDcaOrder records a fired tranche and schedules the next one.
func (d *DB) AdvanceDcaOrder(ctx context.Context, id int64, completedBuys int, nextFireAt time.Time, status string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE dca_orders SET completed_buys = ?, next_fire_at = ?, status = ? WHERE id = ?`,
		completedBuys, nextFireAt.Unix(), status, id)
	return err
}

// --- schedules ---

// InsertSchedule stores a scheduled strategy launch.
func (d *DB) InsertSchedule(ctx context.Context, s *Schedule) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO schedules (user_id, mode, config_json, wallet_id, wallet_label, launch_at, max_trades, status, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.UserID, s.Mode, s.ConfigJSON, s.WalletID, s.WalletLabel, s.LaunchAt.Unix(), s.Limit, SchedulePending, 0)
	if err != nil {
		return err
	}
	s.ID, _ = res.LastInsertId()
	return nil
}

// ListDueSchedules returns pending launches at or past their launch time.
func (d *DB) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, mode, config_json, wallet_id, wallet_label, launch_at, max_trades, status, attempts
		FROM schedules WHERE status = ? AND launch_at <= ?`,
		SchedulePending, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		var s Schedule
		var launchAt int64
		if err := rows.Scan(&s.ID, &s.UserID, &s.Mode, &s.ConfigJSON, &s.WalletID,
			&s.WalletLabel, &launchAt, &s.Limit, &s.Status, &s.Attempts); err != nil {
			return nil, err
		}
		s.LaunchAt = time.Unix(launchAt, 0)
		schedules = append(schedules, &s)
	}
	return schedules, rows.Err()
}

// CASScheduleStatus transitions a schedule's status with compare-and-set.
func (d *DB) CASScheduleStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE schedules SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DeferSchedule pushes a schedule back to pending at a later launch time,
// counting the attempt.
func (d *DB) DeferSchedule(ctx context.Context, id int64, launchAt time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE schedules SET status = ?, launch_at = ?, attempts = attempts + 1 WHERE id = ?`,
		SchedulePending, launchAt.Unix(), id)
	return err
}

// --- misc ---

// InsertNetWorthSnapshot appends one net-worth point.
func (d *DB) InsertNetWorthSnapshot(ctx context.Context, s *NetWorthSnapshot) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO net_worth_history (user_id, wallet_id, total_usd, created_at)
		VALUES (?, ?, ?, ?)`,
		s.UserID, s.WalletID, s.TotalUSD, time.Now().Unix())
	return err
}

// GetTelegramPreference loads a user's alert routing, nil if unset.
func (d *DB) GetTelegramPreference(ctx context.Context, userID string) (*TelegramPreference, error) {
	var p TelegramPreference
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, enabled, types FROM telegram_preferences WHERE user_id = ?`,
		userID).Scan(&p.UserID, &p.ChatID, &p.Enabled, &p.Types)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
