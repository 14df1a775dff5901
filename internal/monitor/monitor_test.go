package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/trading"
)

func testDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type recordingBuyer struct {
	mu    sync.Mutex
	calls []trading.ExecTradeParams
	err   error
}

func (r *recordingBuyer) ExecTrade(_ context.Context, p trading.ExecTradeParams) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.calls = append(r.calls, p)
	return "BUY-SIG", nil
}

type recordingSeller struct {
	mu    sync.Mutex
	calls []trading.SellParams
	err   error
}

func (r *recordingSeller) ExecSell(_ context.Context, p trading.SellParams) (*trading.SellResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.calls = append(r.calls, p)
	return &trading.SellResult{TxHash: "SELL-SIG", Reduction: &trading.Reduction{SoldAmount: 1}}, nil
}

type stubQuotes struct{}

func (stubQuotes) GetQuote(_ context.Context, p aggregator.QuoteParams) (*aggregator.Quote, error) {
	return &aggregator.Quote{
		InputMint:      p.InputMint,
		OutputMint:     p.OutputMint,
		InAmount:       "1000",
		OutAmount:      "5000",
		PriceImpactPct: "0.1",
	}, nil
}

func TestLimitMonitorFiresBuyAtOrBelowTarget(t *testing.T) {
	db := testDB(t)
	o := oracle.NewStatic()
	o.SetPrice("MINT", 0.9)

	order := &storage.LimitOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT",
		Side: "buy", TargetPrice: 1.0, Amount: 1_000_000,
	}
	if err := db.InsertLimitOrder(context.Background(), order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	buyer := &recordingBuyer{}
	seller := &recordingSeller{}
	m := NewLimitMonitor(db, o, stubQuotes{}, buyer, seller)

	if err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(buyer.calls) != 1 {
		t.Fatalf("expected one buy, got %d", len(buyer.calls))
	}

	// Order is filled; a second scan must not re-fire.
	if err := m.Scan(context.Background()); err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if len(buyer.calls) != 1 {
		t.Fatal("filled order re-fired")
	}
}

func TestLimitMonitorSellAboveTarget(t *testing.T) {
	db := testDB(t)
	o := oracle.NewStatic()
	o.SetPrice("MINT", 2.5)

	order := &storage.LimitOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT",
		Side: "sell", TargetPrice: 2.0, Amount: 500,
	}
	if err := db.InsertLimitOrder(context.Background(), order); err != nil {
		t.Fatalf("insert order: %v", err)
	}

	seller := &recordingSeller{}
	m := NewLimitMonitor(db, o, stubQuotes{}, &recordingBuyer{}, seller)
	if err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(seller.calls) != 1 || seller.calls[0].TriggerType != "limit" {
		t.Fatalf("expected one limit sell, got %+v", seller.calls)
	}
}

func TestLimitMonitorFailureReopensOrder(t *testing.T) {
	db := testDB(t)
	o := oracle.NewStatic()
	o.SetPrice("MINT", 0.5)

	order := &storage.LimitOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT",
		Side: "buy", TargetPrice: 1.0, Amount: 100,
	}
	_ = db.InsertLimitOrder(context.Background(), order)

	buyer := &recordingBuyer{err: errors.New("swap failed")}
	m := NewLimitMonitor(db, o, stubQuotes{}, buyer, &recordingSeller{})
	_ = m.Scan(context.Background())

	orders, err := db.ListOpenLimitOrders(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(orders) != 1 || orders[0].FailCount != 1 {
		t.Fatalf("expected reopened order with failCount 1, got %+v", orders)
	}
}

func TestDcaMonitorTranches(t *testing.T) {
	db := testDB(t)
	o := oracle.NewStatic()
	o.SetPrice("MINT", 1.0)

	order := &storage.DcaOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT", Side: "buy",
		Amount: 900, Unit: "sol", NumBuys: 3, FreqHours: 1,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	if err := db.InsertDcaOrder(context.Background(), order); err != nil {
		t.Fatalf("insert: %v", err)
	}

	buyer := &recordingBuyer{}
	m := NewDcaMonitor(db, o, stubQuotes{}, buyer, &recordingSeller{})
	if err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(buyer.calls) != 1 {
		t.Fatalf("expected one tranche, got %d", len(buyer.calls))
	}

	// nextFireAt moved forward: a second scan finds nothing due.
	_ = m.Scan(context.Background())
	if len(buyer.calls) != 1 {
		t.Fatal("tranche fired twice in one slot")
	}

	due, _ := db.ListDueDcaOrders(context.Background(), time.Now().Add(2*time.Hour))
	if len(due) != 1 || due[0].CompletedBuys != 1 {
		t.Fatalf("expected completedBuys=1, got %+v", due)
	}
}

func TestDcaMonitorPriceBandSkipsWithoutConsuming(t *testing.T) {
	db := testDB(t)
	o := oracle.NewStatic()
	o.SetPrice("MINT", 5.0)

	order := &storage.DcaOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT", Side: "buy",
		Amount: 900, Unit: "sol", NumBuys: 3, FreqHours: 1,
		StopAbove: 2.0,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	_ = db.InsertDcaOrder(context.Background(), order)

	buyer := &recordingBuyer{}
	m := NewDcaMonitor(db, o, stubQuotes{}, buyer, &recordingSeller{})
	_ = m.Scan(context.Background())

	if len(buyer.calls) != 0 {
		t.Fatal("out-of-band tranche must not fire")
	}
	due, _ := db.ListDueDcaOrders(context.Background(), time.Now())
	if len(due) != 1 || due[0].CompletedBuys != 0 {
		t.Fatal("skipped slot must stay due")
	}
}

func TestDcaMonitorFailureReleasesClaim(t *testing.T) {
	db := testDB(t)
	o := oracle.NewStatic()
	o.SetPrice("MINT", 1.0)

	order := &storage.DcaOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT", Side: "buy",
		Amount: 900, Unit: "sol", NumBuys: 3, FreqHours: 1,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	_ = db.InsertDcaOrder(context.Background(), order)

	buyer := &recordingBuyer{err: errors.New("swap failed")}
	m := NewDcaMonitor(db, o, stubQuotes{}, buyer, &recordingSeller{})
	_ = m.Scan(context.Background())

	// The failed tranche must leave the order active (claim released) with
	// its slot unconsumed.
	due, err := db.ListDueDcaOrders(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 1 || due[0].Status != storage.DcaActive || due[0].CompletedBuys != 0 {
		t.Fatalf("expected reopened due order, got %+v", due)
	}
}

func TestDcaClaimBlocksConcurrentPass(t *testing.T) {
	db := testDB(t)
	order := &storage.DcaOrder{
		UserID: "u1", WalletID: "w1", Mint: "MINT", Side: "buy",
		Amount: 900, Unit: "sol", NumBuys: 3, FreqHours: 1,
		NextFireAt: time.Now().Add(-time.Minute),
	}
	_ = db.InsertDcaOrder(context.Background(), order)

	won, err := db.CASDcaOrderStatus(context.Background(), order.ID, storage.DcaActive, storage.DcaFiring)
	if err != nil || !won {
		t.Fatalf("first claim should win: %v", err)
	}
	won, err = db.CASDcaOrderStatus(context.Background(), order.ID, storage.DcaActive, storage.DcaFiring)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if won {
		t.Fatal("second concurrent claim must lose the CAS")
	}
}

func seedRuleWithLot(t *testing.T, db *storage.DB, entryPrice, tpPct, slPct float64) *storage.TpSlRule {
	t.Helper()
	ctx := context.Background()
	err := db.InsertTrade(ctx, &storage.Trade{
		ID: uuid.NewString(), Mint: "MINT", UserID: "u1", WalletID: "w1",
		Strategy: "sniper", Side: "buy", InAmount: 100, OutAmount: 1000,
		EntryPriceUSD: entryPrice, Decimals: 2, TxHash: "T-" + uuid.NewString(),
		CreatedAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("seed lot: %v", err)
	}
	rule := &storage.TpSlRule{
		UserID: "u1", WalletID: "w1", Mint: "MINT", Strategy: "sniper",
		TPPercent: tpPct, SLPercent: slPct, EntryPrice: entryPrice,
		SellPct: 100, Enabled: true, Status: storage.RuleActive,
	}
	if err := db.UpsertTpSlRule(ctx, rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	return rule
}

func TestTpSlMonitorTakeProfit(t *testing.T) {
	db := testDB(t)
	seedRuleWithLot(t, db, 1.0, 10, 5)

	o := oracle.NewStatic()
	o.SetPrice("MINT", 1.2) // +20% >= +10% tp

	seller := &recordingSeller{}
	m := NewTpSlMonitor(db, o, seller)
	if err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(seller.calls) != 1 || seller.calls[0].TriggerType != "tp" {
		t.Fatalf("expected tp sell, got %+v", seller.calls)
	}

	// Rule status moved off active: no re-fire.
	_ = m.Scan(context.Background())
	if len(seller.calls) != 1 {
		t.Fatal("tp rule fired twice")
	}
}

func TestTpSlMonitorStopLoss(t *testing.T) {
	db := testDB(t)
	seedRuleWithLot(t, db, 1.0, 10, 5)

	o := oracle.NewStatic()
	o.SetPrice("MINT", 0.9) // -10% <= -5% sl

	seller := &recordingSeller{}
	m := NewTpSlMonitor(db, o, seller)
	_ = m.Scan(context.Background())

	if len(seller.calls) != 1 || seller.calls[0].TriggerType != "sl" {
		t.Fatalf("expected sl sell, got %+v", seller.calls)
	}
}

func TestTpSlMonitorFailureCountsAndRetries(t *testing.T) {
	db := testDB(t)
	rule := seedRuleWithLot(t, db, 1.0, 10, 5)

	o := oracle.NewStatic()
	o.SetPrice("MINT", 2.0)

	seller := &recordingSeller{err: errors.New("quorum timeout")}
	m := NewTpSlMonitor(db, o, seller)
	_ = m.Scan(context.Background())

	rules, err := db.ListEnabledTpSlRules(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 1 || rules[0].FailCount != 1 {
		t.Fatalf("expected reactivated rule with failCount 1, got %+v", rules)
	}
	_ = rule
}

type fakeStarter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeStarter) Start(_ context.Context, _ string, _ []byte, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	return "bot-1", nil
}

func seedWalletAndSchedule(t *testing.T, db *storage.DB, protected bool) *storage.Schedule {
	t.Helper()
	ctx := context.Background()
	err := db.InsertWallet(ctx, &storage.Wallet{
		ID: "w1", UserID: "u1", Label: "main", PublicKey: "PK",
		IsProtected: protected, IsActive: true, EncryptedBlob: "{}",
	})
	if err != nil {
		t.Fatalf("seed wallet: %v", err)
	}
	s := &storage.Schedule{
		UserID: "u1", Mode: "sniper",
		ConfigJSON: `{"userId":"u1","walletId":"w1","interval":1}`,
		WalletID:   "w1", LaunchAt: time.Now().Add(-time.Minute),
	}
	if err := db.InsertSchedule(ctx, s); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return s
}

func TestSchedulerLaunchesDue(t *testing.T) {
	db := testDB(t)
	seedWalletAndSchedule(t, db, false)

	starter := &fakeStarter{}
	m := NewSchedulerMonitor(db, starter, armcache.New(), alert.Discard{})
	if err := m.Scan(context.Background()); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if starter.calls != 1 {
		t.Fatalf("expected one launch, got %d", starter.calls)
	}

	due, _ := db.ListDueSchedules(context.Background(), time.Now())
	if len(due) != 0 {
		t.Fatal("launched schedule still pending")
	}
}

func TestSchedulerDefersWhenDisarmed(t *testing.T) {
	db := testDB(t)
	seedWalletAndSchedule(t, db, true)

	starter := &fakeStarter{}
	m := NewSchedulerMonitor(db, starter, armcache.New(), alert.Discard{})
	_ = m.Scan(context.Background())

	if starter.calls != 0 {
		t.Fatal("disarmed wallet must defer, not launch")
	}
	due, _ := db.ListDueSchedules(context.Background(), time.Now().Add(time.Minute))
	if len(due) != 1 || due[0].Attempts != 1 {
		t.Fatalf("expected deferred schedule with attempt 1, got %+v", due)
	}
}

func TestSchedulerLaunchesWhenArmed(t *testing.T) {
	db := testDB(t)
	seedWalletAndSchedule(t, db, true)

	arm := armcache.New()
	arm.Arm("u1", "w1", []byte{1, 2, 3}, time.Minute)

	starter := &fakeStarter{}
	m := NewSchedulerMonitor(db, starter, arm, alert.Discard{})
	_ = m.Scan(context.Background())

	if starter.calls != 1 {
		t.Fatalf("armed wallet should launch, got %d calls", starter.calls)
	}
}
