package trading

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/envelope"
	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/rpcpool"
	"solana-trade-engine/internal/storage"
)

type memRepo struct {
	mu      sync.Mutex
	wallets map[string]*storage.Wallet
	prefs   map[string]*storage.UserPreference
	trades  []*storage.Trade
	rules   map[string]*storage.TpSlRule
}

func newMemRepo() *memRepo {
	return &memRepo{
		wallets: make(map[string]*storage.Wallet),
		prefs:   make(map[string]*storage.UserPreference),
		rules:   make(map[string]*storage.TpSlRule),
	}
}

func (m *memRepo) GetWallet(_ context.Context, walletID string) (*storage.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[walletID], nil
}

func (m *memRepo) GetUserPreference(_ context.Context, userID string) (*storage.UserPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		return p, nil
	}
	return &storage.UserPreference{UserID: userID, DefaultSlippage: 1, MEVMode: "off"}, nil
}

func (m *memRepo) RecentBuy(_ context.Context, userID, walletID, mint, strategy string, since time.Time) (*storage.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.trades) - 1; i >= 0; i-- {
		t := m.trades[i]
		if t.UserID == userID && t.WalletID == walletID && t.Mint == mint &&
			t.Strategy == strategy && t.Side == "buy" && t.CreatedAt.After(since) {
			return t, nil
		}
	}
	return nil, nil
}

func (m *memRepo) InsertTrade(_ context.Context, t *storage.Trade) error {
	m.mu.Lock()
	m.trades = append(m.trades, t)
	m.mu.Unlock()
	return nil
}

func (m *memRepo) UpsertTpSlRule(_ context.Context, r *storage.TpSlRule) error {
	m.mu.Lock()
	m.rules[r.UserID+"|"+r.WalletID+"|"+r.Mint+"|"+r.Strategy] = r
	m.mu.Unlock()
	return nil
}

func (m *memRepo) OpenTradesByUser(_ context.Context, userID, walletID string) ([]*storage.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*storage.Trade
	for _, t := range m.trades {
		if t.UserID == userID && t.WalletID == walletID && t.OutAmount > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memRepo) InsertNetWorthSnapshot(_ context.Context, _ *storage.NetWorthSnapshot) error {
	return nil
}

func (m *memRepo) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

type fakeSwapper struct {
	mu   sync.Mutex
	sigs []string
	next string
	err  error
}

func (f *fakeSwapper) ExecuteSwap(_ context.Context, _ aggregator.SwapRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	sig := f.next
	if sig == "" {
		sig = "SIG1"
	}
	f.sigs = append(f.sigs, sig)
	return sig, nil
}

func (f *fakeSwapper) ExecuteSwapTurbo(ctx context.Context, req aggregator.SwapRequest) (string, error) {
	return f.ExecuteSwap(ctx, req)
}

const testMint = "MintAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

func testQuote() *aggregator.Quote {
	return &aggregator.Quote{
		InputMint:      aggregator.SOLMint,
		OutputMint:     testMint,
		InAmount:       "1000000000",
		OutAmount:      "500000000000",
		PriceImpactPct: "0.4",
	}
}

// envelopeWallet builds a protected envelope wallet and returns it with the
// DEK that arms it.
func envelopeWallet(t *testing.T, userID, walletID string) (*storage.Wallet, []byte) {
	t.Helper()

	pk := make([]byte, 64)
	for i := range pk {
		pk[i] = byte(i + 1)
	}
	aad := AAD(userID, walletID)
	blob, err := envelope.EncryptPrivateKey(pk, "user passphrase", aad, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dek, err := envelope.UnwrapDEK(blob, "user passphrase", aad)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	raw, _ := blob.Marshal()

	return &storage.Wallet{
		ID:            walletID,
		UserID:        userID,
		Label:         "main",
		IsProtected:   true,
		IsActive:      true,
		EncryptedBlob: string(raw),
	}, dek
}

func testExecutor(repo Repository, arm *armcache.Cache, swapper SwapRunner) *Executor {
	o := oracle.NewStatic()
	o.SetPrice(aggregator.SOLMint, 150)
	o.Dec[aggregator.SOLMint] = 9
	o.Dec[testMint] = 9
	return NewExecutor(repo, arm, swapper, o, alert.Discard{}, nil, rpcpool.Options{})
}

func TestArmGating(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	envelope.Zeroise(dek)
	repo.wallets["w1"] = wallet

	arm := armcache.New() // empty: not armed
	e := testExecutor(repo, arm, &fakeSwapper{})

	_, err := e.ExecTrade(context.Background(), ExecTradeParams{
		Quote: testQuote(),
		Mint:  testMint,
		Meta:  TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "sniper"},
	})

	var notArmed *NotArmedError
	if !errors.As(err, &notArmed) {
		t.Fatalf("expected NotArmedError, got %v", err)
	}
	if notArmed.StatusCode() != 401 {
		t.Fatalf("expected 401, got %d", notArmed.StatusCode())
	}
	if repo.tradeCount() != 0 {
		t.Fatal("no trade row may be written when not armed")
	}
}

func TestArmedPathPersistsTradeAndRule(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	repo.wallets["w1"] = wallet

	arm := armcache.New()
	arm.Arm("u1", "w1", dek, time.Minute)
	envelope.Zeroise(dek)

	e := testExecutor(repo, arm, &fakeSwapper{next: "SIGA"})

	tx, err := e.ExecTrade(context.Background(), ExecTradeParams{
		Quote: testQuote(),
		Mint:  testMint,
		Meta: TradeMeta{
			UserID: "u1", WalletID: "w1", Strategy: "sniper", Category: "buy",
			TPPercent: 10, SLPercent: 5,
		},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if tx != "SIGA" {
		t.Fatalf("expected SIGA, got %q", tx)
	}
	if repo.tradeCount() != 1 {
		t.Fatalf("expected 1 trade, got %d", repo.tradeCount())
	}

	rule := repo.rules["u1|w1|"+testMint+"|sniper"]
	if rule == nil || !rule.Enabled || rule.Status != storage.RuleActive {
		t.Fatalf("expected enabled active rule, got %+v", rule)
	}

	trade := repo.trades[0]
	if trade.Unit != "sol" || trade.Side != "buy" || trade.TxHash != "SIGA" {
		t.Fatalf("trade row wrong: %+v", trade)
	}
	if trade.EntryPrice == 0 || trade.EntryPriceUSD == 0 || trade.USDValue == 0 {
		t.Fatalf("enrichment missing: %+v", trade)
	}
}

func TestDuplicateGuardReturnsPriorTx(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	repo.wallets["w1"] = wallet
	arm := armcache.New()
	arm.Arm("u1", "w1", dek, time.Minute)
	envelope.Zeroise(dek)

	e := testExecutor(repo, arm, &fakeSwapper{next: "S1"})
	meta := TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "sniper"}

	tx1, err := e.ExecTrade(context.Background(), ExecTradeParams{Quote: testQuote(), Mint: testMint, Meta: meta})
	if err != nil || tx1 != "S1" {
		t.Fatalf("first exec: %q %v", tx1, err)
	}

	tx2, err := e.ExecTrade(context.Background(), ExecTradeParams{Quote: testQuote(), Mint: testMint, Meta: meta})
	if err != nil {
		t.Fatalf("second exec: %v", err)
	}
	if tx2 != "S1" {
		t.Fatalf("expected prior tx S1, got %q", tx2)
	}
	if repo.tradeCount() != 1 {
		t.Fatalf("duplicate wrote a row: %d trades", repo.tradeCount())
	}
}

func TestIdempotencySuppression(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	repo.wallets["w1"] = wallet
	arm := armcache.New()
	arm.Arm("u1", "w1", dek, time.Minute)
	envelope.Zeroise(dek)

	e := testExecutor(repo, arm, &fakeSwapper{next: "S1"})
	// Bypass the repo duplicate guard so the gate itself is exercised.
	e.dupWindow = 0

	meta := TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "sniper", IdempotencyKey: "fixed-key"}

	tx1, err := e.ExecTrade(context.Background(), ExecTradeParams{Quote: testQuote(), Mint: testMint, Meta: meta})
	if err != nil || tx1 != "S1" {
		t.Fatalf("first exec: %q %v", tx1, err)
	}

	tx2, err := e.ExecTrade(context.Background(), ExecTradeParams{Quote: testQuote(), Mint: testMint, Meta: meta})
	if err != nil {
		t.Fatalf("suppressed call must not error: %v", err)
	}
	if tx2 != "S1" {
		t.Fatalf("expected cached tx, got %q", tx2)
	}
	if repo.tradeCount() != 1 {
		t.Fatalf("suppressed attempt wrote a row: %d", repo.tradeCount())
	}
}

func TestSwapFailureSetsCoolOff(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	repo.wallets["w1"] = wallet
	arm := armcache.New()
	arm.Arm("u1", "w1", dek, time.Minute)
	envelope.Zeroise(dek)

	swapper := &fakeSwapper{err: errors.New("blockhash not found")}
	e := testExecutor(repo, arm, swapper)
	meta := TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "scalper"}

	_, err := e.ExecTrade(context.Background(), ExecTradeParams{Quote: testQuote(), Mint: testMint, Meta: meta})
	var swapErr *SwapError
	if !errors.As(err, &swapErr) {
		t.Fatalf("expected SwapError, got %v", err)
	}
	if swapErr.Class != "NET" {
		t.Fatalf("expected NET class, got %s", swapErr.Class)
	}

	// Next attempt inside the 7s window fails CoolOffActive before any work.
	swapper.err = nil
	_, err = e.ExecTrade(context.Background(), ExecTradeParams{Quote: testQuote(), Mint: testMint, Meta: meta})
	var coolOff *CoolOffError
	if !errors.As(err, &coolOff) {
		t.Fatalf("expected CoolOffError, got %v", err)
	}
	if coolOff.Mint != testMint {
		t.Fatalf("wrong mint in cool-off: %s", coolOff.Mint)
	}
}

func TestKillSwitch(t *testing.T) {
	repo := newMemRepo()
	e := testExecutor(repo, armcache.New(), &fakeSwapper{})
	e.SetKillSwitch(true)

	_, err := e.ExecTrade(context.Background(), ExecTradeParams{
		Quote: testQuote(), Mint: testMint,
		Meta: TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "sniper"},
	})
	if !errors.Is(err, ErrKillSwitchActive) {
		t.Fatalf("expected kill switch error, got %v", err)
	}
	if Code(err) != CodeKillSwitch {
		t.Fatalf("wrong code %q", Code(err))
	}
}

func TestSimulatedPathSkipsBroadcast(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	repo.wallets["w1"] = wallet
	arm := armcache.New()
	arm.Arm("u1", "w1", dek, time.Minute)
	envelope.Zeroise(dek)

	swapper := &fakeSwapper{err: errors.New("must not be called")}
	e := testExecutor(repo, arm, swapper)

	tx, err := e.ExecTrade(context.Background(), ExecTradeParams{
		Quote: testQuote(), Mint: testMint, Simulated: true,
		Meta: TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "paper"},
	})
	if err != nil {
		t.Fatalf("simulated exec: %v", err)
	}
	if len(tx) < 5 || tx[:4] != "sim-" {
		t.Fatalf("expected sim- txHash, got %q", tx)
	}
	if repo.tradeCount() != 1 || !repo.trades[0].Simulated {
		t.Fatal("simulated trade row missing or unflagged")
	}
}

func TestTpSlSkippedForRebalancer(t *testing.T) {
	repo := newMemRepo()
	wallet, dek := envelopeWallet(t, "u1", "w1")
	repo.wallets["w1"] = wallet
	arm := armcache.New()
	arm.Arm("u1", "w1", dek, time.Minute)
	envelope.Zeroise(dek)

	e := testExecutor(repo, arm, &fakeSwapper{})
	_, err := e.ExecTrade(context.Background(), ExecTradeParams{
		Quote: testQuote(), Mint: testMint,
		Meta: TradeMeta{UserID: "u1", WalletID: "w1", Strategy: "rebalancer", TPPercent: 10},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(repo.rules) != 0 {
		t.Fatal("rebalancer must not install tp/sl rules")
	}
}

func TestCodeMapsQuorumTimeout(t *testing.T) {
	timedOut := &SwapError{
		Mint:  testMint,
		Class: "NET",
		Err:   &rpcpool.QuorumError{Needed: 2, Acked: 1, TimedOut: true},
	}
	if Code(timedOut) != CodeQuorumTimeout {
		t.Fatalf("expected %s, got %s", CodeQuorumTimeout, Code(timedOut))
	}

	plain := &SwapError{Mint: testMint, Class: "USER", Err: errors.New("slippage")}
	if Code(plain) != CodeSwapFailed {
		t.Fatalf("expected %s, got %s", CodeSwapFailed, Code(plain))
	}
}

func TestDeriveKeyStableWithinBucket(t *testing.T) {
	now := time.UnixMilli(1_699_999_980_000) // 30s-bucket aligned
	k1 := DeriveKey("u", "w", "sniper", "M", "100", now)
	k2 := DeriveKey("u", "w", "sniper", "M", "100", now.Add(10*time.Second))
	if k1 != k2 {
		t.Fatal("keys inside one 30s bucket must match")
	}
	k3 := DeriveKey("u", "w", "sniper", "M", "100", now.Add(40*time.Second))
	if k1 == k3 {
		t.Fatal("keys across buckets must differ")
	}
}
