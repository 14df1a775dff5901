package trading

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/rpcpool"
	"solana-trade-engine/internal/storage"
)

// Repository is the slice of the storage layer the executor needs.
type Repository interface {
	GetWallet(ctx context.Context, walletID string) (*storage.Wallet, error)
	GetUserPreference(ctx context.Context, userID string) (*storage.UserPreference, error)
	RecentBuy(ctx context.Context, userID, walletID, mint, strategy string, since time.Time) (*storage.Trade, error)
	InsertTrade(ctx context.Context, t *storage.Trade) error
	UpsertTpSlRule(ctx context.Context, r *storage.TpSlRule) error
	OpenTradesByUser(ctx context.Context, userID, walletID string) ([]*storage.Trade, error)
	InsertNetWorthSnapshot(ctx context.Context, s *storage.NetWorthSnapshot) error
}

// SwapRunner is the slice of the swap adapter the executor needs.
type SwapRunner interface {
	ExecuteSwap(ctx context.Context, req aggregator.SwapRequest) (string, error)
	ExecuteSwapTurbo(ctx context.Context, req aggregator.SwapRequest) (string, error)
}

// TradeMeta carries the per-call execution context.
type TradeMeta struct {
	UserID   string
	WalletID string
	Strategy string
	Category string
	BotID    string

	TP        float64
	SL        float64
	TPPercent float64
	SLPercent float64
	SellPct   float64

	Slippage            float64
	PriorityFeeLamports *uint64

	RPCEndpoints []string
	RPCQuorum    int
	RPCMaxFanout int
	RPCStaggerMs int
	RPCTimeoutMs int

	IdempotencyKey   string
	IdempotencyTTLMs int

	Turbo bool
}

// ExecTradeParams are the inputs to ExecTrade.
type ExecTradeParams struct {
	Quote     *aggregator.Quote
	Mint      string
	Meta      TradeMeta
	Simulated bool
}

// Executor is the arm-aware trade execution core.
type Executor struct {
	repo     Repository
	arm      *armcache.Cache
	swapper  SwapRunner
	oracle   oracle.PriceOracle
	notifier alert.Notifier

	pool     *rpcpool.Pool
	poolOpts rpcpool.Options

	idem    *IdempotencyGate
	coolOff *CoolOffMap
	keys    keyLoader

	killSwitch atomic.Bool

	dupWindow time.Duration
	idemTTL   time.Duration

	// Enrichment caches: decimals 1h per mint, input price 30s per user+mint.
	cacheMu     sync.Mutex
	decCache    map[string]cachedDecimals
	priceCache  map[string]cachedPrice
}

type cachedDecimals struct {
	decimals  int
	fetchedAt time.Time
}

type cachedPrice struct {
	price     float64
	fetchedAt time.Time
}

// NewExecutor wires the execution core. pool may be nil; per-call endpoints
// or the single-endpoint swapper path are used instead.
func NewExecutor(
	repo Repository,
	arm *armcache.Cache,
	swapper SwapRunner,
	priceOracle oracle.PriceOracle,
	notifier alert.Notifier,
	pool *rpcpool.Pool,
	poolOpts rpcpool.Options,
) *Executor {
	e := &Executor{
		repo:       repo,
		arm:        arm,
		swapper:    swapper,
		oracle:     priceOracle,
		notifier:   notifier,
		pool:       pool,
		poolOpts:   poolOpts,
		idem:       NewIdempotencyGate(),
		coolOff:    NewCoolOffMap(7 * time.Second),
		keys:       keyLoader{arm: arm},
		dupWindow:  60 * time.Second,
		idemTTL:    60 * time.Second,
		decCache:   make(map[string]cachedDecimals),
		priceCache: make(map[string]cachedPrice),
	}
	if os.Getenv("KILL_SWITCH") == "1" {
		e.killSwitch.Store(true)
	}
	return e
}

// SetKillSwitch flips the process-wide kill switch.
func (e *Executor) SetKillSwitch(on bool) {
	e.killSwitch.Store(on)
}

// Gates exposes the idempotency gate and cool-off map for the engine's
// sweep task.
func (e *Executor) Gates() (*IdempotencyGate, *CoolOffMap) {
	return e.idem, e.coolOff
}

// ExecTrade runs the full arm-aware execution contract. It returns the
// transaction hash. A duplicate-guard hit returns the prior trade's txHash,
// and an attempt suppressed by the idempotency gate returns the cached
// txHash, or "" when none is cached yet; both return a nil error.
func (e *Executor) ExecTrade(ctx context.Context, p ExecTradeParams) (string, error) {
	meta := p.Meta

	// 1. Kill switch.
	if e.killSwitch.Load() && !p.Simulated {
		return "", ErrKillSwitchActive
	}

	// 2. Pre-send duplicate guard: same key bought within the last minute
	// short-circuits to the existing txHash with no new work.
	if prior, err := e.repo.RecentBuy(ctx, meta.UserID, meta.WalletID, p.Mint, meta.Strategy,
		time.Now().Add(-e.dupWindow)); err == nil && prior != nil {
		log.Debug().
			Str("mint", p.Mint).
			Str("strategy", meta.Strategy).
			Str("txHash", prior.TxHash).
			Msg("duplicate guard: returning prior trade")
		return prior.TxHash, nil
	}

	// 3. Deterministic idempotency.
	idemKey := meta.IdempotencyKey
	if idemKey == "" {
		idemKey = DeriveKey(meta.UserID, meta.WalletID, meta.Strategy, p.Mint, p.Quote.InAmount, time.Now())
	}
	idemTTL := e.idemTTL
	if meta.IdempotencyTTLMs > 0 {
		idemTTL = time.Duration(meta.IdempotencyTTLMs) * time.Millisecond
	}
	claimed, cachedTx := e.idem.Claim(idemKey, idemTTL)
	if !claimed {
		log.Debug().Str("key", idemKey).Str("cached", cachedTx).Msg("idempotency suppression")
		return cachedTx, nil
	}

	// 4. Per-mint cool-off.
	if e.coolOff.Active(p.Mint) {
		e.idem.Release(idemKey)
		return "", &CoolOffError{Mint: p.Mint}
	}

	// 5. Key acquisition.
	wallet, err := e.repo.GetWallet(ctx, meta.WalletID)
	if err != nil || wallet == nil {
		e.idem.Release(idemKey)
		return "", fmt.Errorf("load wallet %s: %w", meta.WalletID, err)
	}
	prefs, err := e.repo.GetUserPreference(ctx, meta.UserID)
	if err != nil {
		e.idem.Release(idemKey)
		return "", fmt.Errorf("load preferences: %w", err)
	}

	kp, err := e.keys.load(wallet, prefs)
	if err != nil {
		e.idem.Release(idemKey)
		return "", err
	}
	defer kp.Zeroise()

	// 6. MEV params.
	shared := prefs.MEVMode == "secure"
	var priorityFee uint64
	switch {
	case meta.PriorityFeeLamports != nil:
		priorityFee = *meta.PriorityFeeLamports
	default:
		priorityFee = prefs.DefaultPriorityFee
	}
	bribery := prefs.BriberyAmount

	// 7. Broadcast.
	var txHash string
	if p.Simulated {
		txHash = "sim-" + uuid.NewString()
	} else {
		txHash, err = e.broadcast(ctx, p, kp, shared, priorityFee, bribery)
		if err != nil {
			e.coolOff.Set(p.Mint)
			e.idem.Release(idemKey)
			classified := blockchain.ClassifyTxError(err)
			return "", &SwapError{Mint: p.Mint, Class: classified.Class, Detail: classified.Message, Err: err}
		}
	}

	// 8. Enrichment.
	inDecimals := e.decimals(ctx, p.Quote.InputMint)
	outDecimals := e.decimals(ctx, p.Quote.OutputMint)
	inPriceUSD := e.inputPriceUSD(ctx, meta.UserID, p.Quote.InputMint)

	inUi := float64(p.Quote.InAmountUint64()) / math.Pow10(inDecimals)
	outUi := float64(p.Quote.OutAmountUint64()) / math.Pow10(outDecimals)

	var entryPrice, entryPriceUSD, usdValue float64
	if outUi > 0 {
		entryPrice = inUi / outUi
		entryPriceUSD = entryPrice * inPriceUSD
	}
	usdValue = inUi * inPriceUSD

	// 9. Persist.
	trade := &storage.Trade{
		ID:            uuid.NewString(),
		Mint:          p.Mint,
		UserID:        meta.UserID,
		WalletID:      meta.WalletID,
		WalletLabel:   wallet.Label,
		Strategy:      meta.Strategy,
		BotID:         meta.BotID,
		Side:          "buy",
		InAmount:      p.Quote.InAmountUint64(),
		OutAmount:     p.Quote.OutAmountUint64(),
		EntryPrice:    entryPrice,
		EntryPriceUSD: entryPriceUSD,
		Unit:          unitOf(p.Quote.InputMint),
		Decimals:      outDecimals,
		USDValue:      usdValue,
		Slippage:      meta.Slippage,
		MEVMode:       prefs.MEVMode,
		PriorityFee:   priorityFee,
		BriberyAmount: bribery,
		InputMint:     p.Quote.InputMint,
		OutputMint:    p.Quote.OutputMint,
		TxHash:        txHash,
		Simulated:     p.Simulated,
		CreatedAt:     time.Now(),
	}
	if err := e.repo.InsertTrade(ctx, trade); err != nil {
		e.idem.Release(idemKey)
		return "", fmt.Errorf("persist trade: %w", err)
	}

	// 10. TP/SL rule.
	if (meta.TP != 0 || meta.SL != 0 || meta.TPPercent != 0 || meta.SLPercent != 0) && tpSlEligible(meta.Strategy) {
		sellPct := meta.SellPct
		if sellPct <= 0 {
			sellPct = 100
		}
		rule := &storage.TpSlRule{
			UserID:     meta.UserID,
			WalletID:   meta.WalletID,
			Mint:       p.Mint,
			Strategy:   meta.Strategy,
			TP:         meta.TP,
			SL:         meta.SL,
			TPPercent:  meta.TPPercent,
			SLPercent:  meta.SLPercent,
			EntryPrice: entryPriceUSD,
			SellPct:    sellPct,
			Enabled:    true,
			Status:     storage.RuleActive,
		}
		if err := e.repo.UpsertTpSlRule(ctx, rule); err != nil {
			log.Error().Err(err).Str("mint", p.Mint).Msg("tp/sl rule upsert failed")
		}
	}

	// 11. Idempotency result cache.
	e.idem.StoreResult(idemKey, txHash, idemTTL)

	// 12. Alert + net-worth snapshot.
	e.notifier.Notify(alert.Alert{
		UserID:    meta.UserID,
		Category:  meta.Category,
		Strategy:  meta.Strategy,
		Mint:      p.Mint,
		AmountUI:  inUi,
		ImpactPct: p.Quote.PriceImpact(),
		TxHash:    txHash,
		Simulated: p.Simulated,
	})
	e.snapshotNetWorth(ctx, meta.UserID, meta.WalletID)

	log.Info().
		Str("mint", p.Mint).
		Str("strategy", meta.Strategy).
		Str("txHash", txHash).
		Float64("amount", inUi).
		Bool("simulated", p.Simulated).
		Msg("trade executed")

	return txHash, nil
}

func (e *Executor) broadcast(ctx context.Context, p ExecTradeParams, kp *blockchain.Keypair, shared bool, priorityFee, bribery uint64) (string, error) {
	pool, opts := e.resolvePool(p.Meta)

	req := aggregator.SwapRequest{
		Quote:                         p.Quote,
		Wallet:                        kp,
		Shared:                        shared,
		ComputeUnitPriceMicroLamports: priorityFee,
		TipLamports:                   bribery,
	}
	if pool != nil {
		req.SendRawTransaction = func(ctx context.Context, rawBase64, sigHint string) (string, error) {
			o := opts
			o.SigHint = sigHint
			return pool.SendRawTransactionQuorum(ctx, rawBase64, o)
		}
	}

	if p.Meta.Turbo {
		return e.swapper.ExecuteSwapTurbo(ctx, req)
	}
	return e.swapper.ExecuteSwap(ctx, req)
}

// resolvePool prefers per-call endpoints, then the engine pool, then the
// RPC_POOL_* environment.
func (e *Executor) resolvePool(meta TradeMeta) (*rpcpool.Pool, rpcpool.Options) {
	if len(meta.RPCEndpoints) > 0 {
		opts := rpcpool.Options{
			Quorum:                    meta.RPCQuorum,
			MaxFanout:                 meta.RPCMaxFanout,
			StaggerMs:                 meta.RPCStaggerMs,
			TreatAlreadyProcessedAsOk: true,
		}
		if meta.RPCTimeoutMs > 0 {
			opts.Timeout = time.Duration(meta.RPCTimeoutMs) * time.Millisecond
		}
		return rpcpool.New(meta.RPCEndpoints), opts
	}
	if e.pool != nil {
		return e.pool, e.poolOpts
	}
	return rpcpool.FromEnv()
}

func (e *Executor) decimals(ctx context.Context, mint string) int {
	e.cacheMu.Lock()
	if hit, ok := e.decCache[mint]; ok && time.Since(hit.fetchedAt) < time.Hour {
		e.cacheMu.Unlock()
		return hit.decimals
	}
	e.cacheMu.Unlock()

	dec, err := e.oracle.Decimals(ctx, mint)
	if err != nil || dec <= 0 {
		if mint == aggregator.USDCMint {
			dec = 6
		} else {
			dec = 9
		}
	}

	e.cacheMu.Lock()
	e.decCache[mint] = cachedDecimals{decimals: dec, fetchedAt: time.Now()}
	e.cacheMu.Unlock()
	return dec
}

func (e *Executor) inputPriceUSD(ctx context.Context, userID, mint string) float64 {
	key := userID + "|" + mint
	e.cacheMu.Lock()
	if hit, ok := e.priceCache[key]; ok && time.Since(hit.fetchedAt) < 30*time.Second {
		e.cacheMu.Unlock()
		return hit.price
	}
	e.cacheMu.Unlock()

	price, err := e.oracle.PriceUSD(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("input price unavailable")
		return 0
	}

	e.cacheMu.Lock()
	e.priceCache[key] = cachedPrice{price: price, fetchedAt: time.Now()}
	e.cacheMu.Unlock()
	return price
}

func (e *Executor) snapshotNetWorth(ctx context.Context, userID, walletID string) {
	trades, err := e.repo.OpenTradesByUser(ctx, userID, walletID)
	if err != nil {
		return
	}
	var total float64
	for _, t := range trades {
		total += t.USDValue
	}
	_ = e.repo.InsertNetWorthSnapshot(ctx, &storage.NetWorthSnapshot{
		UserID:   userID,
		WalletID: walletID,
		TotalUSD: total,
	})
}

func unitOf(inputMint string) string {
	switch inputMint {
	case aggregator.SOLMint:
		return "sol"
	case aggregator.USDCMint:
		return "usdc"
	default:
		return "spl"
	}
}

// tpSlEligible excludes strategies that manage their own exits.
func tpSlEligible(strategy string) bool {
	switch strategy {
	case "rotationBot", "rebalancer":
		return false
	}
	return true
}
