package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"solana-trade-engine/internal/aggregator"
	"solana-trade-engine/internal/alert"
	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/config"
	"solana-trade-engine/internal/feed"
	"solana-trade-engine/internal/health"
	"solana-trade-engine/internal/monitor"
	"solana-trade-engine/internal/oracle"
	"solana-trade-engine/internal/rpcpool"
	"solana-trade-engine/internal/safety"
	"solana-trade-engine/internal/storage"
	"solana-trade-engine/internal/strategy"
	"solana-trade-engine/internal/supervisor"
	"solana-trade-engine/internal/trading"
)

// Engine is the process-wide root: every shared cache, gate and capability is
// constructed exactly once here and passed by reference.
type Engine struct {
	Config   *config.Manager
	DB       *storage.DB
	Arm      *armcache.Cache
	RPC      *blockchain.RPCClient
	Pool     *rpcpool.Pool
	PoolOpts rpcpool.Options
	Oracle   *oracle.Client
	Swapper  *aggregator.Swapper
	Safety   *safety.Engine
	Executor *trading.Executor
	Notifier *alert.Emitter
	Health   *health.Tracker
	Market   *feed.Market
	Sup      *supervisor.Supervisor

	blockhashes *blockchain.BlockhashCache
	monitors    []monitor.Monitor
}

// reducerAdapter exposes the executor's transactional reduce as the strategy
// capability.
type reducerAdapter struct {
	exec *trading.Executor
}

func (r reducerAdapter) Reduce(ctx context.Context, p trading.ReduceParams) (*trading.Reduction, error) {
	return r.exec.ReduceOnly(ctx, p)
}

// Build assembles the engine from configuration.
func Build(ctx context.Context, cfgPath string) (*Engine, error) {
	mgr, err := config.NewManager(cfgPath)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()

	db, err := storage.NewDB(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}

	arm := armcache.New()
	arm.StartSweeper(ctx)

	rpc := blockchain.NewRPCClient(cfg.RPC.PrimaryURL, cfg.RPC.FallbackURL, mgr.GetRPCAPIKey())

	blockhashes := blockchain.NewBlockhashCache(rpc, 5*time.Second, 60*time.Second)
	if err := blockhashes.Start(); err != nil {
		log.Warn().Err(err).Msg("blockhash cache start failed; transfers fetch on demand")
		blockhashes = nil
	}

	pool := rpcpool.New(mgr.PoolEndpoints())
	poolOpts := rpcpool.Options{
		Quorum:                    cfg.RPC.PoolQuorum,
		MaxFanout:                 cfg.RPC.PoolMaxFanout,
		StaggerMs:                 cfg.RPC.PoolStaggerMs,
		Timeout:                   time.Duration(cfg.RPC.PoolTimeoutMs) * time.Millisecond,
		TreatAlreadyProcessedAsOk: true,
	}
	if envPool, envOpts := rpcpool.FromEnv(); envPool != nil {
		pool, poolOpts = envPool, envOpts
	}

	oracleClient := oracle.NewClient(cfg.Oracle.BaseURL, time.Duration(cfg.Oracle.TimeoutSeconds)*time.Second)

	aggClient := aggregator.NewClient(cfg.Aggregator.BaseURL, mgr.AggregatorTimeout(), nil)
	swapper := aggregator.NewSwapper(aggClient, rpc)

	safetyEngine := safety.NewEngine(swapper, oracleClient, rpc)

	notifier := alert.NewEmitter(256)
	tracker := health.NewTracker()

	executor := trading.NewExecutor(db, arm, swapper, oracleClient, notifier, pool, poolOpts)
	idem, coolOff := executor.Gates()
	trading.StartSweeps(ctx, idem, coolOff)

	market := feed.NewMarket(
		cfg.Feeds.ListingsWSURL,
		cfg.Feeds.PriceWSURL,
		oracleClient,
		time.Duration(cfg.Feeds.ReconnectDelayMs)*time.Millisecond,
		time.Duration(cfg.Feeds.PingIntervalMs)*time.Millisecond,
	)
	market.Start(ctx)

	deps := strategy.Deps{
		Executor:  executor,
		Quotes:    swapper,
		Safety:    safetyEngine,
		Repo:      db,
		Market:    market,
		Health:    tracker,
		Notifier:  notifier,
		Reducer:   reducerAdapter{exec: executor},
		Forwarder: trading.NewWalletForwarder(db, rpc, blockhashes, executor),
	}

	sup := supervisor.New(ctx, deps, "./data/crashes")

	eng := &Engine{
		Config:   mgr,
		DB:       db,
		Arm:      arm,
		RPC:      rpc,
		Pool:     pool,
		PoolOpts: poolOpts,
		Oracle:   oracleClient,
		Swapper:  swapper,
		Safety:   safetyEngine,
		Executor: executor,
		Notifier: notifier,
		Health:   tracker,
		Market:   market,
		Sup:      sup,

		blockhashes: blockhashes,
	}

	eng.monitors = []monitor.Monitor{
		monitor.NewLimitMonitor(db, oracleClient, swapper, executor, executor),
		monitor.NewDcaMonitor(db, oracleClient, swapper, executor, executor),
		monitor.NewTpSlMonitor(db, oracleClient, executor),
		monitor.NewSchedulerMonitor(db, sup, arm, notifier),
	}
	return eng, nil
}

// StartMonitors registers the always-on watchers once.
func (e *Engine) StartMonitors(ctx context.Context) {
	for _, m := range e.monitors {
		m := m
		go monitor.Run(ctx, m)
		log.Info().Str("monitor", m.Name()).Dur("cadence", m.Cadence()).Msg("monitor started")
	}
}

// Shutdown drains bots, purges secrets and closes the repository.
func (e *Engine) Shutdown() {
	e.Sup.Shutdown(15 * time.Second)
	e.Arm.PurgeAll()
	if e.blockhashes != nil {
		e.blockhashes.Stop()
	}
	if err := e.DB.Close(); err != nil {
		log.Warn().Err(err).Msg("db close failed")
	}
}
