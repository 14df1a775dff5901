package config

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	RPC        RPCConfig        `mapstructure:"rpc"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Feeds      FeedsConfig      `mapstructure:"feeds"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Control    ControlConfig    `mapstructure:"control"`
	Arm        ArmConfig        `mapstructure:"arm"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
}

type RPCConfig struct {
	PrimaryURL     string `mapstructure:"primary_url"`
	FallbackURL    string `mapstructure:"fallback_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"`
	PoolEndpoints  string `mapstructure:"pool_endpoints"` // CSV; RPC_POOL_ENDPOINTS overrides
	PoolQuorum     int    `mapstructure:"pool_quorum"`
	PoolMaxFanout  int    `mapstructure:"pool_max_fanout"`
	PoolStaggerMs  int    `mapstructure:"pool_stagger_ms"`
	PoolTimeoutMs  int    `mapstructure:"pool_timeout_ms"`
	PrivateRPCURL  string `mapstructure:"private_rpc_url"`
}

type AggregatorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	APIKeysEnv     string `mapstructure:"api_keys_env"`
}

type OracleConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type FeedsConfig struct {
	ListingsWSURL    string `mapstructure:"listings_ws_url"`
	PriceWSURL       string `mapstructure:"price_ws_url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type ControlConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type ArmConfig struct {
	DefaultTTLMinutes int `mapstructure:"default_ttl_minutes"`
}

type ExecutorConfig struct {
	IdempotencyTTLSeconds int     `mapstructure:"idempotency_ttl_seconds"`
	CoolOffSeconds        float64 `mapstructure:"cool_off_seconds"`
	DuplicateWindowSeconds int    `mapstructure:"duplicate_window_seconds"`
}

// Manager handles config loading and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads the config file and starts watching it.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("rpc.fallback_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("rpc.api_key_env", "RPC_API_KEY")
	v.SetDefault("rpc.pool_quorum", 1)
	v.SetDefault("rpc.pool_stagger_ms", 50)
	v.SetDefault("rpc.pool_timeout_ms", 10000)
	v.SetDefault("aggregator.base_url", "https://api.jup.ag/swap/v1")
	v.SetDefault("aggregator.timeout_seconds", 10)
	v.SetDefault("aggregator.api_keys_env", "AGGREGATOR_API_KEYS")
	v.SetDefault("oracle.timeout_seconds", 8)
	v.SetDefault("feeds.reconnect_delay_ms", 2000)
	v.SetDefault("feeds.ping_interval_ms", 15000)
	v.SetDefault("storage.sqlite_path", "./data/engine.db")
	v.SetDefault("control.listen_host", "127.0.0.1")
	v.SetDefault("control.listen_port", 8787)
	v.SetDefault("arm.default_ttl_minutes", 30)
	v.SetDefault("executor.idempotency_ttl_seconds", 60)
	v.SetDefault("executor.cool_off_seconds", 7)
	v.SetDefault("executor.duplicate_window_seconds", 60)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	m := &Manager{config: &cfg, viper: v}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config snapshot (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetRPCAPIKey loads the RPC API key from its env var.
func (m *Manager) GetRPCAPIKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return os.Getenv(m.config.RPC.APIKeyEnv)
}

// PoolEndpoints resolves the quorum endpoint list: the RPC_POOL_ENDPOINTS env
// var wins, then the config file, then the primary+fallback pair.
func (m *Manager) PoolEndpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	csv := os.Getenv("RPC_POOL_ENDPOINTS")
	if csv == "" {
		csv = m.config.RPC.PoolEndpoints
	}
	if csv == "" {
		var eps []string
		if m.config.RPC.PrimaryURL != "" {
			eps = append(eps, m.config.RPC.PrimaryURL)
		}
		if m.config.RPC.FallbackURL != "" {
			eps = append(eps, m.config.RPC.FallbackURL)
		}
		return eps
	}

	parts := strings.Split(csv, ",")
	eps := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			eps = append(eps, p)
		}
	}
	return eps
}

// ArmTTL returns the default arm session TTL.
func (m *Manager) ArmTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Arm.DefaultTTLMinutes) * time.Minute
}

// AggregatorTimeout returns the aggregator HTTP timeout.
func (m *Manager) AggregatorTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Aggregator.TimeoutSeconds) * time.Second
}
