package strategy

import (
	"encoding/json"
	"fmt"
)

// Strategy configs are a tagged union keyed by mode. The control layer hands
// the core already-validated JSON; ParseConfig decodes it into the concrete
// per-mode type.

// Mode names.
const (
	ModeSniper     = "sniper"
	ModeScalper    = "scalper"
	ModeBreakout   = "breakout"
	ModeTrend      = "trendFollower"
	ModeDip        = "dipBuyer"
	ModeChad       = "chadMode"
	ModeStealth    = "stealthBot"
	ModeRebalancer = "rebalancer"
	ModeRotation   = "rotationBot"
	ModePaper      = "paperTrader"
)

// CommonConfig is shared by every mode.
type CommonConfig struct {
	UserID       string   `json:"userId"`
	WalletID     string   `json:"walletId"`
	WalletLabels []string `json:"walletLabels,omitempty"`

	AmountToSpend float64 `json:"amountToSpend"` // SOL
	Slippage      float64 `json:"slippage"`
	MaxSlippage   float64 `json:"maxSlippage"` // max tolerated priceImpactPct
	Interval      int     `json:"interval"`    // seconds between ticks
	MaxTrades     int     `json:"maxTrades"`
	TakeProfit    float64 `json:"takeProfit"` // percent
	StopLoss      float64 `json:"stopLoss"`   // percent

	HaltOnFailures int     `json:"haltOnFailures"`
	MaxDailyVolume float64 `json:"maxDailyVolume"` // USD, 0 = uncapped
	MaxTokenAgeMin float64 `json:"maxTokenAgeMinutes"`

	DisableSafety bool            `json:"disableSafety,omitempty"`
	SafetyChecks  map[string]bool `json:"safetyChecks,omitempty"`
	DryRun        bool            `json:"dryRun,omitempty"`

	PriorityFeeLamports *uint64 `json:"priorityFeeLamports,omitempty"`
	Turbo               bool    `json:"turbo,omitempty"`
}

// Config is the mode-tagged union every runtime consumes.
type Config interface {
	Mode() string
	Common() *CommonConfig
}

// SniperConfig scans the new-listings feed.
type SniperConfig struct {
	CommonConfig
	EntryThreshold  float64 `json:"entryThreshold"` // min price change percent
	VolumeThreshold float64 `json:"volumeThreshold"`
	LimitUSD        float64 `json:"limitUsd,omitempty"` // only buy below this price
}

func (c *SniperConfig) Mode() string          { return ModeSniper }
func (c *SniperConfig) Common() *CommonConfig { return &c.CommonConfig }

// ScalperConfig trades short moves on a watched mint set.
type ScalperConfig struct {
	CommonConfig
	Mints           []string `json:"mints"`
	EntryThreshold  float64  `json:"entryThreshold"`
	VolumeThreshold float64  `json:"volumeThreshold"`
	PriceWindowMin  int      `json:"priceWindowMinutes"`
	VolumeWindowMin int      `json:"volumeWindowMinutes"`
}

func (c *ScalperConfig) Mode() string          { return ModeScalper }
func (c *ScalperConfig) Common() *CommonConfig { return &c.CommonConfig }

// BreakoutConfig buys momentum breakouts over a longer window.
type BreakoutConfig struct {
	CommonConfig
	Mints            []string `json:"mints"`
	BreakoutPct      float64  `json:"breakoutPct"`
	VolumeSpikeMult  float64  `json:"volumeSpikeMult"`
	PriceWindowMin   int      `json:"priceWindowMinutes"`
	VolumeWindowMin  int      `json:"volumeWindowMinutes"`
}

func (c *BreakoutConfig) Mode() string          { return ModeBreakout }
func (c *BreakoutConfig) Common() *CommonConfig { return &c.CommonConfig }

// TrendConfig follows sustained direction on watched mints.
type TrendConfig struct {
	CommonConfig
	Mints          []string `json:"mints"`
	TrendPct       float64  `json:"trendPct"`
	PriceWindowMin int      `json:"priceWindowMinutes"`
}

func (c *TrendConfig) Mode() string          { return ModeTrend }
func (c *TrendConfig) Common() *CommonConfig { return &c.CommonConfig }

// DipConfig buys drawdowns.
type DipConfig struct {
	CommonConfig
	Mints          []string `json:"mints"`
	DipPct         float64  `json:"dipPct"` // positive number, e.g. 12 = buy a -12% move
	PriceWindowMin int      `json:"priceWindowMinutes"`
}

func (c *DipConfig) Mode() string          { return ModeDip }
func (c *DipConfig) Common() *CommonConfig { return &c.CommonConfig }

// ChadConfig chases outsized vertical moves.
type ChadConfig struct {
	CommonConfig
	Mints          []string `json:"mints"`
	MinMovePct     float64  `json:"minMovePct"`
	PriceWindowMin int      `json:"priceWindowMinutes"`
}

func (c *ChadConfig) Mode() string          { return ModeChad }
func (c *ChadConfig) Common() *CommonConfig { return &c.CommonConfig }

// StealthConfig splits buys across a wallet rotation with per-wallet jitter.
type StealthConfig struct {
	CommonConfig
	Mint              string   `json:"mint"`
	WalletIDs         []string `json:"walletIds"`
	SizeJitterPct     float64  `json:"sizeJitterPct"`
	SlippageJitterPct float64  `json:"slippageJitterPct"`
	DelayMinMs        int      `json:"delayMinMs"`
	DelayMaxMs        int      `json:"delayMaxMs"`
	// AutoForward: "" | "onEachBuy" | "onFinish"
	AutoForward     string `json:"autoForward,omitempty"`
	ForwardDest     string `json:"forwardDest,omitempty"`
	SolFloorLamports uint64 `json:"solFloorLamports,omitempty"`
}

func (c *StealthConfig) Mode() string          { return ModeStealth }
func (c *StealthConfig) Common() *CommonConfig { return &c.CommonConfig }

// RebalancerConfig keeps portfolio weights near their targets.
type RebalancerConfig struct {
	CommonConfig
	TargetWeights map[string]float64 `json:"targetWeights"` // mint -> weight (sums to 1)
	BandPct       float64            `json:"bandPct"`       // rebalance when drift exceeds
}

func (c *RebalancerConfig) Mode() string          { return ModeRebalancer }
func (c *RebalancerConfig) Common() *CommonConfig { return &c.CommonConfig }

// RotationConfig rotates the position into the strongest watched mint.
type RotationConfig struct {
	CommonConfig
	Mints          []string `json:"mints"`
	PriceWindowMin int      `json:"priceWindowMinutes"`
	MinEdgePct     float64  `json:"minEdgePct"` // required lead over current holding
}

func (c *RotationConfig) Mode() string          { return ModeRotation }
func (c *RotationConfig) Common() *CommonConfig { return &c.CommonConfig }

// PaperConfig wraps another mode's scan with simulated execution.
type PaperConfig struct {
	CommonConfig
	WrapMode   string          `json:"wrapMode"`
	WrapConfig json.RawMessage `json:"wrapConfig"`
}

func (c *PaperConfig) Mode() string          { return ModePaper }
func (c *PaperConfig) Common() *CommonConfig { return &c.CommonConfig }

// ParseConfig decodes raw JSON into the mode's concrete config type.
func ParseConfig(mode string, raw []byte) (Config, error) {
	var cfg Config
	switch mode {
	case ModeSniper:
		cfg = &SniperConfig{}
	case ModeScalper:
		cfg = &ScalperConfig{}
	case ModeBreakout:
		cfg = &BreakoutConfig{}
	case ModeTrend:
		cfg = &TrendConfig{}
	case ModeDip:
		cfg = &DipConfig{}
	case ModeChad:
		cfg = &ChadConfig{}
	case ModeStealth:
		cfg = &StealthConfig{}
	case ModeRebalancer:
		cfg = &RebalancerConfig{}
	case ModeRotation:
		cfg = &RotationConfig{}
	case ModePaper:
		cfg = &PaperConfig{}
	default:
		return nil, fmt.Errorf("unknown strategy mode %q", mode)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s config: %w", mode, err)
		}
	}

	c := cfg.Common()
	if c.Interval <= 0 {
		c.Interval = 5
	}
	if c.HaltOnFailures <= 0 {
		c.HaltOnFailures = 5
	}
	if c.Slippage <= 0 {
		c.Slippage = 1.0
	}
	return cfg, nil
}
