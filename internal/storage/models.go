package storage

import "time"

// Trade is one open position lot. A lot is open iff OutAmount > 0.
type Trade struct {
	ID              string
	Mint            string
	UserID          string
	WalletID        string
	WalletLabel     string
	Strategy        string
	BotID           string
	Side            string
	InAmount        uint64
	OutAmount       uint64
	ClosedOutAmount uint64
	EntryPrice      float64
	EntryPriceUSD   float64
	Unit            string // sol | usdc | spl
	Decimals        int
	USDValue        float64
	Slippage        float64
	MEVMode         string
	PriorityFee     uint64
	BriberyAmount   uint64
	InputMint       string
	OutputMint      string
	TxHash          string
	Simulated       bool
	CreatedAt       time.Time
}

// ClosedTrade is the immutable record of one position reduction slice.
type ClosedTrade struct {
	ID            string
	Mint          string
	UserID        string
	WalletID      string
	WalletLabel   string
	Strategy      string
	Side          string
	InAmount      uint64
	OutAmount     uint64
	EntryPrice    float64
	EntryPriceUSD float64
	ExitPrice     float64
	ExitPriceUSD  float64
	Decimals      int
	TriggerType   string // manual | tp | sl | limit | dca | ...
	TxHash        string
	ExitedAt      time.Time
}

// TpSlRule is a take-profit / stop-loss watcher rule keyed by
// (userId, walletId, mint, strategy).
type TpSlRule struct {
	ID         int64
	UserID     string
	WalletID   string
	Mint       string
	Strategy   string
	TP         float64 // absolute trigger price, 0 = unset
	SL         float64
	TPPercent  float64 // percent above entry, 0 = unset
	SLPercent  float64
	EntryPrice float64
	SellPct    float64
	Force      bool
	Enabled    bool
	Status     string // active | triggered | failed
	FailCount  int
}

// Rule statuses.
const (
	RuleActive    = "active"
	RuleTriggered = "triggered"
	RuleFailed    = "failed"
)

// LimitOrder fires when spot price crosses the target in its direction.
type LimitOrder struct {
	ID          int64
	UserID      string
	WalletID    string
	Mint        string
	Side        string // buy | sell
	TargetPrice float64
	Amount      uint64
	Force       bool
	Status      string // open | filling | filled | failed
	FailCount   int
	CreatedAt   time.Time
}

// Limit order statuses.
const (
	OrderOpen    = "open"
	OrderFilling = "filling"
	OrderFilled  = "filled"
	OrderFailed  = "failed"
)

// DcaOrder ladders a total amount over numBuys tranches.
type DcaOrder struct {
	ID            int64
	UserID        string
	WalletID      string
	Mint          string
	Side          string
	Amount        uint64 // total across all tranches
	Unit          string // sol | usdc
	NumBuys       int
	FreqHours     float64
	StopAbove     float64 // 0 = no band
	StopBelow     float64
	CompletedBuys int
	Status        string // active | firing | done | failed
	NextFireAt    time.Time
}

// DCA statuses.
const (
	DcaActive = "active"
	DcaFiring = "firing"
	DcaDone   = "done"
	DcaFailed = "failed"
)

// Schedule materialises into a running bot at or after LaunchAt.
type Schedule struct {
	ID          int64
	UserID      string
	Mode        string
	ConfigJSON  string
	WalletID    string
	WalletLabel string
	LaunchAt    time.Time
	Limit       int
	Status      string // pending | launching | launched | failed
	Attempts    int
}

// Schedule statuses.
const (
	SchedulePending   = "pending"
	ScheduleLaunching = "launching"
	ScheduleLaunched  = "launched"
	ScheduleFailed    = "failed"
)

// Wallet is a user's signing wallet. Exactly one of EncryptedBlob (envelope
// v1 JSON) or LegacyCiphertext is set.
type Wallet struct {
	ID               string
	UserID           string
	Label            string
	PublicKey        string
	IsProtected      bool
	IsActive         bool
	EncryptedBlob    string
	LegacyCiphertext string
}

// UserPreference holds per-user trading defaults.
type UserPreference struct {
	UserID             string
	DefaultSlippage    float64
	MEVMode            string // off | secure
	DefaultPriorityFee uint64
	BriberyAmount      uint64
	ConfirmTrades      bool
	AutoBuyAmount      float64
	RequireArmToTrade  bool
}

// TelegramPreference routes alert delivery.
type TelegramPreference struct {
	UserID   string
	ChatID   int64
	Enabled  bool
	Types    string // CSV of alert categories
}

// NetWorthSnapshot is one point of the per-user net worth series.
type NetWorthSnapshot struct {
	ID        int64
	UserID    string
	WalletID  string
	TotalUSD  float64
	CreatedAt time.Time
}
