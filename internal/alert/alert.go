package alert

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Alert is one structured user-facing event. Delivery transports (telegram,
// browser fan-out) live outside the core; they drain the notifier's stream.
type Alert struct {
	UserID    string  `json:"userId"`
	Category  string  `json:"category"`
	Strategy  string  `json:"strategy,omitempty"`
	Mint      string  `json:"mint,omitempty"`
	AmountUI  float64 `json:"amount,omitempty"`
	ImpactPct float64 `json:"impactPct,omitempty"`
	TxHash    string  `json:"txHash,omitempty"`
	TxURL     string  `json:"txUrl,omitempty"`
	Simulated bool    `json:"simulated,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// Notifier is the capability trade paths emit alerts through.
type Notifier interface {
	Notify(a Alert)
}

// Emitter logs alerts and fans them into a bounded stream for transports.
// A full stream drops the oldest pending alert rather than blocking a trade.
type Emitter struct {
	mu     sync.Mutex
	stream chan Alert
}

// NewEmitter creates an emitter with the given buffer size.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 256
	}
	return &Emitter{stream: make(chan Alert, buffer)}
}

// Notify implements Notifier.
func (e *Emitter) Notify(a Alert) {
	if a.TxHash != "" && a.TxURL == "" && !a.Simulated {
		a.TxURL = "https://solscan.io/tx/" + a.TxHash
	}

	log.Info().
		Str("userId", a.UserID).
		Str("category", a.Category).
		Str("strategy", a.Strategy).
		Str("mint", a.Mint).
		Float64("amount", a.AmountUI).
		Str("txHash", a.TxHash).
		Bool("simulated", a.Simulated).
		Msg("alert")

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		select {
		case e.stream <- a:
			return
		default:
			select {
			case <-e.stream:
			default:
			}
		}
	}
}

// Stream exposes the alert feed for delivery transports.
func (e *Emitter) Stream() <-chan Alert {
	return e.stream
}

// Discard is a Notifier that drops everything (paper runs, tests).
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(Alert) {}
