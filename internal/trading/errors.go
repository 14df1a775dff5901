package trading

import (
	"errors"
	"fmt"

	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/rpcpool"
)

// Stable error codes surfaced to users and the control API.
const (
	CodeKillSwitch     = "KILL_SWITCH_ACTIVE"
	CodeNotArmed       = "AUTOMATION_NOT_ARMED"
	CodeCoolOff        = "COOL_OFF_ACTIVE"
	CodeSafetyFailed   = "SAFETY_FAILED"
	CodeQuoteMissing   = "QUOTE_UNAVAILABLE"
	CodeSwapFailed     = "SWAP_FAILED"
	CodeQuorumTimeout  = "QUORUM_TIMEOUT"
	CodeInvariant      = "INVARIANT_VIOLATION"
)

// ErrKillSwitchActive rejects every non-simulated trade while the process
// kill switch is set.
var ErrKillSwitchActive = errors.New("trade rejected: kill switch active")

// NotArmedError is fatal for the current call and never retried in core; the
// UI prompts the user to arm.
type NotArmedError struct {
	UserID   string
	WalletID string
}

func (e *NotArmedError) Error() string {
	return fmt.Sprintf("automation not armed for wallet %s", e.WalletID)
}

// StatusCode returns the HTTP status the control layer surfaces.
func (e *NotArmedError) StatusCode() int { return 401 }

// CoolOffError marks a mint inside its post-failure back-off window.
type CoolOffError struct {
	Mint string
}

func (e *CoolOffError) Error() string {
	return fmt.Sprintf("cool-off active for %s", e.Mint)
}

// QuoteUnavailableError skips a candidate whose quote could not be fetched.
type QuoteUnavailableError struct {
	Mint string
	Err  error
}

func (e *QuoteUnavailableError) Error() string {
	return fmt.Sprintf("quote unavailable for %s: %v", e.Mint, e.Err)
}

func (e *QuoteUnavailableError) Unwrap() error { return e.Err }

// SafetyFailedError skips a candidate that failed a pre-trade check. It does
// not count toward a bot's failure counter.
type SafetyFailedError struct {
	Mint  string
	Check string
	Why   string
}

func (e *SafetyFailedError) Error() string {
	return fmt.Sprintf("safety check %s failed for %s: %s", e.Check, e.Mint, e.Why)
}

// SwapError is a classified broadcast failure. It sets the mint's cool-off
// before propagating.
type SwapError struct {
	Mint   string
	Class  blockchain.FailClass
	Detail string
	Err    error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("swap failed (%s) for %s: %s", e.Class, e.Mint, e.Detail)
}

func (e *SwapError) Unwrap() error { return e.Err }

// InvariantError aborts a reducer transaction.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "position invariant violated: " + e.Detail
}

// Code maps an error to its stable code, or "" for unclassified errors.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrKillSwitchActive):
		return CodeKillSwitch
	}

	var notArmed *NotArmedError
	if errors.As(err, &notArmed) {
		return CodeNotArmed
	}
	var coolOff *CoolOffError
	if errors.As(err, &coolOff) {
		return CodeCoolOff
	}
	var safety *SafetyFailedError
	if errors.As(err, &safety) {
		return CodeSafetyFailed
	}
	var quote *QuoteUnavailableError
	if errors.As(err, &quote) {
		return CodeQuoteMissing
	}
	var swap *SwapError
	if errors.As(err, &swap) {
		var quorum *rpcpool.QuorumError
		if errors.As(swap.Err, &quorum) && quorum.TimedOut {
			return CodeQuorumTimeout
		}
		return CodeSwapFailed
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		return CodeInvariant
	}
	return ""
}
