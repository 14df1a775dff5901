package blockchain

import (
	"strings"
)

// FailClass buckets swap failures for the executor's error taxonomy: USER
// failures (slippage, funds) are actionable by the user, NET failures
// (blockhash, rate limit, timeout) are transient, UNKNOWN is everything else.
type FailClass string

const (
	FailUser    FailClass = "USER"
	FailNet     FailClass = "NET"
	FailUnknown FailClass = "UNKNOWN"
)

// TxError is a classified, human-readable transaction error.
type TxError struct {
	Class   FailClass
	Raw     string
	Message string
	Action  string
}

func (e *TxError) Error() string {
	return e.Message
}

// ClassifyTxError translates an RPC/aggregator error into a classified,
// user-presentable form.
func ClassifyTxError(err error) *TxError {
	if err == nil {
		return nil
	}

	raw := err.Error()
	txErr := &TxError{Raw: raw, Class: FailUnknown}

	switch {
	// Insufficient balance
	case contains(raw, "no record of a prior credit"):
		txErr.Class = FailUser
		txErr.Message = "insufficient balance: wallet has 0 SOL"
		txErr.Action = "fund wallet with SOL"

	case contains(raw, "insufficient funds"), contains(raw, "insufficient lamports"):
		txErr.Class = FailUser
		txErr.Message = "insufficient balance for trade + fees"
		txErr.Action = "add more SOL to wallet"

	// Slippage / price movement
	case contains(raw, "slippage"), contains(raw, "ExceededSlippage"):
		txErr.Class = FailUser
		txErr.Message = "slippage exceeded: price moved too much"
		txErr.Action = "increase slippage or retry"

	// Blockhash expiry
	case contains(raw, "blockhash not found"), contains(raw, "block height exceeded"):
		txErr.Class = FailNet
		txErr.Message = "transaction expired: blockhash too old"
		txErr.Action = "retry immediately"

	// Rate limiting
	case contains(raw, "429"), contains(raw, "rate limit"):
		txErr.Class = FailNet
		txErr.Message = "rate limited by RPC"
		txErr.Action = "wait and retry"

	// Account errors
	case contains(raw, "account not found"), contains(raw, "AccountNotFound"):
		txErr.Class = FailUser
		txErr.Message = "required account missing"
		txErr.Action = "check token balance / ATA"

	// Compute budget
	case contains(raw, "compute budget exceeded"):
		txErr.Class = FailUnknown
		txErr.Message = "out of compute: transaction too complex"
		txErr.Action = "increase compute unit limit"

	// Program errors
	case contains(raw, "custom program error"), contains(raw, "0x1"):
		txErr.Class = FailUnknown
		txErr.Message = "program rejected the swap"
		txErr.Action = "check token liquidity"

	// Network
	case contains(raw, "connection refused"), contains(raw, "no such host"):
		txErr.Class = FailNet
		txErr.Message = "RPC connection failed"
		txErr.Action = "check endpoints"

	case contains(raw, "timeout"), contains(raw, "deadline exceeded"):
		txErr.Class = FailNet
		txErr.Message = "RPC timeout"
		txErr.Action = "retry"

	case contains(raw, "simulation failed"):
		txErr.Class = FailUnknown
		txErr.Message = "simulation failed: transaction would fail on-chain"
		txErr.Action = "check logs"

	default:
		txErr.Message = "transaction failed"
		txErr.Action = "check raw error"
	}

	return txErr
}

// HumanError returns a short human-readable error string.
func HumanError(err error) string {
	if err == nil {
		return ""
	}
	return ClassifyTxError(err).Message
}

func contains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
