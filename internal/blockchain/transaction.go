package blockchain

import (
	"encoding/base64"
	"fmt"
)

// Aggregator swap responses carry a serialized transaction (versioned v0 or
// legacy) with an empty signature section. Signing means extracting the
// message, producing the wallet signature, and writing it into the first
// signature slot.

// SignedTransaction is the result of signing a serialized swap transaction.
type SignedTransaction struct {
	// Base64 is the wire form handed to sendRawTransaction.
	Base64 string
	// Signature holds the first signature bytes; base58-encoding these gives
	// the signature hint passed to the quorum sender.
	Signature []byte
}

// SignSerializedTransaction signs a base64 transaction from the aggregator
// with kp and returns the wire form plus the signature bytes.
func SignSerializedTransaction(serializedTxBase64 string, kp *Keypair) (*SignedTransaction, error) {
	txBytes, err := base64.StdEncoding.DecodeString(serializedTxBase64)
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if len(txBytes) < 2 {
		return nil, fmt.Errorf("transaction too short: %d bytes", len(txBytes))
	}

	// Layout: [compact-u16 signature count][signatures...][message]. The
	// message prefix distinguishes versioned (0x80|version) from legacy, but
	// both are signed the same way: the signature covers the whole message.
	sigCount := int(txBytes[0])

	if sigCount == 0 {
		message := txBytes[1:]
		signature := kp.Sign(message)

		signed := make([]byte, 1+64+len(message))
		signed[0] = 1
		copy(signed[1:65], signature)
		copy(signed[65:], message)

		return &SignedTransaction{
			Base64:    base64.StdEncoding.EncodeToString(signed),
			Signature: signature,
		}, nil
	}

	messageOffset := 1 + sigCount*64
	if len(txBytes) <= messageOffset {
		return nil, fmt.Errorf("malformed transaction: %d signature slots in %d bytes", sigCount, len(txBytes))
	}

	message := txBytes[messageOffset:]
	signature := kp.Sign(message)
	copy(txBytes[1:65], signature)

	return &SignedTransaction{
		Base64:    base64.StdEncoding.EncodeToString(txBytes),
		Signature: signature,
	}, nil
}
