package blockchain

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/mr-tron/base58"
)

// Hand-built legacy transactions for the wallet-forward path: a System
// transfer for SOL and an SPL Token transfer for tokens. The aggregator
// builds swap transactions for us; sweeps are the one place we serialize a
// message ourselves.

const SystemProgramID = "11111111111111111111111111111111"

const (
	systemTransferIndex = 2 // System program instruction tag
	splTransferIndex    = 3 // Token program instruction tag
)

type instruction struct {
	programIdx byte
	accounts   []byte
	data       []byte
}

// buildLegacyTransaction serialises and signs a single-signer legacy
// transaction. Account key 0 must be the signing fee payer.
func buildLegacyTransaction(kp *Keypair, accountKeys []string, roUnsigned byte, blockhash string, ins instruction) (string, error) {
	var msg []byte

	// Header: one required signature, no read-only signed accounts.
	msg = append(msg, 1, 0, roUnsigned)

	msg = append(msg, byte(len(accountKeys)))
	for _, key := range accountKeys {
		raw, err := base58.Decode(key)
		if err != nil || len(raw) != 32 {
			return "", fmt.Errorf("bad account key %s", key)
		}
		msg = append(msg, raw...)
	}

	hashRaw, err := base58.Decode(blockhash)
	if err != nil || len(hashRaw) != 32 {
		return "", fmt.Errorf("bad blockhash %s", blockhash)
	}
	msg = append(msg, hashRaw...)

	msg = append(msg, 1) // one instruction
	msg = append(msg, ins.programIdx)
	msg = append(msg, byte(len(ins.accounts)))
	msg = append(msg, ins.accounts...)
	msg = append(msg, byte(len(ins.data)))
	msg = append(msg, ins.data...)

	signature := kp.Sign(msg)

	tx := make([]byte, 0, 1+64+len(msg))
	tx = append(tx, 1)
	tx = append(tx, signature...)
	tx = append(tx, msg...)
	return base64.StdEncoding.EncodeToString(tx), nil
}

// BuildSOLTransfer builds a signed System transfer of lamports to dest.
func BuildSOLTransfer(kp *Keypair, dest string, lamports uint64, blockhash string) (string, error) {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:], systemTransferIndex)
	binary.LittleEndian.PutUint64(data[4:], lamports)

	return buildLegacyTransaction(kp,
		[]string{kp.Address(), dest, SystemProgramID},
		1, // system program is the read-only unsigned tail
		blockhash,
		instruction{
			programIdx: 2,
			accounts:   []byte{0, 1},
			data:       data,
		})
}

// BuildSPLTransfer builds a signed SPL Token transfer between existing token
// accounts, signed by their owner.
func BuildSPLTransfer(kp *Keypair, sourceTokenAccount, destTokenAccount string, amount uint64, blockhash string) (string, error) {
	data := make([]byte, 9)
	data[0] = splTransferIndex
	binary.LittleEndian.PutUint64(data[1:], amount)

	return buildLegacyTransaction(kp,
		[]string{kp.Address(), sourceTokenAccount, destTokenAccount, TokenProgramID},
		1, // token program
		blockhash,
		instruction{
			programIdx: 3,
			accounts:   []byte{1, 2, 0},
			data:       data,
		})
}
