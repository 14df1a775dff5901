package blockchain

import (
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
)

// Keypair holds an ed25519 signing key for one wallet. Instances are built
// from freshly decrypted key material and must be wiped with Zeroise as soon
// as the surrounding trade attempt finishes; nothing retains them across
// calls.
type Keypair struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	address    string
}

// NewKeypairFromBytes builds a keypair from raw key material (64-byte solana
// keypair or 32-byte seed). The bytes are copied; the caller still owns and
// must zeroise its input buffer.
func NewKeypairFromBytes(raw []byte) (*Keypair, error) {
	var priv ed25519.PrivateKey
	switch len(raw) {
	case 64:
		priv = ed25519.PrivateKey(append([]byte(nil), raw...))
	case 32:
		priv = ed25519.NewKeyFromSeed(raw)
	default:
		return nil, fmt.Errorf("invalid private key length: %d (expected 32 or 64)", len(raw))
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{
		privateKey: priv,
		publicKey:  pub,
		address:    base58.Encode(pub),
	}, nil
}

// NewKeypairFromBase58 builds a keypair from a base58 key string (legacy
// wallet rows). The intermediate buffer is wiped on every exit path.
func NewKeypairFromBase58(privateKeyBase58 string) (*Keypair, error) {
	raw, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	kp, err := NewKeypairFromBytes(raw)
	Zeroise(raw)
	return kp, err
}

// Address returns the wallet's public key as a base58 string.
func (k *Keypair) Address() string {
	return k.address
}

// PublicKey returns the public key bytes.
func (k *Keypair) PublicKey() []byte {
	return k.publicKey
}

// Sign signs message with the wallet's private key.
func (k *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.privateKey, message)
}

// Zeroise wipes the private key material in place.
func (k *Keypair) Zeroise() {
	Zeroise(k.privateKey)
	k.privateKey = nil
}

// Zeroise overwrites a secret buffer in place.
func Zeroise(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
