package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

// Two-layer AEAD envelope for wallet private keys: the key itself is sealed
// under a random DEK, and the DEK is sealed under a KEK derived from the
// user's passphrase with Argon2id.

var (
	// ErrBadInput is returned when required context (aad, passphrase) is missing.
	ErrBadInput = errors.New("envelope: bad input")
	// ErrAuthFailed is returned uniformly on any tag mismatch. Callers must not
	// be able to distinguish a wrong passphrase from a tampered blob.
	ErrAuthFailed = errors.New("envelope: authentication failed")
)

const (
	saltLen = 16
	dekLen  = 32
	ivLen   = 12
)

// KDFParams are the Argon2id parameters recorded in the blob.
type KDFParams struct {
	Name   string `json:"name"`
	Memory uint32 `json:"m"`
	Time   uint32 `json:"t"`
	Par    uint8  `json:"p"`
	Salt   string `json:"salt"`
}

// DefaultKDFParams returns the production Argon2id cost parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{Name: "argon2id", Memory: 65536, Time: 3, Par: 1}
}

// Blob is the wire format of an encrypted private key (v1).
// All binary fields are base64. AADHint is advisory only: decryption always
// authenticates against caller-reconstructed context, never the hint.
type Blob struct {
	V         int       `json:"v"`
	Alg       string    `json:"alg"`
	KDF       KDFParams `json:"kdf"`
	IV1       string    `json:"iv1"`
	Tag1      string    `json:"tag1"`
	PKCipher  string    `json:"pkCipher"`
	IV2       string    `json:"iv2"`
	Tag2      string    `json:"tag2"`
	DEKCipher string    `json:"dekCipher"`
	AADHint   string    `json:"aadHint,omitempty"`
}

// Marshal serialises the blob to its JSON wire form.
func (b *Blob) Marshal() ([]byte, error) {
	return json.Marshal(b)
}

// Parse deserialises a v1 blob.
func Parse(data []byte) (*Blob, error) {
	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if b.V != 1 || b.Alg != "AES-256-GCM" {
		return nil, fmt.Errorf("parse envelope: unsupported version %d alg %q", b.V, b.Alg)
	}
	return &b, nil
}

// Zeroise overwrites a secret buffer. Every code path that handles a plaintext
// key or DEK must call this before returning.
func Zeroise(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func deriveKEK(passphrase string, p KDFParams, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Time, p.Memory, p.Par, dekLen)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plaintext, aad []byte) (iv, ct, tag []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, nil, err
	}
	out := gcm.Seal(nil, iv, plaintext, aad)
	n := len(out) - gcm.Overhead()
	return iv, out[:n], out[n:], nil
}

func open(key, iv, ct, tag, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	joined := make([]byte, 0, len(ct)+len(tag))
	joined = append(joined, ct...)
	joined = append(joined, tag...)
	pt, err := gcm.Open(nil, iv, joined, aad)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

// EncryptPrivateKey wraps pk in a fresh v1 envelope. aad must be the
// caller-reconstructed context string "user:<userId>:wallet:<walletId>".
// The KEK and DEK generated here are zeroised before returning.
func EncryptPrivateKey(pk []byte, passphrase, aad string, params *KDFParams) (*Blob, error) {
	if aad == "" || passphrase == "" || len(pk) == 0 {
		return nil, ErrBadInput
	}

	p := DefaultKDFParams()
	if params != nil {
		p = *params
		p.Name = "argon2id"
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	p.Salt = base64.StdEncoding.EncodeToString(salt)

	dek := make([]byte, dekLen)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	defer Zeroise(dek)

	kek := deriveKEK(passphrase, p, salt)
	defer Zeroise(kek)

	iv1, pkCT, tag1, err := seal(dek, pk, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}
	iv2, dekCT, tag2, err := seal(kek, dek, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("seal dek: %w", err)
	}

	return &Blob{
		V:         1,
		Alg:       "AES-256-GCM",
		KDF:       p,
		IV1:       base64.StdEncoding.EncodeToString(iv1),
		Tag1:      base64.StdEncoding.EncodeToString(tag1),
		PKCipher:  base64.StdEncoding.EncodeToString(pkCT),
		IV2:       base64.StdEncoding.EncodeToString(iv2),
		Tag2:      base64.StdEncoding.EncodeToString(tag2),
		DEKCipher: base64.StdEncoding.EncodeToString(dekCT),
		AADHint:   aad,
	}, nil
}

// UnwrapDEK re-derives the KEK from the passphrase and opens the DEK layer.
// The caller owns the returned buffer and MUST zeroise it when done.
func UnwrapDEK(b *Blob, passphrase, aad string) ([]byte, error) {
	if aad == "" || passphrase == "" {
		return nil, ErrBadInput
	}

	salt, err := base64.StdEncoding.DecodeString(b.KDF.Salt)
	if err != nil {
		return nil, ErrAuthFailed
	}
	iv2, err := base64.StdEncoding.DecodeString(b.IV2)
	if err != nil {
		return nil, ErrAuthFailed
	}
	tag2, err := base64.StdEncoding.DecodeString(b.Tag2)
	if err != nil {
		return nil, ErrAuthFailed
	}
	dekCT, err := base64.StdEncoding.DecodeString(b.DEKCipher)
	if err != nil {
		return nil, ErrAuthFailed
	}

	kek := deriveKEK(passphrase, b.KDF, salt)
	defer Zeroise(kek)

	return open(kek, iv2, dekCT, tag2, []byte(aad))
}

// DecryptPK opens the private-key layer with an already-unwrapped DEK.
// The caller owns the returned buffer and MUST zeroise it when done.
func DecryptPK(b *Blob, dek []byte, aad string) ([]byte, error) {
	if aad == "" || len(dek) != dekLen {
		return nil, ErrBadInput
	}

	iv1, err := base64.StdEncoding.DecodeString(b.IV1)
	if err != nil {
		return nil, ErrAuthFailed
	}
	tag1, err := base64.StdEncoding.DecodeString(b.Tag1)
	if err != nil {
		return nil, ErrAuthFailed
	}
	pkCT, err := base64.StdEncoding.DecodeString(b.PKCipher)
	if err != nil {
		return nil, ErrAuthFailed
	}

	return open(dek, iv1, pkCT, tag1, []byte(aad))
}
