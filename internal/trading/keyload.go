package trading

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/blockchain"
	"solana-trade-engine/internal/envelope"
	"solana-trade-engine/internal/storage"
)

// Wallet key material is polymorphic: envelope v1 rows hold the two-layer
// AEAD blob, legacy rows hold a ciphertext string under the process legacy
// key. Key loading dispatches on the variant; plaintext keys exist only
// inside this file's call frames and are zeroised on every exit path.

// KeyMaterial is the decoded variant of a wallet row's key storage.
type KeyMaterial struct {
	Envelope *envelope.Blob
	Legacy   string
}

// MaterialOf decodes the key material variant from a wallet row.
func MaterialOf(w *storage.Wallet) (*KeyMaterial, error) {
	if w.EncryptedBlob != "" {
		blob, err := envelope.Parse([]byte(w.EncryptedBlob))
		if err != nil {
			return nil, err
		}
		return &KeyMaterial{Envelope: blob}, nil
	}
	if w.LegacyCiphertext != "" {
		return &KeyMaterial{Legacy: w.LegacyCiphertext}, nil
	}
	return nil, fmt.Errorf("wallet %s has no key material", w.ID)
}

// AAD reconstructs the envelope authentication context. The blob's own
// aadHint is never used for this.
func AAD(userID, walletID string) string {
	return "user:" + userID + ":wallet:" + walletID
}

// Env var names for process-level key secrets.
const (
	EnvLegacyKey         = "LEGACY_WALLET_KEY"
	EnvServicePassphrase = "SERVICE_WALLET_PASSPHRASE"
)

// keyLoader resolves signing keys through the arm cache.
type keyLoader struct {
	arm *armcache.Cache
}

// load builds the signing keypair for a wallet. Envelope wallets read their
// DEK from the arm cache; a missing session on a protected wallet (or a user
// with require-arm-to-trade) fails with NotArmedError before any envelope
// read. The caller must Zeroise the returned keypair.
func (l *keyLoader) load(w *storage.Wallet, prefs *storage.UserPreference) (*blockchain.Keypair, error) {
	material, err := MaterialOf(w)
	if err != nil {
		return nil, err
	}
	aad := AAD(w.UserID, w.ID)

	if material.Envelope != nil {
		dek := l.arm.GetDEK(w.UserID, w.ID)
		if dek == nil {
			if w.IsProtected || prefs.RequireArmToTrade {
				return nil, &NotArmedError{UserID: w.UserID, WalletID: w.ID}
			}
			// Unprotected wallets are sealed under the service passphrase so
			// automation can run without a user session.
			dek, err = envelope.UnwrapDEK(material.Envelope, os.Getenv(EnvServicePassphrase), aad)
			if err != nil {
				return nil, fmt.Errorf("unwrap service dek: %w", err)
			}
		}
		defer envelope.Zeroise(dek)

		pk, err := envelope.DecryptPK(material.Envelope, dek, aad)
		if err != nil {
			return nil, fmt.Errorf("decrypt wallet key: %w", err)
		}
		kp, err := blockchain.NewKeypairFromBytes(pk)
		envelope.Zeroise(pk)
		return kp, err
	}

	return decryptLegacy(material.Legacy)
}

// decryptLegacy opens a legacy ciphertext (base64 of iv||ct||tag under the
// process legacy key). The plaintext is routed through a mutable buffer that
// is wiped on all exit paths.
func decryptLegacy(ciphertext string) (*blockchain.Keypair, error) {
	keyB64 := os.Getenv(EnvLegacyKey)
	if keyB64 == "" {
		return nil, fmt.Errorf("legacy wallet key not configured")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(key) != 32 {
		blockchain.Zeroise(key)
		return nil, fmt.Errorf("legacy wallet key malformed")
	}
	defer blockchain.Zeroise(key)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode legacy ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, fmt.Errorf("legacy ciphertext too short")
	}

	pk, err := gcm.Open(nil, raw[:gcm.NonceSize()], raw[gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("legacy decrypt failed")
	}
	defer blockchain.Zeroise(pk)

	if len(pk) != 64 {
		return nil, fmt.Errorf("legacy key wrong length: %d", len(pk))
	}
	return blockchain.NewKeypairFromBytes(pk)
}

// EncryptLegacy seals raw key bytes under the process legacy key. Used by
// migration tooling and tests.
func EncryptLegacy(pk []byte) (string, error) {
	keyB64 := os.Getenv(EnvLegacyKey)
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(key) != 32 {
		return "", fmt.Errorf("legacy wallet key malformed")
	}
	defer blockchain.Zeroise(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	out := gcm.Seal(iv, iv, pk, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}
