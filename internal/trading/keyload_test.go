package trading

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"testing"

	"solana-trade-engine/internal/armcache"
	"solana-trade-engine/internal/envelope"
	"solana-trade-engine/internal/storage"
)

func TestAADFormat(t *testing.T) {
	if got := AAD("42", "w-7"); got != "user:42:wallet:w-7" {
		t.Fatalf("aad format: %q", got)
	}
}

func setLegacyKey(t *testing.T) {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	t.Setenv(EnvLegacyKey, base64.StdEncoding.EncodeToString(key))
}

func TestLegacyRoundTrip(t *testing.T) {
	setLegacyKey(t)

	pk := make([]byte, 64)
	for i := range pk {
		pk[i] = byte(i)
	}
	ct, err := EncryptLegacy(pk)
	if err != nil {
		t.Fatalf("encrypt legacy: %v", err)
	}

	kp, err := decryptLegacy(ct)
	if err != nil {
		t.Fatalf("decrypt legacy: %v", err)
	}
	if kp.Address() == "" {
		t.Fatal("keypair has no address")
	}
	kp.Zeroise()
}

func TestLegacyRejectsWrongLength(t *testing.T) {
	setLegacyKey(t)

	ct, err := EncryptLegacy([]byte("short key"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := decryptLegacy(ct); err == nil {
		t.Fatal("expected length rejection")
	}
}

func TestMaterialOfDispatch(t *testing.T) {
	blob, err := envelope.EncryptPrivateKey([]byte("pk"), "pass", "user:1:wallet:1", nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := blob.Marshal()

	m, err := MaterialOf(&storage.Wallet{ID: "w1", EncryptedBlob: string(raw)})
	if err != nil || m.Envelope == nil {
		t.Fatalf("expected envelope material: %v", err)
	}

	m, err = MaterialOf(&storage.Wallet{ID: "w2", LegacyCiphertext: "abc"})
	if err != nil || m.Legacy != "abc" {
		t.Fatalf("expected legacy material: %v", err)
	}

	if _, err := MaterialOf(&storage.Wallet{ID: "w3"}); err == nil {
		t.Fatal("expected error for empty key material")
	}
}

func TestProtectedWalletRequiresArm(t *testing.T) {
	blob, err := envelope.EncryptPrivateKey(make([]byte, 64), "pass", AAD("u1", "w1"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, _ := blob.Marshal()
	wallet := &storage.Wallet{ID: "w1", UserID: "u1", IsProtected: true, EncryptedBlob: string(raw)}

	loader := keyLoader{arm: armcache.New()}
	_, err = loader.load(wallet, &storage.UserPreference{UserID: "u1"})

	var notArmed *NotArmedError
	if !errors.As(err, &notArmed) {
		t.Fatalf("expected NotArmedError, got %v", err)
	}
}
