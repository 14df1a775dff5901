package envelope

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	pk := []byte("super-secret-64-byte-solana-keypair-material-goes-here-ok!!!1234")
	aad := "user:42:wallet:7"

	blob, err := EncryptPrivateKey(pk, "hunter2 passphrase", aad, nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	dek, err := UnwrapDEK(blob, "hunter2 passphrase", aad)
	if err != nil {
		t.Fatalf("unwrap dek: %v", err)
	}
	defer Zeroise(dek)

	got, err := DecryptPK(blob, dek, aad)
	if err != nil {
		t.Fatalf("decrypt pk: %v", err)
	}
	if !bytes.Equal(got, pk) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestWrongAADFails(t *testing.T) {
	pk := []byte("some private key bytes")
	blob, err := EncryptPrivateKey(pk, "pass", "user:1:wallet:1", nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := UnwrapDEK(blob, "pass", "user:1:wallet:2"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for wrong aad, got %v", err)
	}

	// The aadHint in the blob must not be trusted: tampering with it does not
	// help an attacker, and using it instead of real context must fail.
	blob.AADHint = "user:1:wallet:2"
	dek, err := UnwrapDEK(blob, "pass", "user:1:wallet:1")
	if err != nil {
		t.Fatalf("unwrap with correct aad: %v", err)
	}
	defer Zeroise(dek)
	if _, err := DecryptPK(blob, dek, blob.AADHint); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed when decrypting with hint aad, got %v", err)
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	blob, err := EncryptPrivateKey([]byte("pk"), "correct", "user:1:wallet:1", nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := UnwrapDEK(blob, "wrong", "user:1:wallet:1"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestEmptyAADRejected(t *testing.T) {
	if _, err := EncryptPrivateKey([]byte("pk"), "pass", "", nil); !errors.Is(err, ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestParseRejectsUnknownVersion(t *testing.T) {
	blob, err := EncryptPrivateKey([]byte("pk"), "pass", "user:1:wallet:1", nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := blob.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.KDF.Name != "argon2id" || parsed.KDF.Memory != 65536 {
		t.Fatalf("kdf params not preserved: %+v", parsed.KDF)
	}

	parsed.V = 2
	raw2, _ := parsed.Marshal()
	if _, err := Parse(raw2); err == nil {
		t.Fatal("expected error for v2 blob")
	}
}
