package armcache

import (
	"bytes"
	"testing"
	"time"
)

func TestArmAndGetDEK(t *testing.T) {
	c := New()
	dek := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c.Arm("u1", "w1", dek, time.Minute)

	got := c.GetDEK("u1", "w1")
	if !bytes.Equal(got, dek) {
		t.Fatalf("dek mismatch: got %v", got)
	}

	if c.GetDEK("u1", "w2") != nil {
		t.Fatal("unexpected dek for unarmed wallet")
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New()
	c.Arm("u1", "w1", []byte{9, 9, 9}, 20*time.Millisecond)

	if c.GetDEK("u1", "w1") == nil {
		t.Fatal("dek should be readable before ttl")
	}

	time.Sleep(40 * time.Millisecond)
	if c.GetDEK("u1", "w1") != nil {
		t.Fatal("dek should be gone after ttl")
	}
	if st := c.GetStatus("u1", "w1"); st.Armed {
		t.Fatal("status should report disarmed after expiry")
	}
}

func TestRearmReplaces(t *testing.T) {
	c := New()
	c.Arm("u1", "w1", []byte{1}, time.Minute)
	c.Arm("u1", "w1", []byte{2}, time.Minute)

	got := c.GetDEK("u1", "w1")
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected replaced dek, got %v", got)
	}
	if c.Count() != 1 {
		t.Fatalf("expected single session, got %d", c.Count())
	}
}

func TestExtendKeepsArmedAt(t *testing.T) {
	c := New()
	c.Arm("u1", "w1", []byte{1}, 30*time.Millisecond)
	before := c.GetStatus("u1", "w1")

	if !c.Extend("u1", "w1", time.Minute) {
		t.Fatal("extend failed")
	}
	after := c.GetStatus("u1", "w1")
	if !after.ArmedAt.Equal(before.ArmedAt) {
		t.Fatal("extend must not touch armedAt")
	}
	if !after.ExpiresAt.After(before.ExpiresAt) {
		t.Fatal("extend must push expiresAt")
	}

	time.Sleep(50 * time.Millisecond)
	if c.GetDEK("u1", "w1") == nil {
		t.Fatal("session should survive past original ttl after extend")
	}
}

func TestDisarmAndPurge(t *testing.T) {
	c := New()
	c.Arm("u1", "w1", []byte{1}, time.Minute)
	c.Arm("u2", "w2", []byte{2}, time.Minute)

	c.Disarm("u1", "w1")
	if c.GetDEK("u1", "w1") != nil {
		t.Fatal("disarmed session still readable")
	}

	c.PurgeAll()
	if c.Count() != 0 {
		t.Fatalf("purge left %d sessions", c.Count())
	}
}
