package armcache

import (
	"context"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog/log"
)

// Cache is the process-local store of unwrapped DEKs. A user "arms" a wallet
// by unwrapping its DEK once (passphrase prompt at the edge); automated trade
// paths then read the DEK from here without ever seeing the passphrase.
//
// DEKs are held in memguard enclaves so they are encrypted at rest in process
// memory and only opened momentarily on read.
type Cache struct {
	mu       sync.Mutex
	sessions map[Key]*session
}

// Key identifies an arm session.
type Key struct {
	UserID   string
	WalletID string
}

type session struct {
	enclave   *memguard.Enclave
	expiresAt time.Time
	armedAt   time.Time
}

// Status is the externally visible view of a session.
type Status struct {
	Armed     bool      `json:"armed"`
	ArmedAt   time.Time `json:"armedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{sessions: make(map[Key]*session)}
}

// Arm installs a DEK for (userId, walletId), replacing and wiping any prior
// session. The cache takes its own sealed copy; the caller must zeroise dek.
func (c *Cache) Arm(userID, walletID string, dek []byte, ttl time.Duration) {
	now := time.Now()
	s := &session{
		enclave:   memguard.NewEnclave(append([]byte(nil), dek...)),
		expiresAt: now.Add(ttl),
		armedAt:   now,
	}

	c.mu.Lock()
	c.sessions[Key{userID, walletID}] = s
	c.mu.Unlock()

	log.Info().
		Str("userId", userID).
		Str("walletId", walletID).
		Time("expiresAt", s.expiresAt).
		Msg("wallet armed")
}

// Extend pushes the expiry of an existing session without touching armedAt.
func (c *Cache) Extend(userID, walletID string, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.liveLocked(Key{userID, walletID})
	if s == nil {
		return false
	}
	s.expiresAt = time.Now().Add(ttl)
	return true
}

// UpdateArmedAt resets the armed timestamp after a re-auth grace check.
func (c *Cache) UpdateArmedAt(userID, walletID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.liveLocked(Key{userID, walletID})
	if s == nil {
		return false
	}
	s.armedAt = time.Now()
	return true
}

// Disarm wipes and removes a session.
func (c *Cache) Disarm(userID, walletID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, Key{userID, walletID})
	log.Info().Str("userId", userID).Str("walletId", walletID).Msg("wallet disarmed")
}

// GetDEK returns a plaintext copy of the DEK, or nil if not armed or expired.
// The caller owns the copy and MUST zeroise it when done.
func (c *Cache) GetDEK(userID, walletID string) []byte {
	c.mu.Lock()
	s := c.liveLocked(Key{userID, walletID})
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	enclave := s.enclave
	c.mu.Unlock()

	buf, err := enclave.Open()
	if err != nil {
		log.Error().Err(err).Msg("arm cache: enclave open failed")
		return nil
	}
	dek := append([]byte(nil), buf.Bytes()...)
	buf.Destroy()
	return dek
}

// GetStatus reports whether (userId, walletId) is currently armed.
func (c *Cache) GetStatus(userID, walletID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.liveLocked(Key{userID, walletID})
	if s == nil {
		return Status{}
	}
	return Status{Armed: true, ArmedAt: s.armedAt, ExpiresAt: s.expiresAt}
}

// liveLocked returns the session for k if present and unexpired, lazily
// purging an expired entry. Caller holds c.mu.
func (c *Cache) liveLocked(k Key) *session {
	s, ok := c.sessions[k]
	if !ok {
		return nil
	}
	if time.Now().After(s.expiresAt) {
		delete(c.sessions, k)
		return nil
	}
	return s
}

// PurgeAll wipes every session. Invoked on SIGINT/SIGTERM and at shutdown.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	n := len(c.sessions)
	c.sessions = make(map[Key]*session)
	c.mu.Unlock()

	if n > 0 {
		log.Warn().Int("sessions", n).Msg("arm cache purged")
	}
}

// StartSweeper runs the 30s expiry sweep until ctx is cancelled.
func (c *Cache) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				c.PurgeAll()
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	var expired int
	for k, s := range c.sessions {
		if now.After(s.expiresAt) {
			delete(c.sessions, k)
			expired++
		}
	}
	c.mu.Unlock()

	if expired > 0 {
		log.Debug().Int("expired", expired).Msg("arm cache sweep")
	}
}

// Count returns the number of live sessions (telemetry only).
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
