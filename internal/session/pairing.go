package session

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"
)

const (
	// CodeLength is the number of digits in a pairing code.
	CodeLength = 8
	// DefaultPairingTTL is how long a pairing code stays valid.
	DefaultPairingTTL = 10 * time.Minute

	codeMin = 10000000
	codeMax = 99999999
)

// Pairing is one outstanding pairing attempt.
type Pairing struct {
	BotID     string
	Code      string
	Phone     string // leading "+"
	Gen       uint64 // generation of the owning connection
	CreatedAt time.Time
}

// ExpiresAt returns the instant the pairing stops being verifiable.
func (p Pairing) ExpiresAt(ttl time.Duration) time.Time {
	return p.CreatedAt.Add(ttl)
}

// PairingTable holds at most one pairing per bot id.
type PairingTable struct {
	mu      sync.Mutex
	entries map[string]Pairing
	ttl     time.Duration
	now     func() time.Time
}

// NewPairingTable creates an empty table. ttl <= 0 uses DefaultPairingTTL.
func NewPairingTable(ttl time.Duration) *PairingTable {
	if ttl <= 0 {
		ttl = DefaultPairingTTL
	}
	return &PairingTable{
		entries: make(map[string]Pairing),
		ttl:     ttl,
		now:     time.Now,
	}
}

// TTL returns the configured code lifetime.
func (t *PairingTable) TTL() time.Duration { return t.ttl }

// Create generates a fresh code for botID, superseding any previous entry.
func (t *PairingTable) Create(botID, phone string, gen uint64) Pairing {
	p := Pairing{
		BotID:     botID,
		Code:      generateCode(),
		Phone:     phone,
		Gen:       gen,
		CreatedAt: t.now(),
	}

	t.mu.Lock()
	t.entries[botID] = p
	t.mu.Unlock()
	return p
}

// Rebind moves a still-valid entry onto a replacement connection, keeping
// its code and creation time.
func (t *PairingTable) Rebind(botID string, gen uint64) (Pairing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.liveLocked(botID)
	if !ok {
		return Pairing{}, false
	}
	p.Gen = gen
	t.entries[botID] = p
	return p, true
}

// Get returns the live entry for botID. Expired entries are pruned.
func (t *PairingTable) Get(botID string) (Pairing, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.liveLocked(botID)
}

// Match checks code against the live entry without mutating it.
func (t *PairingTable) Match(botID, code string) (Pairing, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.liveLocked(botID)
	if !ok {
		return Pairing{}, ErrPairingNotFound
	}
	if subtle.ConstantTimeCompare([]byte(p.Code), []byte(code)) != 1 {
		return Pairing{}, ErrCodeMismatch
	}
	return p, nil
}

// Delete removes the entry for botID, reporting whether one existed.
func (t *PairingTable) Delete(botID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.entries[botID]
	delete(t.entries, botID)
	return ok
}

// RemoveIfSame deletes the entry only if it is still p (same code and
// creation time). Used by expiry timers, which may fire after the entry was
// consumed or superseded.
func (t *PairingTable) RemoveIfSame(p Pairing) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entries[p.BotID]
	if !ok || cur.Code != p.Code || !cur.CreatedAt.Equal(p.CreatedAt) {
		return false
	}
	delete(t.entries, p.BotID)
	return true
}

// Len returns the number of stored entries, expired or not.
func (t *PairingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// liveLocked must be called with t.mu held.
func (t *PairingTable) liveLocked(botID string) (Pairing, bool) {
	p, ok := t.entries[botID]
	if !ok {
		return Pairing{}, false
	}
	if !t.now().Before(p.CreatedAt.Add(t.ttl)) {
		delete(t.entries, botID)
		return Pairing{}, false
	}
	return p, true
}

// generateCode returns a uniform random code in [10000000, 99999999].
func generateCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("pairing: read random: %v", err))
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()+codeMin)
}
