package pkceclient

import (
	"sync"
	"time"
)

// pendingLogin is a login attempt awaiting its callback. It holds the PKCE
// verifier, which is used at most once.
type pendingLogin struct {
	State       string
	Verifier    string
	RedirectURI string
	Scopes      []string
	Nonce       string
	ExpiresAt   time.Time
}

type consumeResult int

const (
	consumeOK consumeResult = iota
	// consumeUnknown means no attempt with the state was ever started.
	consumeUnknown
	// consumeSpent means the attempt was already consumed or timed out.
	consumeSpent
)

// pendingStore tracks login attempts by state. Consumed and expired attempts
// leave a tombstone for a while, so a repeated callback is told apart from a
// forged one.
type pendingStore struct {
	mu         sync.Mutex
	attempts   map[string]*pendingLogin
	tombstones map[string]time.Time
	// retain is how long a tombstone is kept.
	retain time.Duration
}

func newPendingStore(retain time.Duration) *pendingStore {
	return &pendingStore{
		attempts:   make(map[string]*pendingLogin),
		tombstones: make(map[string]time.Time),
		retain:     retain,
	}
}

func (p *pendingStore) put(pl *pendingLogin, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gcLocked(now)
	p.attempts[pl.State] = pl
}

// consume removes and returns the attempt for state. Only one caller can ever
// receive a given attempt.
func (p *pendingStore) consume(state string, now time.Time) (*pendingLogin, consumeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gcLocked(now)

	if pl, ok := p.attempts[state]; ok {
		delete(p.attempts, state)
		p.tombstones[state] = now
		return pl, consumeOK
	}
	if _, ok := p.tombstones[state]; ok {
		return nil, consumeSpent
	}
	return nil, consumeUnknown
}

// active reports whether any attempt is still awaiting a callback.
func (p *pendingStore) active(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gcLocked(now)
	return len(p.attempts) > 0
}

// clear drops all attempts, leaving tombstones so their callbacks are
// reported as replays.
func (p *pendingStore) clear(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for state := range p.attempts {
		p.tombstones[state] = now
	}
	clear(p.attempts)
}

// gcLocked expires timed out attempts and old tombstones. mu must be held.
func (p *pendingStore) gcLocked(now time.Time) {
	for state, pl := range p.attempts {
		if !now.Before(pl.ExpiresAt) {
			delete(p.attempts, state)
			p.tombstones[state] = pl.ExpiresAt
		}
	}
	for state, at := range p.tombstones {
		if now.Sub(at) > p.retain {
			delete(p.tombstones, state)
		}
	}
}
