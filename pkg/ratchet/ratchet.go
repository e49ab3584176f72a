// Package ratchet implements the bounded circular buffer of X25519
// ratchet keypairs a Destination uses for forward secrecy (spec §4.2):
// rotation is time-based (default 30 minutes) or forced, the newest public
// key is advertised in announces, and a receiver accepts ciphertext under a
// recently-retired key for a grace window before refusing it.
package ratchet

import (
	"sync"
	"time"

	"github.com/torlando-tech/reticulum-go/pkg/exchange"
)

// DefaultInterval is the default rotation period (spec §6 RATCHET_INTERVAL).
const DefaultInterval = 30 * time.Minute

// DefaultCapacity bounds how many keys the ring holds, the current one
// included, so at most DefaultCapacity-1 retired keys are kept.
const DefaultCapacity = 4

type entry struct {
	pair    *exchange.KeyPair
	created time.Time
}

// Ring is the local (decrypting) side: it owns private ratchet keys and
// knows which of them are still inside the grace window after a rotation.
type Ring struct {
	mu       sync.Mutex
	interval time.Duration
	grace    time.Duration
	cap      int
	entries  []entry // entries[0] is newest
}

// NewRing creates a ring seeded with one fresh keypair.
func NewRing(interval, grace time.Duration, capacity int) (*Ring, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r := &Ring{interval: interval, grace: grace, cap: capacity}
	if err := r.rotate(time.Now()); err != nil {
		return nil, err
	}
	return r, nil
}

// Current returns the newest keypair, the one advertised in announces.
func (r *Ring) Current() *exchange.KeyPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[0].pair
}

// RotateIfDue rotates the ring if the current key is older than the
// configured interval, as of now. It returns true if a rotation happened.
func (r *Ring) RotateIfDue(now time.Time) (bool, error) {
	r.mu.Lock()
	due := now.Sub(r.entries[0].created) >= r.interval
	r.mu.Unlock()
	if !due {
		return false, nil
	}
	return true, r.rotate(now)
}

// Force rotates the ring unconditionally.
func (r *Ring) Force() error { return r.rotate(time.Now()) }

func (r *Ring) rotate(now time.Time) error {
	kp, err := exchange.Generate()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append([]entry{{pair: kp, created: now}}, r.entries...)
	r.prune(now)
	return nil
}

// prune drops a retired key if the ring is already at its capacity bound or
// if the key is older than interval+grace (when grace > 0). Must be called
// with mu held.
func (r *Ring) prune(now time.Time) {
	kept := r.entries[:0]
	for i, e := range r.entries {
		if i == 0 {
			kept = append(kept, e)
			continue
		}
		if len(kept) >= r.cap {
			continue
		}
		if r.grace > 0 && now.Sub(e.created) > r.grace+r.interval {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

// Candidates returns every private key still worth trying during decrypt,
// newest first.
func (r *Ring) Candidates() []*exchange.KeyPair {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*exchange.KeyPair, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.pair
	}
	return out
}

// RemoteEntry is what a peer remembers about another destination's ratchet:
// the newest public key it has seen, and when.
type RemoteEntry struct {
	Public    [exchange.KeySize]byte
	UpdatedAt time.Time
	Previous  *[exchange.KeySize]byte // grace-period fallback
	RetiredAt time.Time
}

// Remember updates a RemoteEntry with a newly observed public key. If the
// key differs from the current one, the current one becomes Previous so
// packets encrypted under it are still accepted during the grace window.
func (e *RemoteEntry) Remember(pub [exchange.KeySize]byte, now time.Time) {
	if e.UpdatedAt.IsZero() {
		e.Public = pub
		e.UpdatedAt = now
		return
	}
	if e.Public == pub {
		return
	}
	prev := e.Public
	e.Previous = &prev
	e.RetiredAt = now
	e.Public = pub
	e.UpdatedAt = now
}

// AcceptablePublic returns the public keys a sender may currently consider
// valid for this peer: the current one always, and the previous one only
// inside the grace window.
func (e *RemoteEntry) AcceptablePublic(now time.Time, grace time.Duration) [][exchange.KeySize]byte {
	out := [][exchange.KeySize]byte{e.Public}
	if e.Previous != nil && grace > 0 && now.Sub(e.RetiredAt) <= grace {
		out = append(out, *e.Previous)
	}
	return out
}
