package rns

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// PathExpires is the default staleness window for a path table entry
// (spec §6 constants: "PATH_EXPIRES=7 days").
const PathExpires = 7 * 24 * time.Hour

// DefaultPathTableCapacity bounds the path table to a fixed slot count so
// a flood of announces cannot grow it unbounded (spec §4.5.3).
const DefaultPathTableCapacity = 4096

// PathEntry is one row of the Transport path table, keyed by destination
// hash (spec §3 "Path entry").
type PathEntry struct {
	DestHash           [16]byte
	NextHop            [16]byte
	ReceivingInterface string
	Hops               uint8
	Timestamp          time.Time
	Expires            time.Time
	PacketHash         [32]byte
	AnnouncePayload    []byte
}

// pendingRequest tracks an outstanding PATH_REQUEST awaiting a response.
type pendingRequest struct {
	destHash [16]byte
	sentAt   time.Time
	timeout  time.Duration
}

// PathTable is Transport's single-owned store of known routes (spec §5:
// "single owner (Transport task)").
type PathTable struct {
	mu       sync.RWMutex
	capacity int
	entries  map[[16]byte]*PathEntry
	pending  map[[16]byte]*pendingRequest
}

// NewPathTable creates a table bounded to capacity entries.
func NewPathTable(capacity int) *PathTable {
	if capacity <= 0 {
		capacity = DefaultPathTableCapacity
	}
	return &PathTable{
		capacity: capacity,
		entries:  make(map[[16]byte]*PathEntry),
		pending:  make(map[[16]byte]*pendingRequest),
	}
}

// Offer inserts or updates a path, applying the "monotonic freshness"
// invariant: a new announce replaces an existing entry only if it carries
// fewer hops or the existing entry has expired (spec §3, §8).
func (t *PathTable) Offer(candidate *PathEntry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[candidate.DestHash]
	if ok && candidate.Timestamp.Before(existing.Expires) && candidate.Hops >= existing.Hops {
		return false
	}
	if !ok && len(t.entries) >= t.capacity {
		t.evictOldestLocked()
	}
	t.entries[candidate.DestHash] = candidate
	delete(t.pending, candidate.DestHash)
	return true
}

func (t *PathTable) evictOldestLocked() {
	var oldestHash [16]byte
	var oldest time.Time
	first := true
	for h, e := range t.entries {
		if first || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
			oldestHash = h
			first = false
		}
	}
	if !first {
		delete(t.entries, oldestHash)
	}
}

// Lookup returns the path entry for a destination hash, if any and not
// expired as of now.
func (t *PathTable) Lookup(destHash [16]byte, now time.Time) (*PathEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[destHash]
	if !ok || now.After(e.Expires) {
		return nil, false
	}
	return e, true
}

// Cull removes entries stale beyond PathExpires, run periodically by the
// scheduler (spec §4.5.3, §4.8).
func (t *PathTable) Cull(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for h, e := range t.entries {
		if now.After(e.Expires) {
			delete(t.entries, h)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count.
func (t *PathTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// RequestPath installs a pending PATH_REQUEST with a timeout, returning
// false if one is already outstanding for this destination.
func (t *PathTable) RequestPath(destHash [16]byte, now time.Time, timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.pending[destHash]; exists {
		return false
	}
	t.pending[destHash] = &pendingRequest{destHash: destHash, sentAt: now, timeout: timeout}
	return true
}

// ExpirePendingRequests drops pending requests that timed out without a
// path arriving, returning the destination hashes that gave up.
func (t *PathTable) ExpirePendingRequests(now time.Time) [][16]byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired [][16]byte
	for h, p := range t.pending {
		if now.Sub(p.sentAt) > p.timeout {
			expired = append(expired, h)
			delete(t.pending, h)
		}
	}
	if len(expired) > 0 {
		slog.Debug("path: pending path requests expired", slog.Int("count", len(expired)))
	}
	return expired
}

// encodePathResponsePayload builds a PATH_RESPONSE payload: hops(1) |
// announce_payload (spec §4.5.3).
func encodePathResponsePayload(hops uint8, announcePayload []byte) []byte {
	out := make([]byte, 1+len(announcePayload))
	out[0] = hops
	copy(out[1:], announcePayload)
	return out
}

// decodePathResponsePayload is the inverse of encodePathResponsePayload.
func decodePathResponsePayload(raw []byte) (uint8, []byte, error) {
	if len(raw) < 1 {
		return 0, nil, fmt.Errorf("%w: short path response", ErrMalformedPacket)
	}
	return raw[0], raw[1:], nil
}

// Snapshot returns entries ordered by hop count then freshness, useful for
// diagnostics and for deterministic test assertions.
func (t *PathTable) Snapshot() []*PathEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*PathEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hops != out[j].Hops {
			return out[i].Hops < out[j].Hops
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
