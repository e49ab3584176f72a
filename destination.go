package rns

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/torlando-tech/reticulum-go/pkg/exchange"
)

// Direction distinguishes a Destination this node originates traffic from
// (IN) from one representing a remote peer (OUT) (spec §3).
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// randomHashLen is 5 random bytes + 5 bytes of big-endian current time,
// spec §4.3.
const randomHashLen = 10

// Destination is a named endpoint: (app_name, aspects…) plus an optional
// bound Identity and a Direction (spec §3, §4.3).
type Destination struct {
	AppName  string
	Aspects  []string
	Type     DestinationType // DestSingle, DestPlain or DestGroup
	Dir      Direction
	Identity *Identity // nil for PLAIN

	NameHash [NameHashLen]byte
	Hash     [TruncatedHashLen]byte

	mu          sync.Mutex
	pathCache   *pathResponseCache
	acceptLinks bool
}

// ExpandName joins an app name and its aspects the way Reticulum's naming
// scheme does, dot-separated.
func ExpandName(appName string, aspects ...string) string {
	parts := append([]string{appName}, aspects...)
	return strings.Join(parts, ".")
}

// DestinationOption configures a tunable of a Destination at construction
// time, mirroring the teacher's functional-option constructors
// (dial.go's DialOption, storage.go's StorageOption).
type DestinationOption func(*Destination) error

// WithPathResponseCache overrides the default path-response dedup window
// and capacity (spec §4.3; Open Question, see DESIGN.md).
func WithPathResponseCache(window time.Duration, capacity int) DestinationOption {
	return func(d *Destination) error {
		d.pathCache = newPathResponseCache(window, capacity)
		return nil
	}
}

// WithAcceptLinkRequests sets the initial accept_link_requests flag (spec
// §4.6 step 2), instead of requiring a separate SetAcceptLinkRequests call
// after construction.
func WithAcceptLinkRequests(accept bool) DestinationOption {
	return func(d *Destination) error {
		d.acceptLinks = accept
		return nil
	}
}

// NewDestination builds a Destination and derives its hash. identity may be
// nil only when destType is DestPlain.
func NewDestination(destType DestinationType, dir Direction, identity *Identity, appName string, aspects []string, opts ...DestinationOption) (*Destination, error) {
	if destType != DestPlain && identity == nil {
		return nil, fmt.Errorf("%w: SINGLE/GROUP destinations require an identity", ErrInvalidState)
	}
	expanded := ExpandName(appName, aspects...)
	d := &Destination{
		AppName:   appName,
		Aspects:   append([]string(nil), aspects...),
		Type:      destType,
		Dir:       dir,
		Identity:  identity,
		NameHash:  Trunc10([]byte(expanded)),
		pathCache: newPathResponseCache(defaultPRTagWindow, defaultPRCacheCap),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("destination: applying option: %w", err)
		}
	}
	idHash := d.identityHash()
	d.Hash = Trunc16(d.NameHash[:], idHash[:])
	return d, nil
}

// identityHash returns the bound Identity's hash, or the all-zero value for
// a PLAIN destination with no identity.
func (d *Destination) identityHash() [TruncatedHashLen]byte {
	if d.Identity == nil {
		return [TruncatedHashLen]byte{}
	}
	return d.Identity.Hash
}

// SetAcceptLinkRequests toggles whether this destination's Link will honor
// incoming LINKREQUESTs (spec §4.6 step 2).
func (d *Destination) SetAcceptLinkRequests(accept bool) {
	d.mu.Lock()
	d.acceptLinks = accept
	d.mu.Unlock()
}

// AcceptsLinkRequests reports the current accept_link_requests flag.
func (d *Destination) AcceptsLinkRequests() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acceptLinks
}

// Announce is the decoded form of an announce payload (spec §4.3, §6).
type Announce struct {
	PublicKeys [PublicKeySize]byte
	NameHash   [NameHashLen]byte
	RandomHash [randomHashLen]byte
	Signature  [64]byte
	RatchetPub *[exchange.KeySize]byte // nil if absent
	AppData    []byte
}

// newRandomHash produces 5 random bytes followed by the low 5 bytes of the
// big-endian current unix time (spec §4.3).
func newRandomHash() ([randomHashLen]byte, error) {
	var out [randomHashLen]byte
	if _, err := rand.Read(out[:5]); err != nil {
		return out, fmt.Errorf("destination: generating random hash: %w", err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
	copy(out[5:], ts[3:])
	return out, nil
}

// EmitAnnounce builds a signed announce for this destination (spec §4.3):
// signed = dest_hash || pub_keys || name_hash || random_hash || app_data;
// announce payload = pub_keys || name_hash || random_hash || signature ||
// [ratchet_pub]? || app_data?.
func (d *Destination) EmitAnnounce(appData []byte) ([]byte, error) {
	if d.Identity == nil {
		return nil, fmt.Errorf("%w: PLAIN destinations do not announce", ErrInvalidState)
	}
	randomHash, err := newRandomHash()
	if err != nil {
		return nil, err
	}
	pubKeys := d.Identity.PublicKeys()

	signed := make([]byte, 0, len(d.Hash)+len(pubKeys)+len(d.NameHash)+len(randomHash)+len(appData))
	signed = append(signed, d.Hash[:]...)
	signed = append(signed, pubKeys[:]...)
	signed = append(signed, d.NameHash[:]...)
	signed = append(signed, randomHash[:]...)
	signed = append(signed, appData...)

	sig, err := d.Identity.Sign(signed)
	if err != nil {
		return nil, fmt.Errorf("destination: signing announce: %w", err)
	}

	payload := make([]byte, 0, len(pubKeys)+len(d.NameHash)+len(randomHash)+len(sig)+exchange.KeySize+len(appData))
	payload = append(payload, pubKeys[:]...)
	payload = append(payload, d.NameHash[:]...)
	payload = append(payload, randomHash[:]...)
	payload = append(payload, sig...)
	if ratchetPub, ok := d.Identity.CurrentRatchetPublic(); ok {
		payload = append(payload, ratchetPub[:]...)
	}
	payload = append(payload, appData...)
	return payload, nil
}

// announceBaseLen is the fixed-size prefix of an announce payload before
// the optional ratchet key and app_data: public_keys(64) | name_hash(10) |
// random_hash(10) | signature(64).
const announceBaseLen = PublicKeySize + NameHashLen + randomHashLen + 64

// DecodeAnnounce parses an announce payload. Ratchet presence is detected
// by payload length >= base+32 and the candidate 32 bytes not being
// all-zero (spec §6).
func DecodeAnnounce(payload []byte) (*Announce, error) {
	if len(payload) < announceBaseLen {
		return nil, fmt.Errorf("%w: short announce payload", ErrMalformedPacket)
	}
	a := &Announce{}
	off := 0
	copy(a.PublicKeys[:], payload[off:off+PublicKeySize])
	off += PublicKeySize
	copy(a.NameHash[:], payload[off:off+NameHashLen])
	off += NameHashLen
	copy(a.RandomHash[:], payload[off:off+randomHashLen])
	off += randomHashLen
	copy(a.Signature[:], payload[off:off+64])
	off += 64

	rest := payload[off:]
	if len(rest) >= exchange.KeySize && !allZero(rest[:exchange.KeySize]) {
		var rp [exchange.KeySize]byte
		copy(rp[:], rest[:exchange.KeySize])
		a.RatchetPub = &rp
		rest = rest[exchange.KeySize:]
	}
	if len(rest) > 0 {
		a.AppData = append([]byte(nil), rest...)
	}
	return a, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// VerifyAnnounce validates an announce's signature and recomputes
// expected_hash = trunc16(H(name_hash || identity_hash)), rejecting
// mismatches as a hash collision (spec §4.5 step 2).
func VerifyAnnounce(destHash [TruncatedHashLen]byte, a *Announce) (*Identity, error) {
	var ecdhPub [exchange.KeySize]byte
	var signPub [32]byte
	copy(ecdhPub[:], a.PublicKeys[:exchange.KeySize])
	copy(signPub[:], a.PublicKeys[exchange.KeySize:])

	id, err := PublicIdentity(ecdhPub, signPub)
	if err != nil {
		return nil, err
	}

	expected := Trunc16(a.NameHash[:], id.Hash[:])
	if expected != destHash {
		slog.Error("destination: rejecting announce with mismatched identity",
			slog.String("event", "hash_collision"),
			slog.String("dest_hash", fmt.Sprintf("%x", destHash)))
		return nil, fmt.Errorf("%w: destination hash does not match announced identity", ErrIdentityMismatch)
	}

	signed := make([]byte, 0, len(destHash)+len(a.PublicKeys)+len(a.NameHash)+len(a.RandomHash)+len(a.AppData))
	signed = append(signed, destHash[:]...)
	signed = append(signed, a.PublicKeys[:]...)
	signed = append(signed, a.NameHash[:]...)
	signed = append(signed, a.RandomHash[:]...)
	signed = append(signed, a.AppData...)
	if !id.Validate(signed, a.Signature[:]) {
		return nil, fmt.Errorf("%w: bad announce signature", ErrInvalidSignature)
	}
	return id, nil
}

// Encrypt delegates to Identity with PLAIN passthrough and GROUP reserved
// for future use (spec §4.3).
func (d *Destination) Encrypt(plaintext []byte) ([]byte, error) {
	switch d.Type {
	case DestPlain:
		return plaintext, nil
	case DestGroup:
		return nil, ErrGroupNotSupported
	default:
		if d.Identity == nil {
			return nil, ErrNoPublicKey
		}
		return d.Identity.Encrypt(plaintext)
	}
}

// Decrypt delegates to Identity with PLAIN passthrough and GROUP reserved
// for future use.
func (d *Destination) Decrypt(envelope []byte) ([]byte, bool) {
	switch d.Type {
	case DestPlain:
		return envelope, true
	case DestGroup:
		return nil, false
	default:
		if d.Identity == nil {
			return nil, false
		}
		return d.Identity.Decrypt(envelope)
	}
}

// Sign delegates to Identity.
func (d *Destination) Sign(msg []byte) ([]byte, error) {
	if d.Identity == nil {
		return nil, ErrNoPublicKey
	}
	return d.Identity.Sign(msg)
}

// defaultPRTagWindow and defaultPRCacheCap are Open Question decisions
// (spec leaves PR_TAG_WINDOW unspecified): 30 seconds comfortably exceeds a
// mesh round trip of several hops, and 256 entries bound memory on a
// constrained device while outliving any plausible retransmission burst.
const (
	defaultPRTagWindow = 30 * time.Second
	defaultPRCacheCap  = 256
)

type prCacheEntry struct {
	tag [TruncatedHashLen]byte
	at  time.Time
}

// pathResponseCache deduplicates recent path responses by tag, evicting
// entries older than its window lazily whenever Emit is called (spec
// §4.3).
type pathResponseCache struct {
	mu      sync.Mutex
	window  time.Duration
	cap     int
	entries []prCacheEntry
}

func newPathResponseCache(window time.Duration, capacity int) *pathResponseCache {
	return &pathResponseCache{window: window, cap: capacity}
}

// Emit reports whether tag is new (should be responded to) and records it.
// Duplicate tags within the window return false. Eviction of stale entries
// happens as a side effect of this call.
func (c *pathResponseCache) Emit(tag [TruncatedHashLen]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.evict(now)
	for _, e := range c.entries {
		if e.tag == tag {
			return false
		}
	}
	if len(c.entries) >= c.cap {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, prCacheEntry{tag: tag, at: now})
	return true
}

func (c *pathResponseCache) evict(now time.Time) {
	cut := 0
	for cut < len(c.entries) && now.Sub(c.entries[cut].at) > c.window {
		cut++
	}
	if cut > 0 {
		c.entries = c.entries[cut:]
	}
}
