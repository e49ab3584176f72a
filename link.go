package rns

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/torlando-tech/reticulum-go/internal/token"
	"github.com/torlando-tech/reticulum-go/pkg/exchange"
	"github.com/torlando-tech/reticulum-go/pkg/ratchet"
)

// LinkState is one of the states in the PENDING -> HANDSHAKE -> ACTIVE ->
// {STALE, CLOSED} machine (spec §4.6).
type LinkState int

const (
	LinkPending LinkState = iota
	LinkHandshake
	LinkActive
	LinkStale
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkPending:
		return "pending"
	case LinkHandshake:
		return "handshake"
	case LinkActive:
		return "active"
	case LinkStale:
		return "stale"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Default timing constants (spec §4.6, Open Question: exact seconds are
// left to the implementation). Chosen to comfortably separate "quiet but
// fine" from "probably gone" on a lossy, multi-hop mesh.
const (
	DefaultKeepalive     = 30 * time.Second
	DefaultStaleTime     = 10 * time.Second
	DefaultStaleTimeout  = 60 * time.Second
	replayWindowSize     = 64
	linkFrameMACInfo     = "rns.link.frame-mac"
	linkSessionKeyInfo   = "link"
)

// sessionKeyMaterial derives both the Token key for link payload AEAD and a
// second, domain-separated HMAC key used for the outer header||sequence||
// ciphertext authentication spec §4.6 calls for.
type sessionKeyMaterial struct {
	tokenKey []byte // token.DerivedKeySize bytes
	frameMAC []byte // sha256.Size bytes
}

func deriveSessionKeys(linkID [TruncatedHashLen]byte, ikm []byte) (*sessionKeyMaterial, error) {
	tokenKDF := hkdf.New(sha256.New, ikm, linkID[:], []byte(linkSessionKeyInfo))
	tokenKey := make([]byte, token.DerivedKeySize)
	if _, err := io.ReadFull(tokenKDF, tokenKey); err != nil {
		return nil, err
	}
	macKDF := hkdf.New(sha256.New, ikm, linkID[:], []byte(linkFrameMACInfo))
	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(macKDF, macKey); err != nil {
		return nil, err
	}
	return &sessionKeyMaterial{tokenKey: tokenKey, frameMAC: macKey}, nil
}

// replayWindow implements the sliding-window replay check spec §4.6
// requires: anything older than window_size below the highwater sequence
// is rejected, and a sequence already accepted is rejected.
type replayWindow struct {
	highwater uint64
	bitmap    uint64 // bit i set means highwater-i was accepted
	seeded    bool
}

func (w *replayWindow) Accept(seq uint64) bool {
	if !w.seeded {
		w.highwater = seq
		w.bitmap = 1
		w.seeded = true
		return true
	}
	switch {
	case seq > w.highwater:
		shift := seq - w.highwater
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highwater = seq
		return true
	case seq == w.highwater:
		return false
	default:
		diff := w.highwater - seq
		if diff >= replayWindowSize {
			return false
		}
		bit := uint64(1) << diff
		if w.bitmap&bit != 0 {
			return false
		}
		w.bitmap |= bit
		return true
	}
}

// Link is an encrypted, sequence-checked session between two destinations
// (spec §3, §4.6).
type Link struct {
	LinkID      [TruncatedHashLen]byte
	Initiator   bool
	LocalDest   *Destination
	PeerDest    *Destination

	mu           sync.Mutex
	state        LinkState
	localEph     *exchange.KeyPair
	peerEphPub   [exchange.KeySize]byte
	keys         *sessionKeyMaterial
	sendSeq      uint64
	recvWindow   replayWindow
	lastActivity time.Time
	lastProbe    time.Time
	rtt          time.Duration
	teardown     TeardownReason
	aeadFailures int

	keepalive    time.Duration
	staleTime    time.Duration
	staleTimeout time.Duration

	peerRatchet ratchet.RemoteEntry
}

// LinkOption configures a tunable of a Link at construction time, mirroring
// the teacher's functional-option constructors (dial.go's DialOption).
type LinkOption func(*Link) error

// WithLinkTimings overrides the default keepalive/stale/timeout durations
// Tick uses to drive this Link's state machine (spec §4.6; Open Question on
// exact seconds, see DESIGN.md).
func WithLinkTimings(keepalive, staleTime, staleTimeout time.Duration) LinkOption {
	return func(l *Link) error {
		l.keepalive = keepalive
		l.staleTime = staleTime
		l.staleTimeout = staleTimeout
		return nil
	}
}

func newLinkWithDefaults() *Link {
	return &Link{
		keepalive:    DefaultKeepalive,
		staleTime:    DefaultStaleTime,
		staleTimeout: DefaultStaleTimeout,
	}
}

// Timings returns the keepalive/stale/timeout durations this Link was
// configured with (defaults unless overridden via WithLinkTimings).
func (l *Link) Timings() (keepalive, staleTime, staleTimeout time.Duration) {
	return l.keepalive, l.staleTime, l.staleTimeout
}

// NewInitiatorLink starts a Link in PENDING state, from localDest to
// peerDest.
func NewInitiatorLink(localDest, peerDest *Destination, opts ...LinkOption) (*Link, error) {
	l := newLinkWithDefaults()
	l.Initiator = true
	l.LocalDest = localDest
	l.PeerDest = peerDest
	l.state = LinkPending
	l.lastActivity = time.Now()
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("link: applying option: %w", err)
		}
	}
	return l, nil
}

// State returns the current LinkState.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BuildLinkRequest generates the initiator's ephemeral keypair and the
// LINKREQUEST payload: eph_pub || peer_ratchet_id? (spec §4.6 step 1). It
// transitions the Link from PENDING to HANDSHAKE.
func (l *Link) BuildLinkRequest(peerRatchetID *[exchange.KeySize]byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkPending {
		return nil, fmt.Errorf("%w: link not pending", ErrInvalidState)
	}
	eph, err := exchange.Generate()
	if err != nil {
		return nil, fmt.Errorf("link: generating ephemeral keypair: %w", err)
	}
	l.localEph = eph

	payload := make([]byte, 0, exchange.KeySize+exchange.KeySize)
	payload = append(payload, eph.Public[:]...)
	if peerRatchetID != nil {
		payload = append(payload, peerRatchetID[:]...)
	}
	l.state = LinkHandshake
	return payload, nil
}

// LinkIDFromRequestHash computes link_id = trunc16(H(LINKREQUEST_packet_hash))
// (spec §4.6).
func LinkIDFromRequestHash(requestPacketHash [sha256.Size]byte) [TruncatedHashLen]byte {
	return Trunc16(requestPacketHash[:])
}

// RespondToLinkRequest validates a LINKREQUEST payload against localDest's
// accept_link_requests flag, derives the session key, and returns a Link in
// ACTIVE state plus the PROOF payload to send back (spec §4.6 step 2).
// staticShared is ECDH(local identity priv, peer identity pub), binding the
// link to both parties' long-term identities in addition to the ephemeral
// exchange.
func RespondToLinkRequest(localDest, peerDest *Destination, requestPayload []byte, requestPacketHash [sha256.Size]byte, staticShared []byte, opts ...LinkOption) (*Link, []byte, error) {
	if !localDest.AcceptsLinkRequests() {
		return nil, nil, fmt.Errorf("%w: link requests not accepted", ErrInvalidState)
	}
	if len(requestPayload) < exchange.KeySize {
		return nil, nil, fmt.Errorf("%w: short link request", ErrMalformedMessage)
	}
	var initEphPub [exchange.KeySize]byte
	copy(initEphPub[:], requestPayload[:exchange.KeySize])

	respEph, err := exchange.Generate()
	if err != nil {
		return nil, nil, fmt.Errorf("link: generating ephemeral keypair: %w", err)
	}
	shared, err := exchange.Exchange(respEph, initEphPub[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	linkID := LinkIDFromRequestHash(requestPacketHash)
	ikm := append(append([]byte(nil), shared...), staticShared...)
	keys, err := deriveSessionKeys(linkID, ikm)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	signed := linkSignedMaterial(linkID, initEphPub, respEph.Public)
	sig, err := localDest.Sign(signed)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	l := newLinkWithDefaults()
	l.LinkID = linkID
	l.Initiator = false
	l.LocalDest = localDest
	l.PeerDest = peerDest
	l.state = LinkActive
	l.localEph = respEph
	l.peerEphPub = initEphPub
	l.keys = keys
	l.lastActivity = time.Now()
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, nil, fmt.Errorf("link: applying option: %w", err)
		}
	}

	proof := make([]byte, 0, exchange.KeySize+64)
	proof = append(proof, respEph.Public[:]...)
	proof = append(proof, sig...)
	return l, proof, nil
}

// linkSignedMaterial is the byte string a PROOF's signature covers:
// link_id || eph_pubs (initiator's then responder's).
func linkSignedMaterial(linkID [TruncatedHashLen]byte, initEphPub, respEphPub [exchange.KeySize]byte) []byte {
	out := make([]byte, 0, len(linkID)+2*exchange.KeySize)
	out = append(out, linkID[:]...)
	out = append(out, initEphPub[:]...)
	out = append(out, respEphPub[:]...)
	return out
}

// CompleteHandshake consumes a PROOF payload on the initiator side: it
// derives the same session key, verifies the signature, and transitions to
// ACTIVE (spec §4.6 step 3).
func (l *Link) CompleteHandshake(proof []byte, requestPacketHash [sha256.Size]byte, staticShared []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkHandshake {
		return &HandshakeFailure{Reason: "unexpected state", Err: ErrInvalidState}
	}
	if len(proof) < exchange.KeySize+64 {
		return &HandshakeFailure{Reason: "short proof", Err: ErrMalformedMessage}
	}
	var respEphPub [exchange.KeySize]byte
	copy(respEphPub[:], proof[:exchange.KeySize])
	sig := proof[exchange.KeySize:]

	linkID := LinkIDFromRequestHash(requestPacketHash)
	shared, err := exchange.Exchange(l.localEph, respEphPub[:])
	if err != nil {
		return &HandshakeFailure{Reason: "ecdh failed", Err: err}
	}
	ikm := append(append([]byte(nil), shared...), staticShared...)
	keys, err := deriveSessionKeys(linkID, ikm)
	if err != nil {
		return &HandshakeFailure{Reason: "key derivation failed", Err: err}
	}

	signed := linkSignedMaterial(linkID, l.localEph.Public, respEphPub)
	if !l.PeerDest.Identity.Validate(signed, sig) {
		return &HandshakeFailure{Reason: "signature invalid", Err: ErrInvalidSignature}
	}

	l.LinkID = linkID
	l.peerEphPub = respEphPub
	l.keys = keys
	l.state = LinkActive
	l.lastActivity = time.Now()
	return nil
}

// Seal encrypts plaintext for transmission over this ACTIVE Link: it
// assigns the next send sequence, seals with Token under the session key,
// and appends an outer HMAC over header||sequence||ciphertext (spec §4.6).
func (l *Link) Seal(header byte, plaintext []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkActive {
		return nil, ErrInvalidState
	}
	l.sendSeq++
	seq := l.sendSeq

	ciphertext, err := token.Encrypt(l.keys.tokenKey, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	seqBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(seqBuf, seq)

	mac := hmac.New(sha256.New, l.keys.frameMAC)
	mac.Write([]byte{header})
	mac.Write(seqBuf)
	mac.Write(ciphertext)
	outer := mac.Sum(nil)

	out := make([]byte, 0, len(seqBuf)+len(ciphertext)+len(outer))
	out = append(out, seqBuf...)
	out = append(out, ciphertext...)
	out = append(out, outer...)
	l.lastActivity = time.Now()
	return out, nil
}

// Open is the inverse of Seal: it verifies the outer HMAC, checks the
// sliding replay window, and decrypts. A short frame, a bad outer HMAC or a
// failed decryption increments the link's AEAD failure counter (spec §4.6);
// a replayed or out-of-window sequence returns ErrReplayed without
// counting.
func (l *Link) Open(header byte, frame []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkActive {
		return nil, ErrInvalidState
	}
	if len(frame) < 8+sha256.Size {
		l.aeadFailures++
		return nil, ErrMalformedMessage
	}
	seqBuf := frame[:8]
	ciphertext := frame[8 : len(frame)-sha256.Size]
	outer := frame[len(frame)-sha256.Size:]

	mac := hmac.New(sha256.New, l.keys.frameMAC)
	mac.Write([]byte{header})
	mac.Write(seqBuf)
	mac.Write(ciphertext)
	want := mac.Sum(nil)
	if !hmac.Equal(want, outer) {
		l.aeadFailures++
		slog.Warn("link: rejecting tampered frame", slog.Int("aead_failures", l.aeadFailures))
		return nil, ErrInvalidCiphertext
	}

	seq := binary.BigEndian.Uint64(seqBuf)
	if !l.recvWindow.Accept(seq) {
		return nil, ErrReplayed
	}

	plaintext, err := token.Decrypt(l.keys.tokenKey, ciphertext)
	if err != nil {
		l.aeadFailures++
		return nil, ErrDecryptionFailed
	}
	l.lastActivity = time.Now()
	return plaintext, nil
}

// AEADFailures reports the running count of mid-link authentication
// failures, for teardown policy.
func (l *Link) AEADFailures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aeadFailures
}

// RememberPeerRatchet updates the peer's ratchet as observed in an
// announce or an inline ratchet-update frame.
func (l *Link) RememberPeerRatchet(pub [exchange.KeySize]byte, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peerRatchet.Remember(pub, now)
}

// PeerRatchetPublic returns the peer's currently acceptable ratchet
// public keys (current, plus previous during its grace window).
func (l *Link) PeerRatchetPublic(now time.Time, grace time.Duration) [][exchange.KeySize]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peerRatchet.AcceptablePublic(now, grace)
}

// SealToRatchet encrypts plaintext against the peer's most recently
// remembered ratchet public key instead of this Link's session keys, so
// traffic can still reach the peer while the Link itself is STALE or
// re-handshaking (spec §4.2, §4.6). It fails with ErrNotFound if no peer
// ratchet key has ever been remembered for this Link.
func (l *Link) SealToRatchet(now time.Time, grace time.Duration, plaintext []byte) ([]byte, error) {
	l.mu.Lock()
	known := !l.peerRatchet.UpdatedAt.IsZero()
	candidates := l.peerRatchet.AcceptablePublic(now, grace)
	peer := l.PeerDest
	l.mu.Unlock()

	if !known || peer == nil || peer.Identity == nil {
		return nil, ErrNotFound
	}
	return peer.Identity.EncryptToRatchet(candidates[0], plaintext)
}

// Tick advances the Link's keepalive/stale/closed state machine (spec
// §4.6, driven by the Scheduler). It makes at most one transition per call
// and returns the state after the tick.
func (l *Link) Tick(now time.Time, keepalive, staleTime, staleTimeout time.Duration) LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := l.state
	switch l.state {
	case LinkActive:
		if now.Sub(l.lastActivity) > keepalive+staleTime {
			l.state = LinkStale
		}
	case LinkStale:
		if now.Sub(l.lastActivity) > keepalive+staleTime+staleTimeout {
			l.state = LinkClosed
			l.teardown = TeardownStaleExpired
		}
	case LinkHandshake:
		if now.Sub(l.lastActivity) > DefaultKeepalive {
			l.state = LinkClosed
			l.teardown = TeardownTimeout
		}
	}
	if l.state != before {
		slog.Debug("link: state transition", slog.Int("link_id", int(l.LinkID[0])), slog.Any("from", before), slog.Any("to", l.state))
	}
	return l.state
}

// NeedsKeepalive reports whether a keepalive probe should be sent now, and if
// so marks one as just sent so repeated Tick calls within the same interval
// don't resend it (spec §4.6).
func (l *Link) NeedsKeepalive(now time.Time, keepalive time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != LinkActive || now.Sub(l.lastActivity) <= keepalive {
		return false
	}
	if now.Sub(l.lastProbe) <= keepalive {
		return false
	}
	l.lastProbe = now
	return true
}

// MarkActivity records that a packet was observed, recovering a STALE link
// back to ACTIVE (spec §4.6: "keepalive ok").
func (l *Link) MarkActivity(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastActivity = now
	if l.state == LinkStale {
		l.state = LinkActive
	}
}

// Close transitions the Link to CLOSED with the given reason.
func (l *Link) Close(reason TeardownReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = LinkClosed
	l.teardown = reason
}

// TeardownReason returns why a CLOSED link was torn down.
func (l *Link) TeardownReason() TeardownReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.teardown
}
