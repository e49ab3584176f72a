package rns

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/torlando-tech/reticulum-go/internal/token"
	"github.com/torlando-tech/reticulum-go/pkg/attest"
	"github.com/torlando-tech/reticulum-go/pkg/exchange"
	"github.com/torlando-tech/reticulum-go/pkg/ratchet"
)

// KnownDestinationsSize is KNOWN_DESTINATIONS_SIZE from spec §6.
const KnownDestinationsSize = 2048

// cullHighWater and cullLowWater govern the proactive cull spec §4.2
// describes: once the pool is at least 90% full, the oldest entries are
// dropped until it is back down to about 80%.
const (
	cullHighWater = 0.90
	cullLowWater  = 0.80
)

// PublicKeySize is the length of an identity's concatenated public halves
// (X25519 || Ed25519), matching the public_key(64) field of the KDST format.
const PublicKeySize = exchange.KeySize + 32

// Identity is the long-term ECDH + signing keypair pair a node (or a remote
// peer, in public-only form) presents on the mesh (spec §4.2).
type Identity struct {
	ecdh *exchange.KeyPair // nil for a public-only (remote) identity
	sign *attest.KeyPair   // nil for a public-only (remote) identity

	ecdhPub [exchange.KeySize]byte
	signPub [32]byte

	Hash [TruncatedHashLen]byte

	ratchetMu sync.Mutex
	ratchet   *ratchet.Ring // nil unless ratchets are enabled locally
}

// GenerateIdentity produces a fresh local Identity with both private halves.
func GenerateIdentity() (*Identity, error) {
	ecdhPair, err := exchange.Generate()
	if err != nil {
		return nil, fmt.Errorf("identity: generating ecdh keypair: %w", err)
	}
	signPair, err := attest.Generate()
	if err != nil {
		return nil, fmt.Errorf("identity: generating signing keypair: %w", err)
	}
	return newIdentity(ecdhPair, signPair, ecdhPair.Public, [32]byte(signPair.Public))
}

// PublicIdentity reconstructs the public-only half of a remote peer's
// Identity, as observed in an announce or a remembered record. It has no
// private key material and cannot sign or decrypt.
func PublicIdentity(ecdhPub [exchange.KeySize]byte, signPub [32]byte) (*Identity, error) {
	return newIdentity(nil, nil, ecdhPub, signPub)
}

func newIdentity(ecdhPair *exchange.KeyPair, signPair *attest.KeyPair, ecdhPub [exchange.KeySize]byte, signPub [32]byte) (*Identity, error) {
	id := &Identity{
		ecdh:    ecdhPair,
		sign:    signPair,
		ecdhPub: ecdhPub,
		signPub: signPub,
	}
	id.Hash = Trunc16(ecdhPub[:], signPub[:])
	return id, nil
}

// PublicKeys returns the concatenated X25519 || Ed25519 public halves, the
// public_key(64) wire field.
func (id *Identity) PublicKeys() [PublicKeySize]byte {
	var out [PublicKeySize]byte
	copy(out[:exchange.KeySize], id.ecdhPub[:])
	copy(out[exchange.KeySize:], id.signPub[:])
	return out
}

// EnableRatchet seeds this Identity with a local ratchet ring for forward
// secrecy (spec §4.2). Only meaningful on a local (private) Identity.
func (id *Identity) EnableRatchet(interval, grace time.Duration) error {
	if id.sign == nil {
		return ErrInvalidState
	}
	r, err := ratchet.NewRing(interval, grace, ratchet.DefaultCapacity)
	if err != nil {
		return fmt.Errorf("identity: enabling ratchet: %w", err)
	}
	id.ratchetMu.Lock()
	id.ratchet = r
	id.ratchetMu.Unlock()
	return nil
}

// CurrentRatchetPublic returns the public half of the current ratchet
// keypair, for inclusion in announces, or ok=false if ratchets are
// disabled.
func (id *Identity) CurrentRatchetPublic() (pub [exchange.KeySize]byte, ok bool) {
	id.ratchetMu.Lock()
	defer id.ratchetMu.Unlock()
	if id.ratchet == nil {
		return pub, false
	}
	return id.ratchet.Current().Public, true
}

// RotateRatchet forces immediate rotation of the local ratchet ring.
func (id *Identity) RotateRatchet() error {
	id.ratchetMu.Lock()
	r := id.ratchet
	id.ratchetMu.Unlock()
	if r == nil {
		return ErrInvalidState
	}
	return r.Force()
}

// TickRatchet rotates the local ratchet ring if it is due, as of now.
func (id *Identity) TickRatchet(now time.Time) (bool, error) {
	id.ratchetMu.Lock()
	r := id.ratchet
	id.ratchetMu.Unlock()
	if r == nil {
		return false, nil
	}
	return r.RotateIfDue(now)
}

// Sign produces a 64-byte Ed25519 signature over msg. Only valid on a local
// Identity with a private signing key.
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	if id.sign == nil {
		return nil, ErrNoPublicKey
	}
	return id.sign.Sign(msg), nil
}

// Validate verifies an Ed25519 signature against this Identity's public
// signing key.
func (id *Identity) Validate(msg, sig []byte) bool {
	return attest.Verify(id.signPub[:], msg, sig)
}

// tokenContext is the HKDF info label spec §4.2 calls "recipient_context";
// the HKDF salt ("recipient_salt") is the recipient's identity hash, which
// anchors the derivation to that specific peer. The fixed label
// domain-separates identity-level encryption from Link's session_key
// derivation (link.go).
var tokenContext = []byte("rns.identity.token")

// Encrypt implements Identity.encrypt (spec §4.2): it generates an
// ephemeral X25519 keypair, performs ECDH against this Identity's long-term
// public ECDH key (EncryptToRatchet targets a ratchet key instead), derives
// a Token key via HKDF, and seals plaintext. The envelope is
// E_pub || ciphertext || hmac.
func (id *Identity) Encrypt(plaintext []byte) ([]byte, error) {
	return id.encryptTo(id.ecdhPub, plaintext)
}

// EncryptToRatchet is Encrypt, but against a specific ratchet public key
// recalled for this peer rather than the long-term ECDH key (spec §4.2:
// "encryption uses the current ratchet rather than the long-term ECDH key
// when enabled").
func (id *Identity) EncryptToRatchet(ratchetPub [exchange.KeySize]byte, plaintext []byte) ([]byte, error) {
	return id.encryptTo(ratchetPub, plaintext)
}

func (id *Identity) encryptTo(peerPub [exchange.KeySize]byte, plaintext []byte) ([]byte, error) {
	if peerPub == ([exchange.KeySize]byte{}) {
		return nil, fmt.Errorf("%w: no public key", ErrEncryptionFailed)
	}
	eph, err := exchange.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	shared, err := exchange.Exchange(eph, peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	key, err := deriveTokenKey(shared, id.Hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed, err := token.Encrypt(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	out := make([]byte, 0, exchange.KeySize+len(sealed))
	out = append(out, eph.Public[:]...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt implements Identity.decrypt: the inverse of Encrypt using this
// Identity's private ECDH key. Any structural or authentication failure
// returns (nil, false) rather than an error, matching spec §4.2's "returns
// NONE (not an exception) so a caller may silently drop".
func (id *Identity) Decrypt(envelope []byte) ([]byte, bool) {
	if id.ecdh == nil {
		return nil, false
	}
	if plain, ok := id.decryptWith(id.ecdh, envelope); ok {
		return plain, true
	}
	id.ratchetMu.Lock()
	r := id.ratchet
	id.ratchetMu.Unlock()
	if r == nil {
		return nil, false
	}
	for _, cand := range r.Candidates() {
		if plain, ok := id.decryptWith(cand, envelope); ok {
			return plain, true
		}
	}
	return nil, false
}

func (id *Identity) decryptWith(priv *exchange.KeyPair, envelope []byte) ([]byte, bool) {
	if len(envelope) < exchange.KeySize {
		return nil, false
	}
	ephPub := envelope[:exchange.KeySize]
	sealed := envelope[exchange.KeySize:]

	shared, err := exchange.Exchange(priv, ephPub)
	if err != nil {
		return nil, false
	}
	key, err := deriveTokenKey(shared, id.Hash[:])
	if err != nil {
		return nil, false
	}
	plain, err := token.Decrypt(key, sealed)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// StaticShared computes ECDH(local private ECDH key, remote public ECDH
// key), the long-term binding Link establishment mixes into its session
// key alongside the ephemeral exchange (spec §4.6).
func StaticShared(local, remote *Identity) ([]byte, error) {
	if local.ecdh == nil {
		return nil, ErrNoPublicKey
	}
	return exchange.Exchange(local.ecdh, remote.ecdhPub[:])
}

func deriveTokenKey(shared, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, shared, salt, tokenContext)
	key := make([]byte, token.DerivedKeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// KnownDestination is one entry of the known-destinations pool: everything
// Identity.remember records about a peer (spec §4.2).
type KnownDestination struct {
	DestHash   [TruncatedHashLen]byte
	Timestamp  float64 // unix seconds, as observed at remember time
	PacketHash [sha256.Size]byte
	PublicKey  [PublicKeySize]byte
	AppData    []byte

	// RatchetPub is the peer's ratchet public key as carried on the
	// announce that produced this entry, if any (spec §4.5.2: "remember
	// ratchet (if present)"). nil when the announce carried none.
	RatchetPub *[exchange.KeySize]byte
}

// KnownDestinations is the fixed-capacity pool Identity.remember populates,
// with a persisted binary mirror in the KDST format (spec §4.2, §6).
type KnownDestinations struct {
	mu       sync.Mutex
	capacity int
	entries  map[[TruncatedHashLen]byte]*KnownDestination
}

// NewKnownDestinations creates an empty pool of the given capacity, or
// KnownDestinationsSize if capacity <= 0.
func NewKnownDestinations(capacity int) *KnownDestinations {
	if capacity <= 0 {
		capacity = KnownDestinationsSize
	}
	return &KnownDestinations{
		capacity: capacity,
		entries:  make(map[[TruncatedHashLen]byte]*KnownDestination),
	}
}

// Remember adds or updates an entry. Invariant (spec §4.2): once a
// destHash is associated with a public key, a later call with a different
// public key for the same hash is rejected.
func (k *KnownDestinations) Remember(destHash [TruncatedHashLen]byte, packetHash [sha256.Size]byte, publicKey [PublicKeySize]byte, appData []byte, timestamp float64, ratchetPub *[exchange.KeySize]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.entries[destHash]; ok {
		if existing.PublicKey != publicKey {
			slog.Error("identity: rejecting known-destination update",
				slog.String("event", "hash_collision"),
				slog.String("dest_hash", fmt.Sprintf("%x", destHash)))
			return ErrIdentityMismatch
		}
		existing.Timestamp = timestamp
		existing.PacketHash = packetHash
		existing.AppData = appData
		if ratchetPub != nil {
			existing.RatchetPub = ratchetPub
		}
		return nil
	}

	k.entries[destHash] = &KnownDestination{
		DestHash:   destHash,
		Timestamp:  timestamp,
		PacketHash: packetHash,
		PublicKey:  publicKey,
		AppData:    appData,
		RatchetPub: ratchetPub,
	}
	k.cullIfNeeded()
	slog.Debug("identity: remembered destination", slog.String("dest_hash", fmt.Sprintf("%x", destHash)))
	return nil
}

// Recall looks up a remembered destination.
func (k *KnownDestinations) Recall(destHash [TruncatedHashLen]byte) (*KnownDestination, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[destHash]
	return e, ok
}

// Len reports how many entries are currently held.
func (k *KnownDestinations) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

// cullIfNeeded drops the oldest entries once the pool is at or above
// cullHighWater full, bringing it back down to about cullLowWater (spec
// §4.2: "proactive cull when >=90% full reduces to ~80% by oldest
// timestamp"). Must be called with mu held.
func (k *KnownDestinations) cullIfNeeded() {
	if float64(len(k.entries)) < float64(k.capacity)*cullHighWater {
		return
	}
	target := int(float64(k.capacity) * cullLowWater)
	if target >= len(k.entries) {
		return
	}

	ordered := make([]*KnownDestination, 0, len(k.entries))
	for _, e := range k.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	toDrop := len(ordered) - target
	for _, e := range ordered[:toDrop] {
		delete(k.entries, e.DestHash)
	}
}

const kdstMagic = "KDST"

// kdstVersion 2 added the ratchet_present/ratchet_pub fields so a
// remembered destination's ratchet key survives a restart (spec §4.5.2).
const kdstVersion = 2

// ErrUnsupportedVersion is returned by LoadFrom for a KDST file whose
// version this build does not understand.
var ErrUnsupportedVersion = errors.New("identity: unsupported KDST version")

// SaveTo serializes the pool to the KDST binary mirror format (spec §6):
// magic "KDST" | version u8=2 | count u16 LE, then per-record
// dest_hash(16) | timestamp(f64 LE) | packet_hash(32) | public_key(64) |
// app_data_len(u16 LE) | app_data | ratchet_present(u8) | ratchet_pub(32,
// only if present).
func (k *KnownDestinations) SaveTo(w io.Writer) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := w.Write([]byte(kdstMagic)); err != nil {
		return err
	}
	if _, err := w.Write([]byte{kdstVersion}); err != nil {
		return err
	}
	countBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(countBuf, uint16(len(k.entries)))
	if _, err := w.Write(countBuf); err != nil {
		return err
	}

	for _, e := range k.entries {
		if err := writeRecord(w, e); err != nil {
			return err
		}
	}
	return nil
}

func writeRecord(w io.Writer, e *KnownDestination) error {
	if _, err := w.Write(e.DestHash[:]); err != nil {
		return err
	}
	tsBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(tsBuf, math.Float64bits(e.Timestamp))
	if _, err := w.Write(tsBuf); err != nil {
		return err
	}
	if _, err := w.Write(e.PacketHash[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.PublicKey[:]); err != nil {
		return err
	}
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(e.AppData)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	if len(e.AppData) > 0 {
		if _, err := w.Write(e.AppData); err != nil {
			return err
		}
	}
	if e.RatchetPub != nil {
		if _, err := w.Write([]byte{1}); err != nil {
			return err
		}
		if _, err := w.Write(e.RatchetPub[:]); err != nil {
			return err
		}
	} else if _, err := w.Write([]byte{0}); err != nil {
		return err
	}
	return nil
}

// LoadKnownDestinations reads a KDST file into a new pool of the given
// capacity.
func LoadKnownDestinations(r io.Reader, capacity int) (*KnownDestinations, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("identity: reading magic: %w", err)
	}
	if string(magic) != kdstMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedFile)
	}
	verBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, verBuf); err != nil {
		return nil, fmt.Errorf("identity: reading version: %w", err)
	}
	if verBuf[0] != kdstVersion {
		return nil, ErrUnsupportedVersion
	}
	countBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, countBuf); err != nil {
		return nil, fmt.Errorf("identity: reading count: %w", err)
	}
	count := binary.LittleEndian.Uint16(countBuf)

	pool := NewKnownDestinations(capacity)
	for i := 0; i < int(count); i++ {
		e, err := readRecord(r)
		if err != nil {
			return nil, err
		}
		pool.entries[e.DestHash] = e
	}
	return pool, nil
}

func readRecord(r io.Reader) (*KnownDestination, error) {
	e := &KnownDestination{}
	if _, err := io.ReadFull(r, e.DestHash[:]); err != nil {
		return nil, fmt.Errorf("identity: reading dest_hash: %w", err)
	}
	tsBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, tsBuf); err != nil {
		return nil, fmt.Errorf("identity: reading timestamp: %w", err)
	}
	e.Timestamp = math.Float64frombits(binary.LittleEndian.Uint64(tsBuf))
	if _, err := io.ReadFull(r, e.PacketHash[:]); err != nil {
		return nil, fmt.Errorf("identity: reading packet_hash: %w", err)
	}
	if _, err := io.ReadFull(r, e.PublicKey[:]); err != nil {
		return nil, fmt.Errorf("identity: reading public_key: %w", err)
	}
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("identity: reading app_data_len: %w", err)
	}
	n := binary.LittleEndian.Uint16(lenBuf)
	if n > 0 {
		e.AppData = make([]byte, n)
		if _, err := io.ReadFull(r, e.AppData); err != nil {
			return nil, fmt.Errorf("identity: reading app_data: %w", err)
		}
	}
	presentBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, presentBuf); err != nil {
		return nil, fmt.Errorf("identity: reading ratchet_present: %w", err)
	}
	if presentBuf[0] != 0 {
		var pub [exchange.KeySize]byte
		if _, err := io.ReadFull(r, pub[:]); err != nil {
			return nil, fmt.Errorf("identity: reading ratchet_pub: %w", err)
		}
		e.RatchetPub = &pub
	}
	return e, nil
}
