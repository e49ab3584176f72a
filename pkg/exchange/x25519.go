// Package exchange provides the X25519 ECDH primitive used by Identity,
// Link ephemeral handshakes and the per-destination ratchet (spec §4.2,
// §4.6). It is backed by circl's x25519 implementation rather than stdlib's
// crypto/ecdh, keeping the teacher's cloudflare/circl dependency wired to a
// concern the spec actually needs (the teacher only pulls circl in for an
// optional post-quantum signature scheme the spec does not call for).
package exchange

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/dh/x25519"
)

// KeySize is the length, in bytes, of an X25519 public or private key.
const KeySize = x25519.Size

var ErrInvalidKey = errors.New("exchange: invalid x25519 key")

// KeyPair is an X25519 Diffie-Hellman keypair.
type KeyPair struct {
	Public  [KeySize]byte
	private [KeySize]byte
}

// Generate creates a fresh, random X25519 keypair.
func Generate() (*KeyPair, error) {
	var priv x25519.Key
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	var pub x25519.Key
	x25519.KeyGen(&pub, &priv)
	return &KeyPair{Public: pub, private: priv}, nil
}

// Restore reconstructs a KeyPair from a raw private key, recomputing the
// matching public key.
func Restore(priv []byte) (*KeyPair, error) {
	if len(priv) != KeySize {
		return nil, ErrInvalidKey
	}
	var p, pub x25519.Key
	copy(p[:], priv)
	x25519.KeyGen(&pub, &p)
	return &KeyPair{Public: pub, private: p}, nil
}

// PrivateBytes exposes the raw private scalar, for persistence.
func (k *KeyPair) PrivateBytes() []byte {
	b := make([]byte, KeySize)
	copy(b, k.private[:])
	return b
}

// Exchange computes the X25519 shared secret with a peer's public key.
func Exchange(priv *KeyPair, peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, ErrInvalidKey
	}
	var pub, shared x25519.Key
	copy(pub[:], peerPublic)
	secret := x25519.Key(priv.private)
	if !x25519.Shared(&shared, &secret, &pub) {
		return nil, fmt.Errorf("%w: low-order point", ErrInvalidKey)
	}
	out := make([]byte, KeySize)
	copy(out, shared[:])
	return out, nil
}
