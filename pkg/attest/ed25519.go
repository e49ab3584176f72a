// Package attest holds the long-term Ed25519 signing keypair half of an
// Identity (spec §4.2). The companion X25519 ECDH half lives in pkg/exchange.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	publicKeyType  = "PUBLIC KEY"
	privateKeyType = "PRIVATE KEY"
)

var (
	ErrMissingPEM  = errors.New("attest: no PEM data found")
	ErrInvalidKey  = errors.New("attest: invalid key")
	ErrMissingFile = errors.New("attest: file not found")
)

// KeyPair is a long-term Ed25519 signing keypair.
type KeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh Ed25519 signing keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	return &KeyPair{Public: pub, private: priv}, nil
}

// Restore reconstructs a KeyPair from a raw private seed (ed25519.SeedSize
// or a full ed25519.PrivateKeySize encoding).
func Restore(priv []byte) (*KeyPair, error) {
	switch len(priv) {
	case ed25519.SeedSize:
		key := ed25519.NewKeyFromSeed(priv)
		return &KeyPair{Public: key.Public().(ed25519.PublicKey), private: key}, nil
	case ed25519.PrivateKeySize:
		key := ed25519.PrivateKey(append([]byte(nil), priv...))
		return &KeyPair{Public: key.Public().(ed25519.PublicKey), private: key}, nil
	default:
		return nil, ErrInvalidKey
	}
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (k *KeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.private, msg)
}

// Verify checks a signature against a raw Ed25519 public key.
func Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// Save persists the keypair to disk as two PEM files: path (private) and
// path+".pub" (public).
func (k *KeyPair) Save(path string) error {
	priv, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return fmt.Errorf("marshalling private key: %w", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(k.Public)
	if err != nil {
		return fmt.Errorf("marshalling public key: %w", err)
	}
	if err := storeKey(priv, privateKeyType, path); err != nil {
		return fmt.Errorf("saving private key: %w", err)
	}
	if err := storeKey(pub, publicKeyType, path+".pub"); err != nil {
		return fmt.Errorf("saving public key: %w", err)
	}
	return nil
}

// LoadFromDisk loads a previously Save'd keypair.
func LoadFromDisk(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrMissingFile
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrMissingPEM
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return &KeyPair{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

func storeKey(key []byte, kType, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer file.Close()
	return pem.Encode(file, &pem.Block{Bytes: key, Type: kType})
}
