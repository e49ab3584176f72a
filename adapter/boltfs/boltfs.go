// Package boltfs provides a reference rns.OS implementation backed by
// go.etcd.io/bbolt, used to persist the known-destinations pool and other
// opaque blobs across restarts (spec §4.2, §6 "optional open_file/read/
// write/close used only by the persistence mirror of the known-destinations
// pool"). Grounded on the teacher's bbolt-backed Storage (storage.go),
// simplified to the core's minimal blob-capability shape rather than the
// teacher's chat-history schema. Blobs are encrypted at rest the same way
// the teacher's internal/enigma encrypts chat history: XChaCha20-Poly1305
// keyed via HKDF, not the at-rest plaintext a bare bbolt.Put would give.
package boltfs

import (
	"bytes"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"time"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	rns "github.com/torlando-tech/reticulum-go"
)

var blobBucket = []byte("rns_blobs")

const hkdfInfo = "boltfs-blob-v1"

// OS is a bbolt-backed rns.OS implementation. Every blob value stored in
// the database is sealed under an XChaCha20-Poly1305 AEAD keyed from the
// caller-supplied secret, mirroring internal/enigma's construction rather
// than handing bbolt a plaintext value.
type OS struct {
	db   *bbolt.DB
	aead []byte // derived chacha20poly1305.KeySize key
}

// Open opens (creating if absent) a bbolt database at path, ensures the
// blob bucket exists, and derives the at-rest AEAD key from secret via
// HKDF-SHA512 (the same derivation internal/enigma.Derive performs). secret
// is typically the owning Identity's private key material; a distinct salt
// should be passed per deployment to domain-separate the derivation.
func Open(path string, secret, salt []byte) (*OS, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltfs: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltfs: init bucket: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha512.New, secret, salt, []byte(hkdfInfo)), key); err != nil {
		db.Close()
		return nil, fmt.Errorf("boltfs: derive blob key: %w", err)
	}
	return &OS{db: db, aead: key}, nil
}

func (o *OS) seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(o.aead)
	if err != nil {
		return nil, fmt.Errorf("boltfs: chacha20poly1305X: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("boltfs: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (o *OS) open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(o.aead)
	if err != nil {
		return nil, fmt.Errorf("boltfs: chacha20poly1305X: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return nil, rns.ErrInvalidCiphertext
	}
	nonce, ct := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, rns.ErrInvalidCiphertext
	}
	return plaintext, nil
}

// Close releases the underlying database file.
func (o *OS) Close() error { return o.db.Close() }

// TimeSeconds returns a monotonic-ish wall clock reading (spec §6: "OS
// capability: monotonic time_seconds() -> f64").
func (o *OS) TimeSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// OpenFile returns a Blob over a named key in the blob bucket. Writing
// replaces the key's value on Close; reading snapshots the value at open
// time (bbolt values are only valid within a transaction, so Blob copies
// them out).
func (o *OS) OpenFile(path string, write bool) (rns.Blob, error) {
	if write {
		return &writeBlob{os: o, key: []byte(path)}, nil
	}

	var sealed []byte
	err := o.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(blobBucket)
		v := b.Get([]byte(path))
		if v == nil {
			return rns.ErrNotFound
		}
		sealed = append([]byte(nil), v...)
		return nil
	})
	if errors.Is(err, rns.ErrNotFound) {
		return nil, rns.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("boltfs: read %s: %w", path, err)
	}
	data, err := o.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("boltfs: decrypt %s: %w", path, err)
	}
	return &readBlob{r: bytes.NewReader(data)}, nil
}

type readBlob struct {
	r *bytes.Reader
}

func (b *readBlob) Read(p []byte) (int, error)  { return b.r.Read(p) }
func (b *readBlob) Write([]byte) (int, error)   { return 0, errors.New("boltfs: blob opened read-only") }
func (b *readBlob) Close() error                { return nil }

type writeBlob struct {
	os  *OS
	key []byte
	buf bytes.Buffer
}

func (b *writeBlob) Read([]byte) (int, error) { return 0, errors.New("boltfs: blob opened write-only") }

func (b *writeBlob) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *writeBlob) Close() error {
	sealed, err := b.os.seal(b.buf.Bytes())
	if err != nil {
		return fmt.Errorf("boltfs: encrypt %s: %w", b.key, err)
	}
	return b.os.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobBucket).Put(b.key, sealed)
	})
}
