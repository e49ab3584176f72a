// Package token implements the "Token" authenticated-encryption envelope
// (spec §4.2, §6): AES-128-CBC for confidentiality and HMAC-SHA256 for
// integrity, combined the way Reticulum's wire format requires rather than
// AES-GCM or a NaCl box, so the construction is byte-exact across
// implementations. The ephemeral ECDH half and HKDF key derivation live
// alongside it; only the raw AEAD framing belongs to this package.
//
// This package is grounded in the standard library rather than a pack
// dependency: the spec names the exact
// primitives (AES-128-CBC, HMAC-SHA256, 16-byte IV), so there is no
// third-party "Token" implementation to adopt — building it from
// crypto/aes, crypto/cipher and crypto/hmac is the construction, not a
// stand-in for one.
package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
)

const (
	// KeySize is the length of the AES-128 key half of a derived Token key.
	KeySize = 16
	// MACKeySize is the length of the HMAC-SHA256 key half.
	MACKeySize = 32
	// IVSize is the CBC initialization vector length.
	IVSize = 16
	// MACSize is the truncated-to-full HMAC-SHA256 tag length appended to
	// every ciphertext.
	MACSize = sha256.Size

	// DerivedKeySize is the total length a key-derivation function must
	// produce: signing key followed by the AES key.
	DerivedKeySize = MACKeySize + KeySize
)

var (
	// ErrInvalidKey is returned when a derived key is the wrong length.
	ErrInvalidKey = errors.New("token: invalid key length")
	// ErrInvalidCiphertext is returned when a token is too short, its
	// padding is malformed, or its HMAC does not verify.
	ErrInvalidCiphertext = errors.New("token: invalid ciphertext")
)

// Encrypt seals plaintext under a derived key, producing
// iv || ciphertext || hmac. key must be DerivedKeySize bytes: the first
// MACKeySize bytes are the HMAC key, the remaining KeySize bytes the AES key
// — matching the order HKDF output is split in identity.go.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != DerivedKeySize {
		return nil, ErrInvalidKey
	}
	macKey, aesKey := key[:MACKeySize], key[MACKeySize:]

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("token: building cipher: %w", err)
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("token: generating iv: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, IVSize+len(ciphertext)+MACSize)
	out = append(out, iv...)
	out = append(out, ciphertext...)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(out)
	out = mac.Sum(out)
	return out, nil
}

// Decrypt opens a Token envelope produced by Encrypt. It fails closed with
// ErrInvalidCiphertext on any structural or authentication error.
func Decrypt(key, envelope []byte) ([]byte, error) {
	if len(key) != DerivedKeySize {
		return nil, ErrInvalidKey
	}
	if len(envelope) < IVSize+MACSize {
		return nil, ErrInvalidCiphertext
	}
	macKey, aesKey := key[:MACKeySize], key[MACKeySize:]

	body, tag := envelope[:len(envelope)-MACSize], envelope[len(envelope)-MACSize:]
	mac := hmac.New(sha256.New, macKey)
	mac.Write(body)
	want := mac.Sum(nil)
	if !hmac.Equal(want, tag) {
		return nil, ErrInvalidCiphertext
	}

	iv, ciphertext := body[:IVSize], body[IVSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("token: building cipher: %w", err)
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	unpadded, err := pkcs7Unpad(plain)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return unpadded, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	pad := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, ErrInvalidCiphertext
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > n {
		return nil, ErrInvalidCiphertext
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidCiphertext
		}
	}
	return data[:n-padLen], nil
}
