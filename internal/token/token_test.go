package token_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/torlando-tech/reticulum-go/internal/token"
)

func randKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, token.DerivedKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randKey(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	envelope, err := token.Encrypt(key, plaintext)
	require.NoError(t, err)
	require.NotEmpty(t, envelope)

	got, err := token.Decrypt(key, envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncryptEmptyPlaintext(t *testing.T) {
	key := randKey(t)
	envelope, err := token.Encrypt(key, nil)
	require.NoError(t, err)

	got, err := token.Decrypt(key, envelope)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := randKey(t)
	other := randKey(t)

	envelope, err := token.Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	_, err = token.Decrypt(other, envelope)
	require.ErrorIs(t, err, token.ErrInvalidCiphertext)
}

func TestDecryptTamperedTagFails(t *testing.T) {
	key := randKey(t)
	envelope, err := token.Encrypt(key, []byte("secret"))
	require.NoError(t, err)

	envelope[len(envelope)-1] ^= 0xFF

	_, err = token.Decrypt(key, envelope)
	require.ErrorIs(t, err, token.ErrInvalidCiphertext)
}

func TestDecryptTruncatedFails(t *testing.T) {
	key := randKey(t)
	_, err := token.Decrypt(key, []byte{1, 2, 3})
	require.ErrorIs(t, err, token.ErrInvalidCiphertext)
}

func TestEncryptInvalidKeyLength(t *testing.T) {
	_, err := token.Encrypt([]byte("short"), []byte("data"))
	require.ErrorIs(t, err, token.ErrInvalidKey)
}

func TestDecryptInvalidKeyLength(t *testing.T) {
	_, err := token.Decrypt([]byte("short"), make([]byte, 64))
	require.ErrorIs(t, err, token.ErrInvalidKey)
}
