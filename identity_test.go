package rns

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torlando-tech/reticulum-go/pkg/exchange"
)

func TestGenerateIdentityHashIsDeterministicFromKeys(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pub := id.PublicKeys()
	want := Trunc16(pub[:32], pub[32:])
	require.Equal(t, want, id.Hash)
}

func TestIdentityEncryptDecryptRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	plaintext := []byte("hello mesh")
	envelope, err := id.Encrypt(plaintext)
	require.NoError(t, err)

	got, ok := id.Decrypt(envelope)
	require.True(t, ok)
	require.Equal(t, plaintext, got)
}

func TestIdentityDecryptTamperedFails(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	envelope, err := id.Encrypt([]byte("hello"))
	require.NoError(t, err)
	envelope[len(envelope)-1] ^= 0xFF

	_, ok := id.Decrypt(envelope)
	require.False(t, ok)
}

func TestPublicIdentityCannotDecrypt(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	pub, err := PublicIdentity(id.ecdhPub, id.signPub)
	require.NoError(t, err)

	envelope, err := id.Encrypt([]byte("hi"))
	require.NoError(t, err)

	_, ok := pub.Decrypt(envelope)
	require.False(t, ok)
}

func TestIdentitySignValidate(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("announce body")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, id.Validate(msg, sig))
	require.False(t, id.Validate([]byte("tampered"), sig))
}

func TestRatchetEnableRotateAndDecrypt(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, id.EnableRatchet(time.Hour, time.Minute))

	r1, ok := id.CurrentRatchetPublic()
	require.True(t, ok)

	envelope, err := id.EncryptToRatchet(r1, []byte("under r1"))
	require.NoError(t, err)

	require.NoError(t, id.RotateRatchet())
	r2, ok := id.CurrentRatchetPublic()
	require.True(t, ok)
	require.NotEqual(t, r1, r2)

	got, ok := id.Decrypt(envelope)
	require.True(t, ok)
	require.Equal(t, []byte("under r1"), got)
}

func TestKnownDestinationsRememberRecall(t *testing.T) {
	pool := NewKnownDestinations(10)
	var dh [TruncatedHashLen]byte
	dh[0] = 1
	var pk [PublicKeySize]byte
	pk[0] = 9
	var ph [32]byte

	require.NoError(t, pool.Remember(dh, ph, pk, []byte("app"), 100, nil))
	entry, ok := pool.Recall(dh)
	require.True(t, ok)
	require.Equal(t, []byte("app"), entry.AppData)
	require.Equal(t, float64(100), entry.Timestamp)
}

func TestKnownDestinationsRejectsKeyChange(t *testing.T) {
	pool := NewKnownDestinations(10)
	var dh [TruncatedHashLen]byte
	dh[0] = 1
	var pk1, pk2 [PublicKeySize]byte
	pk1[0], pk2[0] = 1, 2
	var ph [32]byte

	require.NoError(t, pool.Remember(dh, ph, pk1, nil, 1, nil))
	err := pool.Remember(dh, ph, pk2, nil, 2, nil)
	require.ErrorIs(t, err, ErrIdentityMismatch)
}

func TestKnownDestinationsCullsUnderPressure(t *testing.T) {
	pool := NewKnownDestinations(10)
	for i := 0; i < 10; i++ {
		var dh [TruncatedHashLen]byte
		dh[0] = byte(i)
		var pk [PublicKeySize]byte
		var ph [32]byte
		require.NoError(t, pool.Remember(dh, ph, pk, nil, float64(i), nil))
	}
	require.LessOrEqual(t, pool.Len(), 8)

	var oldest [TruncatedHashLen]byte
	oldest[0] = 0
	_, ok := pool.Recall(oldest)
	require.False(t, ok)
}

func TestKnownDestinationsSaveLoadRoundTrip(t *testing.T) {
	pool := NewKnownDestinations(10)
	var dh [TruncatedHashLen]byte
	dh[0] = 5
	var pk [PublicKeySize]byte
	pk[1] = 7
	var ph [32]byte
	ph[2] = 3
	require.NoError(t, pool.Remember(dh, ph, pk, []byte("data"), 42, nil))

	var buf bytes.Buffer
	require.NoError(t, pool.SaveTo(&buf))

	loaded, err := LoadKnownDestinations(&buf, 10)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Len())

	entry, ok := loaded.Recall(dh)
	require.True(t, ok)
	require.Equal(t, ph, entry.PacketHash)
	require.Equal(t, pk, entry.PublicKey)
	require.Equal(t, []byte("data"), entry.AppData)
	require.Equal(t, float64(42), entry.Timestamp)
}

func TestKnownDestinationsSaveLoadRoundTripWithRatchet(t *testing.T) {
	pool := NewKnownDestinations(10)
	var dh [TruncatedHashLen]byte
	dh[0] = 6
	var pk [PublicKeySize]byte
	var ph [32]byte
	var ratchetPub [exchange.KeySize]byte
	ratchetPub[0] = 0xAB
	require.NoError(t, pool.Remember(dh, ph, pk, nil, 1, &ratchetPub))

	var buf bytes.Buffer
	require.NoError(t, pool.SaveTo(&buf))

	loaded, err := LoadKnownDestinations(&buf, 10)
	require.NoError(t, err)

	entry, ok := loaded.Recall(dh)
	require.True(t, ok)
	require.NotNil(t, entry.RatchetPub)
	require.Equal(t, ratchetPub, *entry.RatchetPub)
}

func TestLoadKnownDestinationsRejectsBadMagic(t *testing.T) {
	_, err := LoadKnownDestinations(bytes.NewReader([]byte("XXXX")), 10)
	require.Error(t, err)
}
