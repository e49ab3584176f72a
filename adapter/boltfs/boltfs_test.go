package boltfs

import (
	"io"
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"

	"github.com/stretchr/testify/require"

	rns "github.com/torlando-tech/reticulum-go"
)

func TestOpenFileRoundTripsThroughEncryption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	os1, err := Open(path, []byte("identity-secret"), []byte("salt"))
	require.NoError(t, err)
	defer os1.Close()

	w, err := os1.OpenFile("known_destinations", true)
	require.NoError(t, err)
	_, err = w.Write([]byte("plaintext known-destinations pool"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := os1.OpenFile("known_destinations", false)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "plaintext known-destinations pool", string(data))
}

func TestOpenFileStoresCiphertextNotPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	o, err := Open(path, []byte("identity-secret"), []byte("salt"))
	require.NoError(t, err)
	defer o.Close()

	w, err := o.OpenFile("secret", true)
	require.NoError(t, err)
	_, err = w.Write([]byte("sensitive known-destinations payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var raw []byte
	require.NoError(t, o.db.View(func(tx *bbolt.Tx) error {
		raw = append([]byte(nil), tx.Bucket(blobBucket).Get([]byte("secret"))...)
		return nil
	}))
	require.NotContains(t, string(raw), "sensitive known-destinations payload")
}

func TestOpenFileMissingKeyReturnsNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	o, err := Open(path, []byte("identity-secret"), []byte("salt"))
	require.NoError(t, err)
	defer o.Close()

	_, err = o.OpenFile("missing", false)
	require.ErrorIs(t, err, rns.ErrNotFound)
}

func TestOpenFileWrongKeyFailsToDecrypt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs.db")
	o, err := Open(path, []byte("identity-secret"), []byte("salt"))
	require.NoError(t, err)
	w, err := o.OpenFile("blob", true)
	require.NoError(t, err)
	_, err = w.Write([]byte("data"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, o.Close())

	o2, err := Open(path, []byte("different-secret"), []byte("salt"))
	require.NoError(t, err)
	defer o2.Close()

	_, err = o2.OpenFile("blob", false)
	require.Error(t, err)
}
