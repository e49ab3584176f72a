package ratchet_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torlando-tech/reticulum-go/pkg/ratchet"
)

func TestNewRingSeedsOneKey(t *testing.T) {
	r, err := ratchet.NewRing(time.Hour, time.Minute, 4)
	require.NoError(t, err)
	require.NotNil(t, r.Current())
	require.Len(t, r.Candidates(), 1)
}

func TestRotateIfDue(t *testing.T) {
	r, err := ratchet.NewRing(time.Minute, time.Minute, 4)
	require.NoError(t, err)
	first := r.Current().Public

	rotated, err := r.RotateIfDue(time.Now())
	require.NoError(t, err)
	require.False(t, rotated)
	require.Equal(t, first, r.Current().Public)

	rotated, err = r.RotateIfDue(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotEqual(t, first, r.Current().Public)
}

func TestForceRotateKeepsPreviousWithinGrace(t *testing.T) {
	r, err := ratchet.NewRing(time.Hour, time.Minute, 4)
	require.NoError(t, err)
	first := r.Current().Public

	require.NoError(t, r.Force())
	candidates := r.Candidates()
	require.Len(t, candidates, 2)
	require.Equal(t, first, candidates[1].Public)
}

func TestRemoteEntryRememberTracksPrevious(t *testing.T) {
	var e ratchet.RemoteEntry
	now := time.Now()

	var pub1 [32]byte
	pub1[0] = 1
	e.Remember(pub1, now)
	require.Equal(t, pub1, e.Public)
	require.Nil(t, e.Previous)

	var pub2 [32]byte
	pub2[0] = 2
	e.Remember(pub2, now.Add(time.Second))
	require.Equal(t, pub2, e.Public)
	require.NotNil(t, e.Previous)
	require.Equal(t, pub1, *e.Previous)
}

func TestRemoteEntryAcceptablePublicExpiresPrevious(t *testing.T) {
	var e ratchet.RemoteEntry
	now := time.Now()

	var pub1, pub2 [32]byte
	pub1[0], pub2[0] = 1, 2
	e.Remember(pub1, now)
	e.Remember(pub2, now.Add(time.Second))

	within := e.AcceptablePublic(now.Add(2*time.Second), 10*time.Second)
	require.Contains(t, within, pub1)
	require.Contains(t, within, pub2)

	after := e.AcceptablePublic(now.Add(time.Hour), 10*time.Second)
	require.NotContains(t, after, pub1)
	require.Contains(t, after, pub2)
}
