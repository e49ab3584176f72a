package rns

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResourceRoundTripAllPartsArrive(t *testing.T) {
	data := make([]byte, 10_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	now := time.Now()
	sender, adv, err := NewOutgoingResource(data, now)
	require.NoError(t, err)
	require.Equal(t, uint32(len(data)), adv.TotalSize)

	receiver, err := AcceptIncoming(adv, maxResourceAccept, now)
	require.NoError(t, err)

	for i := uint32(0); i < adv.TotalParts; i++ {
		part := sender.parts[i]
		require.NoError(t, receiver.AcceptPart(i, part, now))
	}

	require.True(t, receiver.Complete())
	assembled, err := receiver.Assemble()
	require.NoError(t, err)
	require.Equal(t, data, assembled)
}

func TestResourceRejectsPartWithWrongHash(t *testing.T) {
	data := []byte("some payload that spans at least one part")
	now := time.Now()
	_, adv, err := NewOutgoingResource(data, now)
	require.NoError(t, err)

	receiver, err := AcceptIncoming(adv, maxResourceAccept, now)
	require.NoError(t, err)

	err = receiver.AcceptPart(0, []byte("wrong bytes entirely"), now)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestResourceWithLossRetransmitsMissingUntilComplete(t *testing.T) {
	data := make([]byte, 10_000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	now := time.Now()
	sender, adv, err := NewOutgoingResource(data, now)
	require.NoError(t, err)
	require.Greater(t, adv.TotalParts, uint32(1))

	receiver, err := AcceptIncoming(adv, maxResourceAccept, now)
	require.NoError(t, err)

	remaining := map[uint32]bool{}
	for i := uint32(0); i < adv.TotalParts; i++ {
		remaining[i] = true
	}

	for round := 0; round < 10 && len(remaining) > 0; round++ {
		for i := range remaining {
			// simulate ~30% loss deterministically by (index+round) mod 10.
			if (int(i)+round)%10 < 3 {
				continue
			}
			require.NoError(t, receiver.AcceptPart(i, sender.parts[i], now))
			delete(remaining, i)
		}
	}

	require.Empty(t, remaining)
	require.True(t, receiver.Complete())
	assembled, err := receiver.Assemble()
	require.NoError(t, err)
	require.Equal(t, data, assembled)
}

func TestResourceRejectsOversizedTransfer(t *testing.T) {
	adv := &ResourceAdvertisement{TotalSize: 1_000_000, TotalParts: 1}
	_, err := AcceptIncoming(adv, 1024, time.Now())
	require.ErrorIs(t, err, ErrResourceTooBig)
}

func TestResourceTimesOutWithNoProgress(t *testing.T) {
	now := time.Now()
	data := []byte("payload")
	_, adv, err := NewOutgoingResource(data, now)
	require.NoError(t, err)
	receiver, err := AcceptIncoming(adv, maxResourceAccept, now)
	require.NoError(t, err)

	require.False(t, receiver.TimedOut(now.Add(time.Second)))
	require.True(t, receiver.TimedOut(now.Add(DefaultResourceTimeout+time.Second)))
}

func TestResourceCancelReleasesParts(t *testing.T) {
	now := time.Now()
	_, adv, err := NewOutgoingResource([]byte("abc"), now)
	require.NoError(t, err)
	receiver, err := AcceptIncoming(adv, maxResourceAccept, now)
	require.NoError(t, err)

	receiver.Cancel()
	require.True(t, receiver.Cancelled())
}

func TestResourceAdvertisementEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now()
	_, adv, err := NewOutgoingResource([]byte("round trip me please"), now)
	require.NoError(t, err)

	raw := adv.EncodeAdvertisement()
	decoded, err := DecodeAdvertisement(raw)
	require.NoError(t, err)
	require.Equal(t, adv.ResourceHash, decoded.ResourceHash)
	require.Equal(t, adv.TotalParts, decoded.TotalParts)
	require.Equal(t, adv.Hashmap, decoded.Hashmap)
}

func TestResourceWindowGrowsAndShrinks(t *testing.T) {
	now := time.Now()
	_, adv, err := NewOutgoingResource([]byte("x"), now)
	require.NoError(t, err)
	r, err := AcceptIncoming(adv, maxResourceAccept, now)
	require.NoError(t, err)

	start := r.Window()
	r.GrowWindow()
	require.Greater(t, r.Window(), start)
	r.ShrinkWindow()
	r.ShrinkWindow()
	require.Less(t, r.Window(), start+1)
}
