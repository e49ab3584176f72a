package rns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setupLinkPair(t *testing.T) (*Link, *Link) {
	t.Helper()
	initID, err := GenerateIdentity()
	require.NoError(t, err)
	respID, err := GenerateIdentity()
	require.NoError(t, err)

	initDest, err := NewDestination(DestSingle, DirectionOut, initID, "mesh", []string{"a"})
	require.NoError(t, err)
	respDest, err := NewDestination(DestSingle, DirectionIn, respID, "mesh", []string{"b"})
	require.NoError(t, err)
	respDest.SetAcceptLinkRequests(true)

	// the initiator's view of the responder, and vice versa, only ever
	// hold the public half in practice; reusing the full Identity here is
	// equivalent since Validate/Sign only touch the halves they have.
	initiator, err := NewInitiatorLink(initDest, respDest)
	require.NoError(t, err)
	reqPayload, err := initiator.BuildLinkRequest(nil)
	require.NoError(t, err)
	require.Equal(t, LinkHandshake, initiator.State())

	reqPacket := &Packet{HeaderType: Header1, PacketType: PacketLinkRequest, Payload: reqPayload}
	reqHash := reqPacket.Hash()

	staticShared, err := initIDRespIDShared(initID, respID)
	require.NoError(t, err)

	responder, proof, err := RespondToLinkRequest(respDest, initDest, reqPayload, reqHash, staticShared)
	require.NoError(t, err)
	require.Equal(t, LinkActive, responder.State())

	require.NoError(t, initiator.CompleteHandshake(proof, reqHash, staticShared))
	require.Equal(t, LinkActive, initiator.State())

	return initiator, responder
}

func initIDRespIDShared(a, b *Identity) ([]byte, error) {
	// static_shared = ECDH(local identity priv, peer identity pub); symmetric
	// regardless of which side computes it.
	return StaticShared(a, b)
}

func TestLinkHandshakeEstablishesMatchingIDs(t *testing.T) {
	initiator, responder := setupLinkPair(t)
	require.Equal(t, initiator.LinkID, responder.LinkID)
}

func TestLinkSealOpenRoundTrip(t *testing.T) {
	initiator, responder := setupLinkPair(t)

	plaintext := []byte("application data")
	frame, err := initiator.Seal(0x00, plaintext)
	require.NoError(t, err)

	got, err := responder.Open(0x00, frame)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestLinkOpenRejectsReplay(t *testing.T) {
	initiator, responder := setupLinkPair(t)

	frame, err := initiator.Seal(0x00, []byte("one"))
	require.NoError(t, err)
	_, err = responder.Open(0x00, frame)
	require.NoError(t, err)

	_, err = responder.Open(0x00, frame)
	require.ErrorIs(t, err, ErrReplayed)
}

func TestLinkOpenRejectsTamperedFrame(t *testing.T) {
	initiator, responder := setupLinkPair(t)

	frame, err := initiator.Seal(0x00, []byte("one"))
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0xFF

	_, err = responder.Open(0x00, frame)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
	require.Equal(t, 1, responder.AEADFailures())
}

func TestLinkTickTransitionsToStaleThenClosed(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	now := time.Now()

	state := initiator.Tick(now.Add(time.Hour), time.Second, time.Second, time.Second)
	require.Equal(t, LinkStale, state)

	state = initiator.Tick(now.Add(2*time.Hour), time.Second, time.Second, time.Second)
	require.Equal(t, LinkClosed, state)
	require.Equal(t, TeardownStaleExpired, initiator.TeardownReason())
}

func TestLinkMarkActivityRecoversFromStale(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	initiator.Tick(time.Now().Add(time.Hour), time.Second, time.Second, time.Second)
	require.Equal(t, LinkStale, initiator.State())

	initiator.MarkActivity(time.Now())
	require.Equal(t, LinkActive, initiator.State())
}

func TestLinkSealToRatchetUsesRememberedPeerKey(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	require.NoError(t, initiator.PeerDest.Identity.EnableRatchet(time.Hour, time.Minute))

	pub, ok := initiator.PeerDest.Identity.CurrentRatchetPublic()
	require.True(t, ok)

	initiator.RememberPeerRatchet(pub, time.Now())

	sealed, err := initiator.SealToRatchet(time.Now(), time.Minute, []byte("out of session"))
	require.NoError(t, err)

	got, ok := initiator.PeerDest.Identity.Decrypt(sealed)
	require.True(t, ok)
	require.Equal(t, []byte("out of session"), got)
}

func TestLinkSealToRatchetFailsWithoutRememberedKey(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	_, err := initiator.SealToRatchet(time.Now(), time.Minute, []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLinkPeerRatchetPublicReportsRememberedKey(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	require.NoError(t, initiator.PeerDest.Identity.EnableRatchet(time.Hour, time.Minute))
	pub, ok := initiator.PeerDest.Identity.CurrentRatchetPublic()
	require.True(t, ok)
	initiator.RememberPeerRatchet(pub, time.Now())

	got := initiator.PeerRatchetPublic(time.Now(), time.Minute)
	require.Contains(t, got, pub)
}

func TestReplayWindowAcceptsInOrderAndOutOfOrderWithinWindow(t *testing.T) {
	var w replayWindow
	require.True(t, w.Accept(10))
	require.True(t, w.Accept(12))
	require.True(t, w.Accept(11))
	require.False(t, w.Accept(11))
	require.False(t, w.Accept(12))
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	var w replayWindow
	require.True(t, w.Accept(1000))
	require.False(t, w.Accept(1000-replayWindowSize))
}
