package rns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const msgTypeGreeting uint16 = 0x0001

func TestEncodeDecodeMessage(t *testing.T) {
	raw := encodeMessage(msgTypeGreeting, []byte("hi"))
	msgType, body, err := decodeMessage(raw)
	require.NoError(t, err)
	require.Equal(t, msgTypeGreeting, msgType)
	require.Equal(t, []byte("hi"), body)
}

func TestDecodeMessageRejectsShort(t *testing.T) {
	_, _, err := decodeMessage([]byte{0x01})
	require.ErrorIs(t, err, ErrMalformedMessage)
}

func TestChannelSendQueuesEnvelope(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	ch := NewChannel(initiator, 4)
	require.NoError(t, ch.Register(msgTypeGreeting, nil, func(ch *Channel, msgType uint16, msg any) (bool, error) {
		return true, nil
	}))

	frame, err := ch.Send(0x00, msgTypeGreeting, []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, frame)
	require.Equal(t, 1, ch.Pending())
}

func TestChannelSendBusyWhenRingFull(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	ch := NewChannel(initiator, 1)
	_, err := ch.Send(0x00, msgTypeGreeting, []byte("a"))
	require.NoError(t, err)
	_, err = ch.Send(0x00, msgTypeGreeting, []byte("b"))
	require.ErrorIs(t, err, ErrBusy)
}

func TestChannelReceiveDispatchesRegisteredHandler(t *testing.T) {
	initiator, responder := setupLinkPair(t)
	sendCh := NewChannel(initiator, 4)
	recvCh := NewChannel(responder, 4)

	var received []byte
	require.NoError(t, recvCh.Register(msgTypeGreeting, nil, func(ch *Channel, msgType uint16, msg any) (bool, error) {
		received = msg.([]byte)
		return true, nil
	}))

	frame, err := sendCh.Send(0x00, msgTypeGreeting, []byte("hello"))
	require.NoError(t, err)

	plaintext, err := responder.Open(0x00, frame)
	require.NoError(t, err)
	require.NoError(t, recvCh.Receive(plaintext))
	require.Equal(t, []byte("hello"), received)
}

func TestChannelReceiveUnregisteredMsgType(t *testing.T) {
	_, responder := setupLinkPair(t)
	recvCh := NewChannel(responder, 4)

	err := recvCh.Receive(encodeMessage(0x9999, []byte("x")))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChannelAckRemovesEnvelope(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	ch := NewChannel(initiator, 4)
	_, err := ch.Send(0x00, msgTypeGreeting, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, 1, ch.Pending())

	ch.Ack(1)
	require.Equal(t, 0, ch.Pending())
}

func TestChannelUpdateRTTAdjustsWindow(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	ch := NewChannel(initiator, 64)

	ch.UpdateRTT(10 * time.Millisecond)
	require.Equal(t, 64, ch.Window())

	ch.UpdateRTT(2 * time.Second)
	require.Equal(t, 1, ch.Window())
}

func TestChannelRetryDueResendsAndExpires(t *testing.T) {
	initiator, _ := setupLinkPair(t)
	ch := NewChannel(initiator, 4)
	_, err := ch.Send(0x00, msgTypeGreeting, []byte("a"))
	require.NoError(t, err)

	now := time.Now()
	frames, err := ch.RetryDue(now.Add(time.Second), 0x00)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	// drive past maxRetries so the envelope is dropped as failed.
	for i := 0; i < maxRetries; i++ {
		now = now.Add(time.Hour)
		_, err = ch.RetryDue(now, 0x00)
		require.NoError(t, err)
	}
	require.Equal(t, 0, ch.Pending())
}
