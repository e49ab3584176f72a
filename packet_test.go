package rns

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacketEncodeDecodeHeader1(t *testing.T) {
	p := &Packet{
		HeaderType:  Header1,
		Propagation: PropagationBroadcast,
		DestType:    DestSingle,
		PacketType:  PacketData,
		Hops:        3,
		Context:     7,
		Payload:     []byte("payload"),
	}
	p.DestHash[0] = 0xAB

	raw := p.Encode()
	got, err := DecodePacket(raw)
	require.NoError(t, err)
	require.Equal(t, p.HeaderType, got.HeaderType)
	require.Equal(t, p.Propagation, got.Propagation)
	require.Equal(t, p.DestType, got.DestType)
	require.Equal(t, p.PacketType, got.PacketType)
	require.Equal(t, p.Hops, got.Hops)
	require.Equal(t, p.Context, got.Context)
	require.Equal(t, p.DestHash, got.DestHash)
	require.Equal(t, p.Payload, got.Payload)
}

func TestPacketEncodeDecodeHeader2WithTransportID(t *testing.T) {
	p := &Packet{
		HeaderType:  Header2,
		Propagation: PropagationTransport,
		DestType:    DestLink,
		PacketType:  PacketProof,
		Hops:        1,
		Context:     0,
		Payload:     []byte{1, 2, 3},
	}
	p.TransportID[0] = 0xCD
	p.DestHash[1] = 0xEF

	raw := p.Encode()
	got, err := DecodePacket(raw)
	require.NoError(t, err)
	require.Equal(t, Header2, got.HeaderType)
	require.Equal(t, p.TransportID, got.TransportID)
	require.Equal(t, p.DestHash, got.DestHash)
}

func TestPacketHashStableAcrossHopIncrement(t *testing.T) {
	p := &Packet{
		HeaderType: Header1,
		DestType:   DestSingle,
		PacketType: PacketData,
		Hops:       0,
		Payload:    []byte("x"),
	}
	before := p.Hash()
	p.Hops = 5
	after := p.Hash()
	require.Equal(t, before, after)
}

func TestPacketHashChangesWithPayload(t *testing.T) {
	p1 := &Packet{HeaderType: Header1, Payload: []byte("a")}
	p2 := &Packet{HeaderType: Header1, Payload: []byte("b")}
	require.NotEqual(t, p1.Hash(), p2.Hash())
}

func TestDecodePacketRejectsShortHeader(t *testing.T) {
	_, err := DecodePacket([]byte{0x00})
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecodePacketRejectsShortHeader2(t *testing.T) {
	raw := []byte{byte(1 << 6), 0, 1, 2, 3}
	_, err := DecodePacket(raw)
	require.ErrorIs(t, err, ErrMalformedPacket)
}

func TestDecodePacketAcceptsExactlyMTU(t *testing.T) {
	p := &Packet{
		HeaderType: Header1,
		DestType:   DestSingle,
		PacketType: PacketData,
		Payload:    make([]byte, MTU-fixedHeaderLen),
	}
	raw := p.Encode()
	require.Len(t, raw, MTU)

	_, err := DecodePacket(raw)
	require.NoError(t, err)
}

func TestDecodePacketRejectsOverMTU(t *testing.T) {
	p := &Packet{
		HeaderType: Header1,
		DestType:   DestSingle,
		PacketType: PacketData,
		Payload:    make([]byte, MTU-fixedHeaderLen+1),
	}
	raw := p.Encode()
	require.Len(t, raw, MTU+1)

	_, err := DecodePacket(raw)
	require.ErrorIs(t, err, ErrMTUExceeded)
}

func TestSendRejectsOverMTUPacket(t *testing.T) {
	transport := newTestTransport(t)
	pkt := &Packet{
		HeaderType: Header1,
		DestType:   DestSingle,
		PacketType: PacketData,
		Payload:    make([]byte, MTU),
	}
	err := transport.Send(pkt, time.Now())
	require.ErrorIs(t, err, ErrMTUExceeded)
}

func TestHeaderByteBitLayout(t *testing.T) {
	p := &Packet{
		InterfaceFlag: true,
		HeaderType:    Header2,
		ContextFlag:   true,
		Propagation:   PropagationTransport,
		DestType:      DestGroup,
		PacketType:    PacketLinkRequest,
	}
	b := p.headerByte()
	require.Equal(t, byte(1<<7), b&(1<<7))
	require.Equal(t, byte(1<<6), b&(1<<6))
	require.Equal(t, byte(1<<5), b&(1<<5))
	require.Equal(t, byte(1<<4), b&(1<<4))
	require.Equal(t, byte(DestGroup), (b>>2)&0x3)
	require.Equal(t, byte(PacketLinkRequest), b&0x3)
}
