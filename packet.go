package rns

import (
	"crypto/sha256"
	"fmt"
)

// HeaderType distinguishes a direct packet from one carrying an explicit
// next-hop transport_id (spec §4.4, §6).
type HeaderType uint8

const (
	Header1 HeaderType = iota // no transport_id
	Header2                   // transport_id present, next-hop routed
)

// Propagation is the BROADCAST/TRANSPORT bit of the header byte.
type Propagation uint8

const (
	PropagationBroadcast Propagation = iota
	PropagationTransport
)

// DestinationType is the 2-bit destination-type field.
type DestinationType uint8

const (
	DestSingle DestinationType = iota
	DestGroup
	DestPlain
	DestLink
)

// PacketType is the 2-bit packet-type field.
type PacketType uint8

const (
	PacketData PacketType = iota
	PacketAnnounce
	PacketLinkRequest
	PacketProof
)

// MTU is the default maximum transmission unit (spec §6).
const MTU = 500

// Context values repurpose the existing one-byte Context field to carry
// PATH_REQUEST/PATH_RESPONSE discovery traffic as ordinary PacketData
// packets (spec §4.5.3), since the 2-bit PacketType field has no spare
// value left for a dedicated wire type.
const (
	ContextNone uint8 = iota
	ContextPathRequest
	ContextPathResponse
)

// fixedHeaderLen is header(1) + hops(1) + destination_hash(16) + context(1),
// the shortest possible Header1 packet before payload.
const fixedHeaderLen = 1 + 1 + TruncatedHashLen + 1

// Packet is the on-wire unit Transport and Link exchange (spec §3, §4.4).
type Packet struct {
	InterfaceFlag bool
	HeaderType    HeaderType
	ContextFlag   bool
	Propagation   Propagation
	DestType      DestinationType
	PacketType    PacketType

	Hops          uint8
	TransportID   [TruncatedHashLen]byte // only meaningful if HeaderType==Header2
	DestHash      [TruncatedHashLen]byte
	Context       uint8
	Payload       []byte
}

func (p *Packet) headerByte() byte {
	var b byte
	if p.InterfaceFlag {
		b |= 1 << 7
	}
	if p.HeaderType == Header2 {
		b |= 1 << 6
	}
	if p.ContextFlag {
		b |= 1 << 5
	}
	if p.Propagation == PropagationTransport {
		b |= 1 << 4
	}
	b |= byte(p.DestType&0x3) << 2
	b |= byte(p.PacketType & 0x3)
	return b
}

func parseHeaderByte(b byte) (interfaceFlag, contextFlag bool, headerType HeaderType, propagation Propagation, destType DestinationType, packetType PacketType) {
	interfaceFlag = b&(1<<7) != 0
	if b&(1<<6) != 0 {
		headerType = Header2
	} else {
		headerType = Header1
	}
	contextFlag = b&(1<<5) != 0
	if b&(1<<4) != 0 {
		propagation = PropagationTransport
	} else {
		propagation = PropagationBroadcast
	}
	destType = DestinationType((b >> 2) & 0x3)
	packetType = PacketType(b & 0x3)
	return
}

// Encode serializes the packet to its wire form: header | hops |
// [transport_id if HEADER_2] | destination_hash | context | payload (spec
// §4.4).
func (p *Packet) Encode() []byte {
	size := fixedHeaderLen + len(p.Payload)
	if p.HeaderType == Header2 {
		size += TruncatedHashLen
	}
	out := make([]byte, 0, size)
	out = append(out, p.headerByte())
	out = append(out, p.Hops)
	if p.HeaderType == Header2 {
		out = append(out, p.TransportID[:]...)
	}
	out = append(out, p.DestHash[:]...)
	out = append(out, p.Context)
	out = append(out, p.Payload...)
	return out
}

// CheckMTU rejects a raw wire frame exceeding MTU (spec §6, §8: "packet
// exactly at MTU accepted; MTU+1 refused").
func CheckMTU(raw []byte) error {
	if len(raw) > MTU {
		return ErrMTUExceeded
	}
	return nil
}

// DecodePacket parses a Packet from its wire form. It fails with
// ErrMalformedPacket when any fixed-size field is short (spec §4.4).
func DecodePacket(raw []byte) (*Packet, error) {
	if err := CheckMTU(raw); err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: short header", ErrMalformedPacket)
	}
	interfaceFlag, contextFlag, headerType, propagation, destType, packetType := parseHeaderByte(raw[0])
	p := &Packet{
		InterfaceFlag: interfaceFlag,
		HeaderType:    headerType,
		ContextFlag:   contextFlag,
		Propagation:   propagation,
		DestType:      destType,
		PacketType:    packetType,
		Hops:          raw[1],
	}
	off := 2
	if headerType == Header2 {
		if len(raw) < off+TruncatedHashLen {
			return nil, fmt.Errorf("%w: short transport_id", ErrMalformedPacket)
		}
		copy(p.TransportID[:], raw[off:off+TruncatedHashLen])
		off += TruncatedHashLen
	}
	if len(raw) < off+TruncatedHashLen+1 {
		return nil, fmt.Errorf("%w: short destination_hash/context", ErrMalformedPacket)
	}
	copy(p.DestHash[:], raw[off:off+TruncatedHashLen])
	off += TruncatedHashLen
	p.Context = raw[off]
	off++
	p.Payload = append([]byte(nil), raw[off:]...)
	return p, nil
}

// Hash computes packet_hash: H(raw_bytes_with_hops_zeroed), stable across
// forwarding since hops is the only field a relay mutates in place (spec
// §3, §4.4).
func (p *Packet) Hash() [sha256.Size]byte {
	clone := *p
	clone.Hops = 0
	raw := clone.Encode()
	return H(raw)
}

// TruncatedHash is the first TruncatedHashLen bytes of Hash, for callers
// that need a 16-byte packet_hash. link_id is not derived from it:
// LinkIDFromRequestHash hashes the full 32-byte Hash again.
func (p *Packet) TruncatedHash() [TruncatedHashLen]byte {
	full := p.Hash()
	var out [TruncatedHashLen]byte
	copy(out[:], full[:])
	return out
}
