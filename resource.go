package rns

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// ResourcePartSize bounds each part so that a sealed part still fits in one
// MTU-sized Header1 packet: packet header (19), sequence (8), Token IV (16),
// up to one block of padding (16), Token HMAC (32) and outer frame HMAC (32)
// leave 377 bytes of part data.
const ResourcePartSize = MTU - fixedHeaderLen - 8 - 16 - 16 - 32 - 32

const (
	compressionThreshold = 128
	DefaultResourceWindow = 4
	maxResourceWindow     = 32
	DefaultResourceTimeout = 30 * time.Second
)

// resourceFlags bits (spec §4.7: "flags").
const (
	resourceFlagCompressed byte = 1 << 0
)

// ResourceAdvertisement is the initiator's opening message, hand-rolled
// per the project's fixed-width wire convention rather than msgpack
// (msgpack/protobuf are not used anywhere in this codebase; see DESIGN.md).
type ResourceAdvertisement struct {
	TransferSize uint32
	TotalSize    uint32
	TotalParts   uint32
	ResourceHash [32]byte
	RandomHash   [10]byte
	Flags        byte
	Hashmap      [][32]byte
}

// EncodeAdvertisement serializes the advertisement: transfer_size(u32 BE) |
// total_size(u32 BE) | total_parts(u32 BE) | resource_hash(32) |
// random_hash(10) | flags(1) | hashmap(32*total_parts) (spec §4.7).
func (a *ResourceAdvertisement) EncodeAdvertisement() []byte {
	buf := make([]byte, 4+4+4+32+10+1+32*len(a.Hashmap))
	binary.BigEndian.PutUint32(buf[0:4], a.TransferSize)
	binary.BigEndian.PutUint32(buf[4:8], a.TotalSize)
	binary.BigEndian.PutUint32(buf[8:12], a.TotalParts)
	copy(buf[12:44], a.ResourceHash[:])
	copy(buf[44:54], a.RandomHash[:])
	buf[54] = a.Flags
	for i, h := range a.Hashmap {
		copy(buf[55+i*32:55+(i+1)*32], h[:])
	}
	return buf
}

// DecodeAdvertisement parses an encoded advertisement.
func DecodeAdvertisement(raw []byte) (*ResourceAdvertisement, error) {
	const fixed = 4 + 4 + 4 + 32 + 10 + 1
	if len(raw) < fixed {
		return nil, fmt.Errorf("%w: short resource advertisement", ErrMalformedMessage)
	}
	a := &ResourceAdvertisement{
		TransferSize: binary.BigEndian.Uint32(raw[0:4]),
		TotalSize:    binary.BigEndian.Uint32(raw[4:8]),
		TotalParts:   binary.BigEndian.Uint32(raw[8:12]),
		Flags:        raw[54],
	}
	copy(a.ResourceHash[:], raw[12:44])
	copy(a.RandomHash[:], raw[44:54])

	rest := raw[fixed:]
	if uint64(len(rest)) != uint64(a.TotalParts)*32 {
		return nil, fmt.Errorf("%w: hashmap length mismatch", ErrMalformedMessage)
	}
	a.Hashmap = make([][32]byte, a.TotalParts)
	for i := range a.Hashmap {
		copy(a.Hashmap[i][:], rest[i*32:(i+1)*32])
	}
	return a, nil
}

// resourceRole distinguishes the sending and receiving side of a transfer.
type resourceRole int

const (
	roleInitiator resourceRole = iota
	roleResponder
)

// Resource is a single chunked bulk transfer owned by a Link (spec §3,
// §4.7). It tracks per-part hashes, a received-part bitmap, an adaptive
// window, and a timeout budget; the governing Link seals/opens the wire
// bytes, Resource only manages chunking and bookkeeping.
type Resource struct {
	mu sync.Mutex

	role         resourceRole
	resourceHash [32]byte
	totalSize    uint32
	totalParts   uint32
	compressed   bool
	hashmap      [][32]byte

	parts    map[uint32][]byte
	received map[uint32]bool

	window       int
	lastActivity time.Time
	timeout      time.Duration
	cancelled    bool
}

// NewOutgoingResource chunks data into parts (spec §4.7). Data above the
// compression threshold is offered to tryCompress, which always declines,
// so parts carry the uncompressed data.
func NewOutgoingResource(data []byte, now time.Time) (*Resource, *ResourceAdvertisement, error) {
	payload := data
	flags := byte(0)
	if len(data) > compressionThreshold {
		if compressed, ok := tryCompress(data); ok {
			payload = compressed
			flags |= resourceFlagCompressed
		}
	}

	totalParts := (len(payload) + ResourcePartSize - 1) / ResourcePartSize
	if totalParts == 0 {
		totalParts = 1
	}
	hashmap := make([][32]byte, totalParts)
	parts := make(map[uint32][]byte, totalParts)
	for i := 0; i < totalParts; i++ {
		start := i * ResourcePartSize
		end := start + ResourcePartSize
		if end > len(payload) {
			end = len(payload)
		}
		part := payload[start:end]
		parts[uint32(i)] = part
		hashmap[i] = H(part)
	}

	randomHash, err := newRandomHash()
	if err != nil {
		return nil, nil, err
	}

	r := &Resource{
		role:         roleInitiator,
		resourceHash: H(data),
		totalSize:    uint32(len(data)),
		totalParts:   uint32(totalParts),
		compressed:   flags&resourceFlagCompressed != 0,
		hashmap:      hashmap,
		parts:        parts,
		received:     make(map[uint32]bool, totalParts),
		window:       DefaultResourceWindow,
		lastActivity: now,
		timeout:      DefaultResourceTimeout,
	}

	adv := &ResourceAdvertisement{
		TransferSize: uint32(len(payload)),
		TotalSize:    r.totalSize,
		TotalParts:   r.totalParts,
		ResourceHash: r.resourceHash,
		RandomHash:   randomHash,
		Flags:        flags,
		Hashmap:      hashmap,
	}
	return r, adv, nil
}

func tryCompress(data []byte) ([]byte, bool) {
	// bzip2 exposes only a reader in the standard library; with no stdlib
	// writer, this always declines and returns data unchanged. Incoming
	// compressed payloads are still handled by maybeDecompress; see
	// DESIGN.md.
	return data, false
}

func maybeDecompress(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	r := bzip2.NewReader(bytes.NewReader(payload))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("%w: bzip2 decompress: %v", ErrMalformedMessage, err)
	}
	return out.Bytes(), nil
}

// AcceptIncoming pre-allocates receiver-side bookkeeping for an advertised
// transfer, rejecting it with ErrResourceTooBig if it would exceed the
// accepting pool's budget (spec §4.7: "if accepting exceeds pool, respond
// with cancel").
func AcceptIncoming(adv *ResourceAdvertisement, maxAccept uint32, now time.Time) (*Resource, error) {
	if adv.TotalSize > maxAccept {
		return nil, ErrResourceTooBig
	}
	return &Resource{
		role:         roleResponder,
		resourceHash: adv.ResourceHash,
		totalSize:    adv.TotalSize,
		totalParts:   adv.TotalParts,
		compressed:   adv.Flags&resourceFlagCompressed != 0,
		hashmap:      adv.Hashmap,
		parts:        make(map[uint32][]byte, adv.TotalParts),
		received:     make(map[uint32]bool, adv.TotalParts),
		window:       DefaultResourceWindow,
		lastActivity: now,
		timeout:      DefaultResourceTimeout,
	}, nil
}

// AcceptPart validates part against the advertised hashmap entry and
// stores it if valid (spec invariant: "a part is accepted only if its
// hash matches the advertised hashmap entry").
func (r *Resource) AcceptPart(index uint32, data []byte, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if index >= r.totalParts {
		return fmt.Errorf("%w: part index out of range", ErrMalformedMessage)
	}
	if H(data) != r.hashmap[index] {
		return ErrInvalidCiphertext
	}
	r.parts[index] = data
	r.received[index] = true
	r.lastActivity = now
	return nil
}

// MissingBitmap reports the parts not yet received, for the receiver to
// request in its next window (spec §4.7: "requests next window via a
// bitmap").
func (r *Resource) MissingBitmap() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var missing []uint32
	for i := uint32(0); i < r.totalParts; i++ {
		if !r.received[i] {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every part has arrived.
func (r *Resource) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uint32(len(r.received)) == r.totalParts
}

// Assemble concatenates received parts in order, decompresses if needed,
// and verifies the assembled blob against resource_hash (spec invariant:
// "the assembled blob's hash matches resource_hash").
func (r *Resource) Assemble() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if uint32(len(r.received)) != r.totalParts {
		return nil, fmt.Errorf("%w: resource incomplete", ErrInvalidState)
	}
	var buf bytes.Buffer
	for i := uint32(0); i < r.totalParts; i++ {
		buf.Write(r.parts[i])
	}

	data, err := maybeDecompress(buf.Bytes(), r.compressed)
	if err != nil {
		return nil, err
	}
	if H(data) != r.resourceHash {
		return nil, ErrInvalidCiphertext
	}
	return data, nil
}

// PartsInWindow returns the data of the first parts listed in requested, up
// to the current window size, for the sender to (re)transmit next.
func (r *Resource) PartsInWindow(requested []uint32) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := r.window
	if limit > len(requested) {
		limit = len(requested)
	}
	out := make([][]byte, 0, limit)
	for _, idx := range requested[:limit] {
		if part, ok := r.parts[idx]; ok {
			out = append(out, part)
		}
	}
	return out
}

// GrowWindow and ShrinkWindow adapt the retransmission window to loss
// (spec §4.7: "window (adaptive)").
func (r *Resource) GrowWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.window < maxResourceWindow {
		r.window++
	}
}

func (r *Resource) ShrinkWindow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window /= 2
	if r.window < 1 {
		r.window = 1
	}
}

// Window reports the current adaptive window size.
func (r *Resource) Window() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.window
}

// TimedOut reports whether the resource has made no progress within its
// timeout budget (spec §4.7: "RESOURCE_TIMEOUT").
func (r *Resource) TimedOut(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.lastActivity) > r.timeout
}

// Cancel releases all held parts and marks the resource cancelled.
func (r *Resource) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = true
	r.parts = nil
	r.received = nil
}

// Cancelled reports whether Cancel has been called.
func (r *Resource) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
