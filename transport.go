package rns

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/torlando-tech/reticulum-go/internal/ratelimit"
)

const (
	seenRingSize           = 512
	defaultHopLimit        = 128
	defaultPathTimeout     = 10 * time.Second
	announceRetransmitBase = 20 * time.Millisecond
)

// seenRing is a fixed-size ring of recently observed packet hashes, used
// for loop suppression (spec §4.5.1: "drop if packet_hash matches a
// recent-seen ... ring").
type seenRing struct {
	mu    sync.Mutex
	slots [seenRingSize][32]byte
	set   map[[32]byte]struct{}
	next  int
}

func newSeenRing() *seenRing {
	return &seenRing{set: make(map[[32]byte]struct{}, seenRingSize)}
}

// Seen reports whether hash was already observed, and records it if not.
func (r *seenRing) Seen(hash [32]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.set[hash]; ok {
		return true
	}
	evicted := r.slots[r.next]
	if evicted != ([32]byte{}) {
		delete(r.set, evicted)
	}
	r.slots[r.next] = hash
	r.set[hash] = struct{}{}
	r.next = (r.next + 1) % seenRingSize
	return false
}

// queuedFrame is one outbound packet waiting on an interface's FIFO.
type queuedFrame struct {
	iface string
	raw   []byte
}

// Transport is the routing engine: it classifies inbound packets, tracks
// the path table, forwards, rate-limits, and dispatches announces (spec
// §3 "Transport", §4.5). It holds only a weak index of Destinations and
// Links by hash (spec §9: "Transport only a weak index of Destinations").
type Transport struct {
	mu sync.RWMutex

	interfaces map[string]Interface
	localDests map[[16]byte]*Destination
	links      map[[16]byte]*Link

	known *KnownDestinations
	paths *PathTable
	seen  *seenRing

	destLimiter  *ratelimit.Keyed
	ifaceLimiter *ratelimit.Keyed

	hopLimit uint8

	outboundMu sync.Mutex
	outbound   map[string][]queuedFrame
	rrOrder    []string
	rrCursor   int
}

// TransportOption configures a tunable of a Transport at construction time,
// mirroring the teacher's functional-option constructors (storage.go's
// StorageOption).
type TransportOption func(*Transport)

// WithHopLimit overrides the default max-hops a forwarded packet may carry
// before being dropped (spec §4.5.1).
func WithHopLimit(limit uint8) TransportOption {
	return func(t *Transport) { t.hopLimit = limit }
}

// WithDestinationRateLimit overrides the per-destination token bucket used
// to drop floods targeting a single hash (spec §4.5.1, §7).
func WithDestinationRateLimit(rate, burst int) TransportOption {
	return func(t *Transport) { t.destLimiter = ratelimit.NewKeyed(float64(rate), burst) }
}

// WithInterfaceRateLimit overrides the per-interface token bucket used to
// shed an overloaded Interface's inbound traffic (spec §4.5.1, §7).
func WithInterfaceRateLimit(rate, burst int) TransportOption {
	return func(t *Transport) { t.ifaceLimiter = ratelimit.NewKeyed(float64(rate), burst) }
}

const (
	defaultDestRate, defaultDestBurst   = 20, 40
	defaultIfaceRate, defaultIfaceBurst = 200, 400
)

// NewTransport wires a routing engine around a known-destinations pool and
// path table (both otherwise standalone, per spec §5 ownership rules).
func NewTransport(known *KnownDestinations, paths *PathTable, opts ...TransportOption) *Transport {
	t := &Transport{
		interfaces:   make(map[string]Interface),
		localDests:   make(map[[16]byte]*Destination),
		links:        make(map[[16]byte]*Link),
		known:        known,
		paths:        paths,
		seen:         newSeenRing(),
		destLimiter:  ratelimit.NewKeyed(defaultDestRate, defaultDestBurst),
		ifaceLimiter: ratelimit.NewKeyed(defaultIfaceRate, defaultIfaceBurst),
		hopLimit:     defaultHopLimit,
		outbound:     make(map[string][]queuedFrame),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RegisterInterface adds an Interface the Transport may forward across.
func (t *Transport) RegisterInterface(iface Interface) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name := iface.Name()
	t.interfaces[name] = iface
	t.outboundMu.Lock()
	if _, ok := t.outbound[name]; !ok {
		t.outbound[name] = nil
		t.rrOrder = append(t.rrOrder, name)
	}
	t.outboundMu.Unlock()
}

// RegisterDestination makes a local Destination reachable for inbound
// delivery (spec §3: "registered with Transport on creation").
func (t *Transport) RegisterDestination(d *Destination) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDests[d.Hash] = d
}

// DeregisterDestination removes a local Destination (spec §3: "deregistered
// explicitly").
func (t *Transport) DeregisterDestination(hash [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.localDests, hash)
}

// RegisterLink weakly tracks an active Link by its link_id for routing
// inbound frames addressed to it (spec §3: "weakly tracked by Transport").
func (t *Transport) RegisterLink(l *Link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.links[l.LinkID] = l
}

// DeregisterLink drops a closed Link from the weak index.
func (t *Transport) DeregisterLink(linkID [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.links, linkID)
}

// HandleInbound classifies a raw frame received on an interface: decode,
// loop-suppress, rate-limit, then deliver locally, forward, or process as
// an announce (spec §4.5.1).
func (t *Transport) HandleInbound(raw []byte, receivingInterface string, now time.Time) error {
	if !t.ifaceLimiter.Allow(receivingInterface) {
		slog.Warn("transport: interface rate-limited, dropping inbound frame", slog.String("interface", receivingInterface))
		return nil
	}

	pkt, err := DecodePacket(raw)
	if err != nil {
		slog.Debug("transport: dropping malformed inbound frame", slog.String("interface", receivingInterface), slog.Any("err", err))
		return err
	}

	hash := pkt.Hash()
	if t.seen.Seen(hash) {
		return nil
	}

	if !t.destLimiter.Allow(string(pkt.DestHash[:])) {
		slog.Warn("transport: destination rate-limited, dropping inbound frame", slog.String("dest_hash", fmt.Sprintf("%x", pkt.DestHash)))
		return nil
	}

	switch pkt.Context {
	case ContextPathRequest:
		return t.processPathRequest(pkt, receivingInterface, now)
	case ContextPathResponse:
		return t.processPathResponse(pkt, receivingInterface, now)
	}

	if pkt.PacketType == PacketAnnounce {
		return t.processAnnounce(pkt, receivingInterface, now)
	}

	t.mu.RLock()
	local, isLocal := t.localDests[pkt.DestHash]
	t.mu.RUnlock()
	if isLocal {
		return t.deliverLocal(local, pkt)
	}

	return t.forward(pkt, receivingInterface, now)
}

func (t *Transport) deliverLocal(dest *Destination, pkt *Packet) error {
	switch pkt.PacketType {
	case PacketLinkRequest:
		return nil // handed to the application owning dest, not Transport
	case PacketProof, PacketData:
		t.mu.RLock()
		link, ok := t.links[pkt.DestHash]
		t.mu.RUnlock()
		if ok {
			_, err := link.Open(pkt.Context, pkt.Payload)
			return err
		}
		return nil
	default:
		return nil
	}
}

// processAnnounce verifies and records an announce, then schedules
// rebroadcast on other interfaces (spec §4.5.2).
func (t *Transport) processAnnounce(pkt *Packet, receivingInterface string, now time.Time) error {
	a, err := DecodeAnnounce(pkt.Payload)
	if err != nil {
		return err
	}

	if _, err := VerifyAnnounce(pkt.DestHash, a); err != nil {
		return err
	}

	if err := t.known.Remember(pkt.DestHash, pkt.Hash(), a.PublicKeys, a.AppData, float64(now.Unix()), a.RatchetPub); err != nil {
		return err
	}

	t.mu.RLock()
	for _, link := range t.links {
		if link.PeerDest != nil && link.PeerDest.Hash == pkt.DestHash && a.RatchetPub != nil {
			link.RememberPeerRatchet(*a.RatchetPub, now)
		}
	}
	t.mu.RUnlock()

	entry := &PathEntry{
		DestHash:           pkt.DestHash,
		NextHop:            pkt.TransportID,
		ReceivingInterface: receivingInterface,
		Hops:               pkt.Hops,
		Timestamp:          now,
		Expires:            now.Add(PathExpires),
		PacketHash:         pkt.Hash(),
		AnnouncePayload:    pkt.Payload,
	}
	t.paths.Offer(entry)

	if pkt.Hops >= t.hopLimit {
		return nil
	}
	t.scheduleRebroadcast(pkt, receivingInterface)
	return nil
}

// scheduleRebroadcast re-enqueues an announce, with its hop count
// incremented, on every interface other than the one it arrived on. The
// frames are queued at once: no backoff is applied here, and
// Scheduler.Tick drains them on its next tick without waiting for
// RebroadcastDelay.
func (t *Transport) scheduleRebroadcast(pkt *Packet, receivedOn string) {
	forward := *pkt
	forward.Hops++

	t.mu.RLock()
	names := make([]string, 0, len(t.interfaces))
	for name := range t.interfaces {
		if name != receivedOn {
			names = append(names, name)
		}
	}
	t.mu.RUnlock()

	raw := forward.Encode()
	for _, name := range names {
		t.enqueue(name, raw)
	}
}

// RebroadcastDelay returns the randomized, hop-proportional delay a caller
// should wait before draining a rebroadcast announce (spec §4.5.2:
// "randomized backoff proportional to hops").
func RebroadcastDelay(hops uint8) time.Duration {
	base := time.Duration(hops) * announceRetransmitBase
	jitter := time.Duration(rand.Int63n(int64(announceRetransmitBase) + 1))
	return base + jitter
}

// forward routes a non-local packet toward its destination via the path
// table, or floods it if it arrived as a broadcast with no known path
// (spec §4.5.4).
func (t *Transport) forward(pkt *Packet, receivedOn string, now time.Time) error {
	entry, ok := t.paths.Lookup(pkt.DestHash, now)
	if !ok {
		if pkt.Propagation == PropagationBroadcast {
			return t.flood(pkt, receivedOn)
		}
		if t.paths.RequestPath(pkt.DestHash, now, defaultPathTimeout) {
			slog.Debug("transport: no known path, issuing path request", slog.String("dest_hash", fmt.Sprintf("%x", pkt.DestHash)))
			return t.issuePathRequest(pkt.DestHash, receivedOn)
		}
		return nil
	}
	if pkt.Hops >= t.hopLimit {
		return nil
	}

	next := *pkt
	next.HeaderType = Header2
	next.TransportID = entry.NextHop
	next.Hops++

	t.enqueue(entry.ReceivingInterface, next.Encode())
	return nil
}

// flood forwards a broadcast packet to every interface but the one it was
// received on, subject to the hop cap (spec §4.5.4).
func (t *Transport) flood(pkt *Packet, receivedOn string) error {
	if pkt.Hops >= t.hopLimit {
		return nil
	}
	next := *pkt
	next.Hops++
	raw := next.Encode()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for name := range t.interfaces {
		if name == receivedOn {
			continue
		}
		t.enqueue(name, raw)
	}
	return nil
}

// RequestPath asks the network for a path to destHash, flooding a
// PATH_REQUEST unless one is already outstanding (spec §4.5.3). It returns
// false if a request for this destination is already pending.
func (t *Transport) RequestPath(destHash [16]byte, now time.Time) bool {
	if !t.paths.RequestPath(destHash, now, defaultPathTimeout) {
		return false
	}
	_ = t.issuePathRequest(destHash, "")
	return true
}

// issuePathRequest floods a PATH_REQUEST packet querying destHash, excluding
// the interface it may have arrived from when forwarded on behalf of
// another node (spec §4.5.3).
func (t *Transport) issuePathRequest(destHash [16]byte, excludeInterface string) error {
	pkt := &Packet{
		HeaderType:  Header1,
		Propagation: PropagationBroadcast,
		DestType:    DestSingle,
		PacketType:  PacketData,
		Context:     ContextPathRequest,
		DestHash:    destHash,
	}
	return t.flood(pkt, excludeInterface)
}

// processPathRequest answers a PATH_REQUEST directly if the queried
// destination is already known, re-flooding otherwise (spec §4.5.3).
func (t *Transport) processPathRequest(pkt *Packet, receivedOn string, now time.Time) error {
	if entry, ok := t.paths.Lookup(pkt.DestHash, now); ok && len(entry.AnnouncePayload) > 0 {
		resp := &Packet{
			HeaderType:  Header1,
			Propagation: PropagationBroadcast,
			DestType:    pkt.DestType,
			PacketType:  PacketData,
			Context:     ContextPathResponse,
			DestHash:    pkt.DestHash,
			Payload:     encodePathResponsePayload(entry.Hops, entry.AnnouncePayload),
		}
		slog.Debug("transport: answering path request from known path", slog.String("dest_hash", fmt.Sprintf("%x", pkt.DestHash)))
		return t.flood(resp, "")
	}
	if pkt.Hops >= t.hopLimit {
		return nil
	}
	return t.flood(pkt, receivedOn)
}

// processPathResponse verifies and records the announce a PATH_RESPONSE
// carries, consuming any pending request for it, then continues flooding
// the response toward the original requester (spec §4.5.3).
func (t *Transport) processPathResponse(pkt *Packet, receivedOn string, now time.Time) error {
	hops, announcePayload, err := decodePathResponsePayload(pkt.Payload)
	if err != nil {
		return err
	}
	a, err := DecodeAnnounce(announcePayload)
	if err != nil {
		return err
	}
	if _, err := VerifyAnnounce(pkt.DestHash, a); err != nil {
		return err
	}

	entry := &PathEntry{
		DestHash:           pkt.DestHash,
		ReceivingInterface: receivedOn,
		Hops:               hops,
		Timestamp:          now,
		Expires:            now.Add(PathExpires),
		PacketHash:         pkt.Hash(),
		AnnouncePayload:    announcePayload,
	}
	t.paths.Offer(entry)
	slog.Debug("transport: consumed path response", slog.String("dest_hash", fmt.Sprintf("%x", pkt.DestHash)))

	if pkt.Hops < t.hopLimit {
		return t.flood(pkt, receivedOn)
	}
	return nil
}

const maxInterfaceQueueDepth = 256

// Send enqueues a locally originated packet, returning ErrBusy rather than
// dropping it if the destination interface's queue is full (spec §5:
// "the core never silently drops application-originated packets").
func (t *Transport) Send(pkt *Packet, now time.Time) error {
	if err := CheckMTU(pkt.Encode()); err != nil {
		slog.Warn("transport: rejecting outbound packet over MTU", slog.String("dest_hash", fmt.Sprintf("%x", pkt.DestHash)))
		return err
	}
	entry, ok := t.paths.Lookup(pkt.DestHash, now)
	if !ok {
		t.mu.RLock()
		n := len(t.interfaces)
		t.mu.RUnlock()
		if n == 0 {
			return ErrNotFound
		}
		return t.flood(pkt, "")
	}
	return t.enqueueBounded(entry.ReceivingInterface, pkt.Encode())
}

func (t *Transport) enqueue(iface string, raw []byte) {
	t.outboundMu.Lock()
	defer t.outboundMu.Unlock()
	t.outbound[iface] = append(t.outbound[iface], queuedFrame{iface: iface, raw: raw})
}

func (t *Transport) enqueueBounded(iface string, raw []byte) error {
	t.outboundMu.Lock()
	defer t.outboundMu.Unlock()
	if len(t.outbound[iface]) >= maxInterfaceQueueDepth {
		return ErrBusy
	}
	t.outbound[iface] = append(t.outbound[iface], queuedFrame{iface: iface, raw: raw})
	return nil
}

// DrainOutbound dispatches up to max frames to their Interfaces, FIFO per
// interface and round-robin across interfaces (spec §4.5.6).
func (t *Transport) DrainOutbound(ctx context.Context, max int) (int, error) {
	t.mu.RLock()
	ifaces := t.interfaces
	t.mu.RUnlock()

	t.outboundMu.Lock()
	order := append([]string(nil), t.rrOrder...)
	cursor := t.rrCursor
	t.outboundMu.Unlock()
	if len(order) == 0 {
		return 0, nil
	}

	sent := 0
	for sent < max {
		progressed := false
		for i := 0; i < len(order); i++ {
			name := order[(cursor+i)%len(order)]
			t.outboundMu.Lock()
			q := t.outbound[name]
			if len(q) == 0 {
				t.outboundMu.Unlock()
				continue
			}
			frame := q[0]
			t.outbound[name] = q[1:]
			t.outboundMu.Unlock()

			iface, ok := ifaces[name]
			if !ok {
				continue
			}
			if err := iface.Send(ctx, NewBytes(frame.raw)); err != nil {
				return sent, fmt.Errorf("sending on %s: %w", name, err)
			}
			sent++
			progressed = true
			if sent >= max {
				break
			}
		}
		if !progressed {
			break
		}
	}

	if len(order) > 0 {
		t.outboundMu.Lock()
		t.rrCursor = (cursor + 1) % len(order)
		t.outboundMu.Unlock()
	}
	return sent, nil
}

// Cull runs the Transport's periodic housekeeping: path table expiry and
// pending PATH_REQUEST timeouts (spec §4.8: "Transport periodic jobs (path
// cull, rate-bucket refill)").
func (t *Transport) Cull(now time.Time) {
	t.paths.Cull(now)
	t.paths.ExpirePendingRequests(now)
}
