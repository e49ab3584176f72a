package rns

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultTick is the coarse cooperative-loop interval (spec §4.8: "ticks
// at a fixed coarse interval (~5-10 ms)").
const DefaultTick = 8 * time.Millisecond

const (
	defaultOutboundBatchPerTick = 64
	maxResourceAccept           = 1 << 20
)

// Job is one unit of periodic work the Scheduler drives every Tick (spec
// §4.8: "per-Link job()", "per-Resource job()"). linkJob and resourceJob are
// its two concrete implementations; Tick services both uniformly through
// this interface rather than two hand-duplicated loops.
type Job interface {
	// run executes one tick's worth of work against the given Scheduler and
	// reports whether the job is finished and should stop being tracked.
	run(s *Scheduler, now time.Time) (done bool)
}

// linkJob binds a Link to the Channel(s) multiplexed over it, so the
// scheduler can drive keepalive/timeout/ratchet ticks and retry due
// envelopes in one pass per Link (spec §4.8: "per-Link job()").
type linkJob struct {
	link     *Link
	channels []*Channel
}

// resourceJob tracks one in-flight Resource transfer for window/retry
// advancement (spec §4.8: "per-Resource job()").
type resourceJob struct {
	resource *Resource
	link     *Link
	header   byte
}

// Scheduler is the single cooperative tick loop described in spec §4.8. It
// owns no state of its own beyond its job registries; Transport, Links,
// Channels, and Resources remain owned by their respective creators —
// the scheduler only invokes their periodic hooks in the spec'd order.
type Scheduler struct {
	mu sync.Mutex

	transport *Transport
	tick      time.Duration

	links     map[[16]byte]*linkJob
	resources []*resourceJob
	identities []*Identity

	outboundBatchPerTick int

	shuttingDown bool
}

// SchedulerOption configures a tunable of a Scheduler at construction time,
// mirroring the teacher's functional-option constructors (storage.go's
// StorageOption).
type SchedulerOption func(*Scheduler)

// WithOutboundBatchPerTick overrides how many frames DrainOutbound pulls per
// tick (spec §4.8).
func WithOutboundBatchPerTick(n int) SchedulerOption {
	return func(s *Scheduler) { s.outboundBatchPerTick = n }
}

// NewScheduler creates a Scheduler bound to a Transport.
func NewScheduler(transport *Transport, tick time.Duration, opts ...SchedulerOption) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Scheduler{
		transport:            transport,
		tick:                 tick,
		links:                make(map[[16]byte]*linkJob),
		outboundBatchPerTick: defaultOutboundBatchPerTick,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TrackIdentity registers a local Identity so its ratchet rotates on
// schedule (spec §4.2: "rotation is time-based"; §4.8: "per-Link job()
// (keepalive, timeout, ratchet)" — the identity owning the ratchet ticks
// alongside its links).
func (s *Scheduler) TrackIdentity(id *Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities = append(s.identities, id)
}

// TrackLink registers a Link (and any Channels multiplexed over it) for
// periodic servicing.
func (s *Scheduler) TrackLink(l *Link, channels ...*Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[l.LinkID] = &linkJob{link: l, channels: channels}
}

// UntrackLink stops servicing a closed Link.
func (s *Scheduler) UntrackLink(linkID [16]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, linkID)
}

// TrackResource registers a Resource transfer for window/retry servicing.
// header is the Link header byte used to seal retransmitted parts.
func (s *Scheduler) TrackResource(r *Resource, owner *Link, header byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = append(s.resources, &resourceJob{resource: r, link: owner, header: header})
}

// Shutdown signals the scheduler to observe ShuttingDown at the next tick
// (spec §5: "a global shutdown signal is observed at each scheduler tick").
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shuttingDown = true
}

// Tick runs one pass of the cooperative loop: interface receive drain (the
// caller's responsibility, since Interfaces are external — see §6), then
// Transport housekeeping, per-Link jobs, per-Resource jobs, and finally
// outbound drain (spec §4.8 ordering).
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	shuttingDown := s.shuttingDown
	s.mu.Unlock()
	if shuttingDown {
		slog.Debug("scheduler: shutdown observed, tick skipped")
		return ErrShuttingDown
	}

	s.transport.Cull(now)

	s.mu.Lock()
	linkJobs := make([]*linkJob, 0, len(s.links))
	for _, lj := range s.links {
		linkJobs = append(linkJobs, lj)
	}
	doneResources := make(map[*resourceJob]bool, len(s.resources))
	jobs := make([]Job, 0, len(linkJobs)+len(s.resources))
	for _, lj := range linkJobs {
		jobs = append(jobs, lj)
	}
	for _, rj := range s.resources {
		jobs = append(jobs, rj)
	}
	identities := append([]*Identity(nil), s.identities...)
	s.mu.Unlock()

	for _, id := range identities {
		rotated, err := id.TickRatchet(now)
		if err != nil || !rotated {
			continue
		}
		s.announceRatchetRotation(id, linkJobs, now)
	}

	for _, j := range jobs {
		if j.run(s, now) {
			if rj, ok := j.(*resourceJob); ok {
				doneResources[rj] = true
			}
		}
	}

	if len(doneResources) > 0 {
		s.mu.Lock()
		kept := s.resources[:0]
		for _, rj := range s.resources {
			if !doneResources[rj] {
				kept = append(kept, rj)
			}
		}
		s.resources = kept
		s.mu.Unlock()
	}

	_, err := s.transport.DrainOutbound(ctx, s.outboundBatchPerTick)
	return err
}

// sendOverLink wraps an already-sealed Link frame in a Packet addressed to
// the Link's peer destination and hands it to Transport.Send, so that
// retransmissions the scheduler drives actually reach an Interface rather
// than being produced and discarded. Packets travel DestLink/PacketData,
// matching how an established Link's post-handshake traffic is addressed
// (spec §4.4, §4.6).
func (s *Scheduler) sendOverLink(link *Link, sealed []byte, now time.Time) {
	pkt := &Packet{
		HeaderType:  Header1,
		Propagation: PropagationBroadcast,
		DestType:    DestLink,
		PacketType:  PacketData,
		DestHash:    link.LinkID,
		Payload:     sealed,
	}
	_ = s.transport.Send(pkt, now)
}

// announceRatchetRotation notifies every active link owned by id's local
// destination of its freshly rotated ratchet public key, by sending an
// inline MsgTypeRatchetUpdate notice over the link's first Channel (spec
// §4.6: "an inline ratchet-update frame"). Links with no Channel multiplexed
// over them yet are skipped; the peer recovers the new key from the next
// Announce instead.
func (s *Scheduler) announceRatchetRotation(id *Identity, linkJobs []*linkJob, now time.Time) {
	pub, ok := id.CurrentRatchetPublic()
	if !ok {
		return
	}
	for _, lj := range linkJobs {
		if lj.link.LocalDest == nil || lj.link.LocalDest.Identity != id || len(lj.channels) == 0 {
			continue
		}
		frame, err := lj.channels[0].Send(0x00, MsgTypeRatchetUpdate, pub[:])
		if err != nil {
			continue
		}
		s.sendOverLink(lj.link, frame, now)
	}
}

// run advances the Link's keepalive/stale/closed state machine, sends a
// keepalive probe if due, and resends any Channel envelopes whose backoff
// has elapsed (spec §4.8: "per-Link job()"). It implements Job.
func (lj *linkJob) run(s *Scheduler, now time.Time) bool {
	link := lj.link
	keepalive, staleTime, staleTimeout := link.Timings()
	state := link.Tick(now, keepalive, staleTime, staleTimeout)
	if state == LinkClosed {
		slog.Debug("scheduler: link closed, untracking", slog.Int("link_id", int(link.LinkID[0])), slog.Any("teardown", link.teardown))
		s.UntrackLink(link.LinkID)
		s.transport.DeregisterLink(link.LinkID)
		return true
	}

	if state == LinkActive && link.NeedsKeepalive(now, keepalive) && len(lj.channels) > 0 {
		if frame, err := lj.channels[0].Send(0x00, MsgTypeKeepalive, nil); err == nil {
			s.sendOverLink(link, frame, now)
		}
	}

	for _, ch := range lj.channels {
		frames, err := ch.RetryDue(now, 0x00)
		if err != nil {
			continue
		}
		for _, frame := range frames {
			s.sendOverLink(link, frame, now)
		}
	}
	return false
}

// run advances a Resource transfer's window and resends parts still missing
// in it, reporting true once the transfer is complete, cancelled, or timed
// out so the Scheduler can stop tracking it (spec §4.8: "per-Resource
// job()"). It implements Job.
func (rj *resourceJob) run(s *Scheduler, now time.Time) bool {
	if rj.resource.Cancelled() || rj.resource.Complete() {
		return true
	}
	if rj.resource.TimedOut(now) {
		slog.Warn("scheduler: resource transfer timed out, cancelling", slog.String("resource_hash", fmt.Sprintf("%x", rj.resource.resourceHash)))
		rj.resource.Cancel()
		return true
	}

	missing := rj.resource.MissingBitmap()
	if len(missing) > 0 {
		parts := rj.resource.PartsInWindow(missing)
		if len(parts) < len(missing) {
			rj.resource.ShrinkWindow()
		} else {
			rj.resource.GrowWindow()
		}
		for _, part := range parts {
			sealed, err := rj.link.Seal(rj.header, part)
			if err != nil {
				continue
			}
			s.sendOverLink(rj.link, sealed, now)
		}
	}
	return false
}

// Run drives Tick on its own interval until ctx is cancelled or Shutdown is
// called. Intended for production use; tests call Tick directly to keep
// control over simulated time.
func (s *Scheduler) Run(ctx context.Context, now func() time.Time) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			n := t
			if now != nil {
				n = now()
			}
			if err := s.Tick(ctx, n); err != nil {
				return err
			}
		}
	}
}
