package rns

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/torlando-tech/reticulum-go/pkg/exchange"
)

// MessageFactory builds an empty value for a registered message type, so
// the receive path can decode into the right Go type before dispatch.
type MessageFactory func() any

// MessageHandler processes a decoded message. Returning true consumes it
// (spec §4.7: "a handler returning true consumes the message").
type MessageHandler func(ch *Channel, msgType uint16, msg any) (bool, error)

// systemMsgTypeFloor is where system message types begin; anything below
// is reserved for application use (spec §3).
const systemMsgTypeFloor = 0xF000

const (
	// MsgTypeRatchetUpdate is a system message carrying a newly rotated
	// ratchet public key (spec §4.6: "an inline ratchet-update frame").
	MsgTypeRatchetUpdate uint16 = systemMsgTypeFloor + iota
	// MsgTypeKeepalive is the keepalive probe (spec §4.6). It is sent with
	// an empty body, so its plaintext is the two-byte msgtype alone.
	MsgTypeKeepalive
)

const (
	defaultRingDepth  = 64
	maxRetries        = 8
	baseBackoff       = 50 * time.Millisecond
	maxBackoff        = 5 * time.Second
)

// envelope is one outstanding, unacknowledged send.
type envelope struct {
	seq       uint64
	msgType   uint16
	body      []byte
	attempts  int
	nextRetry time.Time
	failed    bool
}

// Channel multiplexes typed, ordered, reliable messages over a Link (spec
// §3, §4.7). Dispatch is grounded in the same map+mutex+ordered-application
// pattern the teacher's route Router uses, keyed by msgtype instead of a
// named Route.
type Channel struct {
	link *Link

	mu        sync.Mutex
	factories map[uint16]MessageFactory
	handlers  map[uint16]MessageHandler

	sendRing    []*envelope
	ringDepth   int
	window      int
	nextSendSeq uint64
	rtt         time.Duration
}

// NewChannel creates a Channel multiplexed over an ACTIVE link.
func NewChannel(link *Link, ringDepth int) *Channel {
	if ringDepth <= 0 {
		ringDepth = defaultRingDepth
	}
	c := &Channel{
		link:      link,
		factories: make(map[uint16]MessageFactory),
		handlers:  make(map[uint16]MessageHandler),
		ringDepth: ringDepth,
		window:    1,
		rtt:       DefaultKeepalive,
	}
	c.registerSystemHandlers()
	return c
}

// registerSystemHandlers wires the two system message types every Channel
// understands without application registration (spec §4.6): a bare
// keepalive probe, and an inline ratchet-update notice carrying the peer's
// freshly rotated ratchet public key into Link.RememberPeerRatchet.
func (c *Channel) registerSystemHandlers() {
	c.factories[MsgTypeKeepalive] = nil
	c.handlers[MsgTypeKeepalive] = func(_ *Channel, _ uint16, _ any) (bool, error) {
		return true, nil
	}

	c.factories[MsgTypeRatchetUpdate] = nil
	c.handlers[MsgTypeRatchetUpdate] = func(ch *Channel, _ uint16, msg any) (bool, error) {
		body, _ := msg.([]byte)
		if len(body) != exchange.KeySize {
			slog.Warn("channel: malformed ratchet update", slog.Int("len", len(body)))
			return false, fmt.Errorf("%w: ratchet update", ErrMalformedMessage)
		}
		var pub [exchange.KeySize]byte
		copy(pub[:], body)
		ch.link.RememberPeerRatchet(pub, time.Now())
		return true, nil
	}
}

// Register associates a msgtype with a factory and handler.
func (c *Channel) Register(msgType uint16, factory MessageFactory, handler MessageHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.factories[msgType]; exists {
		return fmt.Errorf("%w: msgtype %#x already registered", ErrInvalidState, msgType)
	}
	c.factories[msgType] = factory
	c.handlers[msgType] = handler
	return nil
}

// encodeMessage builds msgtype(u16 BE) | body (spec §4.7).
func encodeMessage(msgType uint16, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out[:2], msgType)
	copy(out[2:], body)
	return out
}

func decodeMessage(raw []byte) (uint16, []byte, error) {
	if len(raw) < 2 {
		return 0, nil, fmt.Errorf("%w: short message", ErrMalformedMessage)
	}
	return binary.BigEndian.Uint16(raw[:2]), raw[2:], nil
}

// Send seals msgType|body over the Link and queues it on the send ring
// awaiting ACK. Returns ErrBusy if the ring is full (spec §5 backpressure:
// "send() returns Busy to the caller").
func (c *Channel) Send(header byte, msgType uint16, body []byte) ([]byte, error) {
	c.mu.Lock()
	if len(c.sendRing) >= c.ringDepth {
		c.mu.Unlock()
		slog.Warn("channel: send ring full, rejecting", slog.Int("msg_type", int(msgType)), slog.Int("ring_depth", c.ringDepth))
		return nil, ErrBusy
	}
	c.nextSendSeq++
	env := &envelope{seq: c.nextSendSeq, msgType: msgType, body: body, nextRetry: time.Now().Add(baseBackoff)}
	c.sendRing = append(c.sendRing, env)
	c.mu.Unlock()

	return c.link.Seal(header, encodeMessage(msgType, body))
}

// Receive decodes an opened Link frame and dispatches it to the registered
// handler for its msgtype (spec §4.7).
func (c *Channel) Receive(plaintext []byte) error {
	msgType, body, err := decodeMessage(plaintext)
	if err != nil {
		return err
	}
	c.mu.Lock()
	handler, ok := c.handlers[msgType]
	factory := c.factories[msgType]
	c.mu.Unlock()
	if !ok {
		slog.Warn("channel: no handler registered for msgtype", slog.Int("msg_type", int(msgType)))
		return fmt.Errorf("%w: no handler for msgtype %#x", ErrNotFound, msgType)
	}

	var msg any = body
	if factory != nil {
		msg = factory()
	}
	consumed, err := handler(c, msgType, msg)
	if err != nil {
		return err
	}
	if !consumed {
		return fmt.Errorf("%w: handler declined msgtype %#x", ErrMalformedMessage, msgType)
	}
	return nil
}

// Ack removes an envelope from the send ring once its delivery is
// confirmed.
func (c *Channel) Ack(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.sendRing {
		if e.seq == seq {
			c.sendRing = append(c.sendRing[:i], c.sendRing[i+1:]...)
			return
		}
	}
}

// UpdateRTT refreshes the RTT estimate and recomputes the window as
// max(1, min(RING, RTT_based_limit)) (spec §4.7).
func (c *Channel) UpdateRTT(sample time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rtt = sample
	limit := c.ringDepth
	if sample > 0 {
		limit = int(time.Second / sample)
		if limit < 1 {
			limit = 1
		}
	}
	c.window = min(c.ringDepth, limit)
	if c.window < 1 {
		c.window = 1
	}
}

// Window reports the current send window.
func (c *Channel) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// RetryDue advances exponential backoff for envelopes whose retry time has
// elapsed, returning the ones that need resending. Envelopes exceeding
// maxRetries are marked failed and dropped from the ring (spec §4.7).
func (c *Channel) RetryDue(now time.Time, header byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var frames [][]byte
	kept := c.sendRing[:0]
	for _, e := range c.sendRing {
		if now.Before(e.nextRetry) {
			kept = append(kept, e)
			continue
		}
		e.attempts++
		if e.attempts > maxRetries {
			e.failed = true
			slog.Warn("channel: envelope exceeded max retries, dropping", slog.Int("msg_type", int(e.msgType)), slog.Uint64("seq", e.seq))
			continue
		}
		frame, err := c.link.Seal(header, encodeMessage(e.msgType, e.body))
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)

		backoff := baseBackoff << e.attempts
		if backoff > maxBackoff || backoff <= 0 {
			backoff = maxBackoff
		}
		e.nextRetry = now.Add(backoff)
		kept = append(kept, e)
	}
	c.sendRing = kept
	return frames, nil
}

// Pending reports how many envelopes are awaiting ACK.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sendRing)
}
