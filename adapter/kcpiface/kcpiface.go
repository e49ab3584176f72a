// Package kcpiface provides a reference Interface implementation (spec §6)
// over plain TCP or KCP-over-UDP, selected per endpoint. It frames each
// outbound Bytes value with a 4-byte big-endian length prefix and hands
// decoded frames to the registered receive callback from a single reader
// goroutine per connection, matching the "single reader task drains" rule
// in the core's concurrency model.
package kcpiface

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/xtaci/kcp-go/v5"

	rns "github.com/torlando-tech/reticulum-go"
)

// Transport selects the underlying medium a kcpiface Interface rides on.
type Transport int

const (
	TCP Transport = iota
	KCP
)

const (
	maxFrameSize  = 64 * 1024
	lengthPrefix  = 4
	dialTimeout   = 10 * time.Second
	readDeadline  = 2 * time.Minute
	writeDeadline = 30 * time.Second
)

var (
	ErrClosed       = errors.New("kcpiface: connection closed")
	ErrFrameTooLarge = errors.New("kcpiface: frame exceeds maximum size")
)

// Iface is a reference rns.Interface backed by a single net.Conn (TCP) or
// KCP session, framed with a 4-byte length prefix (grounded on the
// teacher's Conn.Read/Write length-prefix framing).
type Iface struct {
	name    string
	conn    net.Conn
	reader  *bufio.Reader
	mtu     uint32
	bitrate uint32

	mu       sync.Mutex
	closed   bool
	online   bool
	onRecv   func(rns.Bytes, rns.Interface)
	onChange func(bool, rns.Interface)

	writeMu sync.Mutex
}

// Dial establishes an outbound connection over TCP or KCP and returns a
// ready-to-use Interface. Its receive loop starts immediately; frames that
// arrive before SetOnReceive registers a callback are dropped.
func Dial(ctx context.Context, name, addr string, transport Transport) (*Iface, error) {
	var conn net.Conn
	var err error

	switch transport {
	case TCP:
		d := net.Dialer{Timeout: dialTimeout}
		conn, err = d.DialContext(ctx, "tcp", addr)
	case KCP:
		conn, err = kcp.DialWithOptions(addr, nil, 10, 3)
	default:
		return nil, fmt.Errorf("kcpiface: unknown transport %d", transport)
	}
	if err != nil {
		return nil, fmt.Errorf("kcpiface: dial %s: %w", addr, err)
	}

	return newIface(name, conn), nil
}

// Listener accepts inbound connections and wraps each as an Iface, handed
// to onAccept (grounded on the teacher's Server.Serve accept loop).
type Listener struct {
	ln       net.Listener
	onAccept func(*Iface)
}

// Listen starts a TCP or KCP listener.
func Listen(addr string, transport Transport, onAccept func(*Iface)) (*Listener, error) {
	var ln net.Listener
	var err error

	switch transport {
	case TCP:
		ln, err = net.Listen("tcp", addr)
	case KCP:
		ln, err = kcp.ListenWithOptions(addr, nil, 10, 3)
	default:
		return nil, fmt.Errorf("kcpiface: unknown transport %d", transport)
	}
	if err != nil {
		return nil, fmt.Errorf("kcpiface: listen %s: %w", addr, err)
	}

	l := &Listener{ln: ln, onAccept: onAccept}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			slog.Warn("kcpiface: accept failed", slog.Any("err", err))
			return
		}
		iface := newIface(conn.RemoteAddr().String(), conn)
		l.onAccept(iface)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

func newIface(name string, conn net.Conn) *Iface {
	i := &Iface{
		name:    name,
		conn:    conn,
		reader:  bufio.NewReader(conn),
		mtu:     rns.MTU,
		bitrate: 1_000_000,
		online:  true,
	}
	go i.readLoop()
	return i
}

func (i *Iface) Name() string    { return i.name }
func (i *Iface) Online() bool    { i.mu.Lock(); defer i.mu.Unlock(); return i.online }
func (i *Iface) Bitrate() uint32 { return i.bitrate }
func (i *Iface) MTU() uint32     { return i.mtu }

func (i *Iface) SetOnReceive(fn func(rns.Bytes, rns.Interface)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onRecv = fn
}

func (i *Iface) SetOnLinkChange(fn func(bool, rns.Interface)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.onChange = fn
}

// Send frames and writes a frame, honoring ctx's deadline if set.
func (i *Iface) Send(ctx context.Context, frame rns.Bytes) error {
	raw := frame.Raw()
	if len(raw) > maxFrameSize {
		return ErrFrameTooLarge
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	if i.isClosed() {
		return ErrClosed
	}

	deadline := time.Now().Add(writeDeadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := i.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("kcpiface: set write deadline: %w", err)
	}

	var header [lengthPrefix]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(raw)))
	if _, err := i.conn.Write(header[:]); err != nil {
		return fmt.Errorf("kcpiface: write length: %w", err)
	}
	if _, err := i.conn.Write(raw); err != nil {
		return fmt.Errorf("kcpiface: write frame: %w", err)
	}
	return nil
}

func (i *Iface) readLoop() {
	for {
		if err := i.conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
			i.fail()
			return
		}

		var header [lengthPrefix]byte
		if _, err := io.ReadFull(i.reader, header[:]); err != nil {
			i.fail()
			return
		}
		n := binary.BigEndian.Uint32(header[:])
		if n > maxFrameSize {
			i.fail()
			return
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(i.reader, buf); err != nil {
			i.fail()
			return
		}

		i.mu.Lock()
		cb := i.onRecv
		i.mu.Unlock()
		if cb != nil {
			cb(rns.NewBytes(buf), i)
		}
	}
}

func (i *Iface) fail() {
	i.mu.Lock()
	wasOnline := i.online
	i.online = false
	cb := i.onChange
	i.mu.Unlock()

	_ = i.conn.Close()
	if wasOnline && cb != nil {
		cb(false, i)
	}
}

func (i *Iface) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Close shuts down the underlying connection.
func (i *Iface) Close() error {
	i.mu.Lock()
	i.closed = true
	i.online = false
	i.mu.Unlock()
	return i.conn.Close()
}
