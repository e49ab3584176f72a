package rns

import "context"

// Interface is the capability the core consumes to move raw frames over a
// physical or virtual link (BLE, LoRa, UDP, TCP, ...). Implementations live
// outside the core; see adapter/ for reference TCP and KCP-over-UDP versions.
type Interface interface {
	Name() string
	Online() bool
	Bitrate() uint32
	MTU() uint32

	// Send enqueues a frame for transmission. It must not block past its own
	// internal timeout; a full outbound queue returns ErrBusy.
	Send(ctx context.Context, frame Bytes) error

	// SetOnReceive registers the callback invoked for every inbound frame.
	// The callback must not call back into Transport synchronously — it
	// should enqueue onto a bounded channel that a single reader task drains
	// (spec §5).
	SetOnReceive(fn func(frame Bytes, iface Interface))

	// SetOnLinkChange registers the callback invoked when the interface's
	// online state changes.
	SetOnLinkChange(fn func(online bool, iface Interface))
}

// OS is the small capability the core consumes for monotonic time and
// optional persistence. It is implemented externally; see adapter/boltfs
// for a reference blob-backed implementation.
type OS interface {
	// TimeSeconds returns a monotonic clock reading in seconds.
	TimeSeconds() float64

	// OpenFile opens a named blob for read or write. Implementations that do
	// not support persistence may return ErrNotFound for every call; callers
	// must treat that as "no persistence available", not a fatal error.
	OpenFile(path string, write bool) (Blob, error)
}

// Blob is a minimal file-like handle used only by the known-destinations
// persistence mirror (spec §4.2, §6).
type Blob interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}
