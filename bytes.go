package rns

import "encoding/hex"

// Bytes is an owned, variable-length byte sequence (spec §4.1). Its backing
// storage may be served from the shared pool; callers never observe pool
// identity — Mid/Left/Concat always return independent values.
//
// NONE is distinguishable from an empty-but-present value: both report
// length 0, but IsNone is true only for NONE, and Equal treats NONE as equal
// only to NONE. Concat treats a NONE operand as empty.
type Bytes struct {
	data  []byte
	valid bool
}

// None is the distinguished absent value.
var None = Bytes{}

// NewBytes wraps a caller-owned slice without copying or pooling it.
func NewBytes(b []byte) Bytes {
	if b == nil {
		return Bytes{data: []byte{}, valid: true}
	}
	return Bytes{data: b, valid: true}
}

// Empty returns a zero-length, valid Bytes backed by the pool.
func Empty() Bytes {
	return Bytes{data: globalPool.get(0), valid: true}
}

// FromHex decodes a hex string into a Bytes value.
func FromHex(s string) (Bytes, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return None, err
	}
	return NewBytes(b), nil
}

// IsNone reports whether this value is the distinguished NONE sentinel.
func (b Bytes) IsNone() bool { return !b.valid }

// Len returns the byte length, or 0 for NONE.
func (b Bytes) Len() int { return len(b.data) }

// Raw exposes the underlying slice. Callers must not retain it past the
// Bytes' use if they intend to release it back to the pool via Release.
func (b Bytes) Raw() []byte { return b.data }

// Hex returns the lowercase hex encoding of the value.
func (b Bytes) Hex() string { return hex.EncodeToString(b.data) }

// Equal reports byte-exact equality. NONE is equal only to NONE.
func (b Bytes) Equal(o Bytes) bool {
	if b.valid != o.valid {
		return false
	}
	if !b.valid {
		return true
	}
	if len(b.data) != len(o.data) {
		return false
	}
	for i := range b.data {
		if b.data[i] != o.data[i] {
			return false
		}
	}
	return true
}

// Concat returns a new Bytes holding the concatenation of b and others.
// Concatenating with NONE is a no-op for that operand.
func (b Bytes) Concat(others ...Bytes) Bytes {
	total := len(b.data)
	for _, o := range others {
		total += len(o.data)
	}
	out := globalPool.get(total)
	n := copy(out, b.data)
	for _, o := range others {
		n += copy(out[n:], o.data)
	}
	return Bytes{data: out, valid: true}
}

// Mid returns the sub-range [off, off+length). A short range is truncated,
// never panics.
func (b Bytes) Mid(off, length int) Bytes {
	if off < 0 || off > len(b.data) {
		return Empty()
	}
	end := off + length
	if end > len(b.data) {
		end = len(b.data)
	}
	out := globalPool.get(end - off)
	copy(out, b.data[off:end])
	return Bytes{data: out, valid: true}
}

// Left returns the first n bytes (or fewer, if b is shorter).
func (b Bytes) Left(n int) Bytes { return b.Mid(0, n) }

// Release returns the backing storage to the shared pool. After Release the
// Bytes value must not be used.
func (b Bytes) Release() {
	if b.valid {
		globalPool.put(b.data)
	}
}
