package rns

import "sync"

// pool is a tiered byte-slice pool: a small number of fixed-size tiers, each
// backed by a sync.Pool, so that the common MTU-sized allocations (§4.1) are
// served from a warm pool instead of the heap. A tier never runs out (its
// sync.Pool allocates when empty), so occupancy is not bounded; only a
// request larger than the largest tier falls back to a plain heap
// allocation, which is counted in fallbacks.
type pool struct {
	tiers []tier

	mu        sync.Mutex
	fallbacks uint64
}

type tier struct {
	size int
	sp   *sync.Pool
}

// defaultTierSizes covers small protocol fields up through an MTU-sized
// packet payload (spec §6 MTU=500) plus headroom for padding.
var defaultTierSizes = []int{32, 128, 512, 2048}

func newPool() *pool {
	p := &pool{}
	for _, size := range defaultTierSizes {
		size := size
		p.tiers = append(p.tiers, tier{
			size: size,
			sp: &sync.Pool{
				New: func() any {
					b := make([]byte, size)
					return &b
				},
			},
		})
	}
	return p
}

// get returns a buffer with capacity >= n and length n. Its backing storage
// comes from the smallest tier that fits n or, when n is larger than every
// tier, a heap fallback (counted).
func (p *pool) get(n int) []byte {
	for _, t := range p.tiers {
		if n <= t.size {
			bp := t.sp.Get().(*[]byte)
			buf := (*bp)[:n]
			return buf
		}
	}
	p.mu.Lock()
	p.fallbacks++
	p.mu.Unlock()
	return make([]byte, n)
}

// put returns a buffer to its tier, if it matches one exactly by capacity.
// Buffers that came from the heap fallback are simply dropped.
func (p *pool) put(b []byte) {
	c := cap(b)
	for _, t := range p.tiers {
		if c == t.size {
			full := b[:c]
			t.sp.Put(&full)
			return
		}
	}
}

// FallbackCount returns how many allocations bypassed every pool tier.
func (p *pool) FallbackCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallbacks
}

// globalPool backs every Bytes value unless a caller constructs one from a
// caller-owned slice (NewBytes).
var globalPool = newPool()
