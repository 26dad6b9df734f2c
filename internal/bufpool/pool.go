// Package bufpool provides a scoped pool of reusable byte buffers.
//
// A Pool is an ordinary value owned by whoever creates it and handed to the
// components that need buffers. Sizes that are prefilled keep exact-size free
// lists that refill themselves when they run low; every other size is served by
// a power-of-two backed pool.
package bufpool

import (
	"sync"

	bpool "github.com/libp2p/go-buffer-pool"
)

// Stats counts pool traffic.
type Stats struct {
	Gets    int64
	Puts    int64
	Misses  int64
	Refills int64
}

type sizedList struct {
	target int
	free   [][]byte
}

// Pool hands out byte slices. The zero value is not usable; call New.
type Pool struct {
	backing bpool.BufferPool

	mu    sync.Mutex
	sized map[int]*sizedList
	stats Stats
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{sized: make(map[int]*sizedList)}
}

// Prefill allocates count buffers of exactly size bytes. Later Gets of that
// size are served from the list, which is topped up by count/2 buffers once it
// drops below count/3.
func (p *Pool) Prefill(size, count int) {
	if size <= 0 || count <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.sized[size]
	if !ok {
		l = &sizedList{}
		p.sized[size] = l
	}
	l.target += count
	for i := 0; i < count; i++ {
		l.free = append(l.free, make([]byte, size))
	}
}

// Get returns a buffer of length size. When clear is set the contents are zeroed.
func (p *Pool) Get(size int, clear bool) []byte {
	p.mu.Lock()
	p.stats.Gets++
	if l, ok := p.sized[size]; ok {
		if len(l.free) < l.target/3 {
			refill := l.target / 2
			if refill == 0 {
				refill = 1
			}
			for i := 0; i < refill; i++ {
				l.free = append(l.free, make([]byte, size))
			}
			p.stats.Refills++
		}
		n := len(l.free)
		buf := l.free[n-1]
		l.free[n-1] = nil
		l.free = l.free[:n-1]
		p.mu.Unlock()
		if clear {
			clearBytes(buf)
		}
		return buf
	}
	p.stats.Misses++
	p.mu.Unlock()

	buf := p.backing.Get(size)
	if clear {
		clearBytes(buf)
	}
	return buf
}

// Put returns a buffer obtained from Get. Buffers must not be used afterwards.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	p.mu.Lock()
	p.stats.Puts++
	if l, ok := p.sized[len(buf)]; ok && len(l.free) < l.target {
		l.free = append(l.free, buf)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	p.backing.Put(buf)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Free returns the number of idle prefilled buffers of the given size.
func (p *Pool) Free(size int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.sized[size]; ok {
		return len(l.free)
	}
	return 0
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
