// Package seen remembers keys cheaply: a bloom filter answers "maybe seen" for
// an unbounded stream and a bounded exact window confirms recent keys.
package seen

import (
	"encoding/binary"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/roach88/constellation/internal/ident"
)

// Set is safe for concurrent use.
type Set struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	exact  map[string]struct{}
	ring   []string
	next   int
}

// New creates a set sized for about n keys at false-positive rate fp, keeping
// the last window keys exactly.
func New(n uint, fp float64, window int) *Set {
	if window < 1 {
		window = 1
	}
	return &Set{
		filter: bloom.NewWithEstimates(n, fp),
		exact:  make(map[string]struct{}, window),
		ring:   make([]string, window),
	}
}

// Add records key.
func (s *Set) Add(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(key)
}

func (s *Set) add(key []byte) {
	s.filter.Add(key)
	k := string(key)
	if _, ok := s.exact[k]; ok {
		return
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.exact, old)
	}
	s.ring[s.next] = k
	s.exact[k] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
}

// MaybeContains reports whether key may have been added. False positives are
// possible, false negatives are not.
func (s *Set) MaybeContains(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.Test(key)
}

// Recent reports whether key is in the exact window.
func (s *Set) Recent(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exact[string(key)]
	return ok
}

// FirstSighting records key and reports whether it was new. A key is only
// rejected when both the bloom filter and the exact window have it.
func (s *Set) FirstSighting(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.filter.Test(key) {
		if _, ok := s.exact[string(key)]; ok {
			return false
		}
	}
	s.add(key)
	return true
}

// ActivityKey encodes an activity identity as 16 bytes.
func ActivityKey(k ident.Key) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(k.Origin))
	binary.BigEndian.PutUint64(b[8:], uint64(k.Seq))
	return b[:]
}
