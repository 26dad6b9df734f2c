package ident

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// ConstellationID names one scheduling engine. The high 32 bits hold the node
// rank, the low 32 bits a per-node allocation counter.
type ConstellationID uint64

// NewConstellationID composes an identifier from a node rank and a local number.
func NewConstellationID(node, local uint32) ConstellationID {
	return ConstellationID(uint64(node)<<32 | uint64(local))
}

// Node returns the rank of the node that owns the engine.
func (c ConstellationID) Node() uint32 {
	return uint32(uint64(c) >> 32)
}

// Local returns the per-node part of the identifier.
func (c ConstellationID) Local() uint32 {
	return uint32(uint64(c))
}

func (c ConstellationID) String() string {
	return fmt.Sprintf("CID:%x:%x", c.Node(), c.Local())
}

// Allocator hands out ConstellationIDs for one node.
// Local numbers start at 1 so the zero ConstellationID is never issued.
type Allocator struct {
	node uint32
	next atomic.Uint32
}

// NewAllocator creates an allocator for the node with the given rank.
func NewAllocator(node uint32) *Allocator {
	return &Allocator{node: node}
}

// Node returns the rank this allocator issues identifiers for.
func (a *Allocator) Node() uint32 {
	return a.node
}

// Next returns a ConstellationID that was never returned before by a.
func (a *Allocator) Next() ConstellationID {
	return NewConstellationID(a.node, a.next.Add(1))
}

// Key is the identity part of an ActivityID. Use it as a map key.
type Key struct {
	Origin ConstellationID
	Seq    int64
}

// ActivityID identifies one activity for the lifetime of a run.
//
// ExpectsEvents is metadata: two identifiers with the same origin and sequence
// are the same identifier. Compare with Equal, never with ==.
type ActivityID struct {
	Origin        ConstellationID
	Seq           int64
	ExpectsEvents bool
}

// Key returns the structural identity of a.
func (a ActivityID) Key() Key {
	return Key{Origin: a.Origin, Seq: a.Seq}
}

// Equal reports whether a and b name the same activity.
func (a ActivityID) Equal(b ActivityID) bool {
	return a.Origin == b.Origin && a.Seq == b.Seq
}

// IsZero reports whether a is the zero identifier.
func (a ActivityID) IsZero() bool {
	return a.Origin == 0 && a.Seq == 0
}

// Node returns the rank of the node that minted a.
func (a ActivityID) Node() uint32 {
	return a.Origin.Node()
}

func (a ActivityID) String() string {
	return fmt.Sprintf("AID: %x:%x:%x", a.Origin.Node(), a.Origin.Local(), a.Seq)
}

func (k Key) String() string {
	return ActivityID{Origin: k.Origin, Seq: k.Seq}.String()
}

// ParseActivityID parses the text form produced by ActivityID.String.
// The result never expects events; that flag is not part of the text form.
func ParseActivityID(s string) (ActivityID, error) {
	rest, ok := strings.CutPrefix(s, "AID: ")
	if !ok {
		return ActivityID{}, fmt.Errorf("parse activity id %q: missing prefix", s)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return ActivityID{}, fmt.Errorf("parse activity id %q: want 3 fields, got %d", s, len(parts))
	}
	node, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return ActivityID{}, fmt.Errorf("parse activity id %q: node: %w", s, err)
	}
	local, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return ActivityID{}, fmt.Errorf("parse activity id %q: local: %w", s, err)
	}
	seq, err := strconv.ParseInt(parts[2], 16, 64)
	if err != nil {
		return ActivityID{}, fmt.Errorf("parse activity id %q: seq: %w", s, err)
	}
	return ActivityID{
		Origin: NewConstellationID(uint32(node), uint32(local)),
		Seq:    seq,
	}, nil
}

// Minter mints ActivityIDs for one engine.
type Minter struct {
	origin ConstellationID
	clock  *Clock
}

// NewMinter creates a minter for the engine with the given identifier.
func NewMinter(origin ConstellationID) *Minter {
	return &Minter{origin: origin, clock: NewClock()}
}

// Origin returns the engine identifier stamped on every minted ActivityID.
func (m *Minter) Origin() ConstellationID {
	return m.origin
}

// Next mints a fresh identifier.
func (m *Minter) Next(expectsEvents bool) ActivityID {
	return ActivityID{Origin: m.origin, Seq: m.clock.Next(), ExpectsEvents: expectsEvents}
}
