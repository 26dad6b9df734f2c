package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Reserved pool names.
const (
	PoolNameNone  = "none"
	PoolNameWorld = "world"
)

// ErrInvalidPool is returned for malformed pool descriptions.
var ErrInvalidPool = errors.New("invalid steal pool")

type poolKind uint8

const (
	poolNone poolKind = iota
	poolWorld
	poolNamed
)

// StealPool scopes stealing between nodes. The zero value is the "none" pool.
type StealPool struct {
	kind  poolKind
	names []string
}

var (
	// NoPool participates in no pool-scoped stealing.
	NoPool = StealPool{kind: poolNone}
	// WorldPool overlaps every pool except NoPool.
	WorldPool = StealPool{kind: poolWorld}
)

// NewStealPool returns the pool made of the given names.
// No names gives NoPool; a "world" name gives WorldPool.
func NewStealPool(names ...string) StealPool {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		switch n {
		case "", PoolNameNone:
			continue
		case PoolNameWorld:
			return WorldPool
		}
		set[n] = struct{}{}
	}
	if len(set) == 0 {
		return NoPool
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return StealPool{kind: poolNamed, names: out}
}

// ParseStealPool parses "none", "world" or a comma separated list of names.
func ParseStealPool(s string) (StealPool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return StealPool{}, fmt.Errorf("%w: empty", ErrInvalidPool)
	}
	var names []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return StealPool{}, fmt.Errorf("%w: empty name in %q", ErrInvalidPool, s)
		}
		if strings.ContainsAny(part, " \t") {
			return StealPool{}, fmt.Errorf("%w: name %q contains whitespace", ErrInvalidPool, part)
		}
		names = append(names, part)
	}
	if len(names) > 1 {
		for _, n := range names {
			if n == PoolNameNone || n == PoolNameWorld {
				return StealPool{}, fmt.Errorf("%w: %q cannot be combined with other names", ErrInvalidPool, n)
			}
		}
	}
	return NewStealPool(names...), nil
}

// MergePools returns the union of pools.
func MergePools(pools ...StealPool) StealPool {
	var names []string
	for _, p := range pools {
		switch p.kind {
		case poolWorld:
			return WorldPool
		case poolNamed:
			names = append(names, p.names...)
		}
	}
	return NewStealPool(names...)
}

// IsNone reports whether p is the none pool.
func (p StealPool) IsNone() bool { return p.kind == poolNone }

// IsWorld reports whether p is the world pool.
func (p StealPool) IsWorld() bool { return p.kind == poolWorld }

// Names returns the pool names of a named pool.
func (p StealPool) Names() []string {
	return append([]string(nil), p.names...)
}

// Overlaps reports whether nodes in p and q may steal from each other.
func (p StealPool) Overlaps(q StealPool) bool {
	if p.kind == poolNone || q.kind == poolNone {
		return false
	}
	if p.kind == poolWorld || q.kind == poolWorld {
		return true
	}
	i, j := 0, 0
	for i < len(p.names) && j < len(q.names) {
		switch {
		case p.names[i] == q.names[j]:
			return true
		case p.names[i] < q.names[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// Equal reports whether p and q describe the same pool.
func (p StealPool) Equal(q StealPool) bool {
	if p.kind != q.kind || len(p.names) != len(q.names) {
		return false
	}
	for i := range p.names {
		if p.names[i] != q.names[i] {
			return false
		}
	}
	return true
}

func (p StealPool) String() string {
	switch p.kind {
	case poolWorld:
		return PoolNameWorld
	case poolNamed:
		return strings.Join(p.names, ",")
	default:
		return PoolNameNone
	}
}
