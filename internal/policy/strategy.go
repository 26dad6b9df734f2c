package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidStrategy is returned for unknown strategy names.
var ErrInvalidStrategy = errors.New("invalid steal strategy")

// StealStrategy chooses which queued items (or which workers, or which nodes)
// are handed over first.
type StealStrategy int

const (
	// Smallest picks the item with the smallest size first.
	Smallest StealStrategy = iota + 1
	// Biggest picks the item with the biggest size first.
	Biggest
	// Any picks in arrival order, rotated by the caller for round-robin use.
	Any
)

func (s StealStrategy) String() string {
	switch s {
	case Smallest:
		return "smallest"
	case Biggest:
		return "biggest"
	case Any:
		return "any"
	default:
		return fmt.Sprintf("StealStrategy(%d)", int(s))
	}
}

// Valid reports whether s is one of the defined strategies.
func (s StealStrategy) Valid() bool {
	return s == Smallest || s == Biggest || s == Any
}

// ParseStealStrategy parses "smallest", "biggest" or "any" (case-insensitive).
// "roundrobin" is accepted as an alias of "any".
func ParseStealStrategy(name string) (StealStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "smallest":
		return Smallest, nil
	case "biggest":
		return Biggest, nil
	case "any", "roundrobin", "round-robin":
		return Any, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStrategy, name)
	}
}

// Order returns every index of sizes in the order s would hand them out.
// Candidates are visited from offset start, wrapping; Smallest and Biggest
// then sort by size, so equal sizes keep that rotated order. Advancing start
// between calls gives round-robin for Any and among ties.
func (s StealStrategy) Order(sizes []int64, start int) []int {
	n := len(sizes)
	idx := make([]int, n)
	if n == 0 {
		return idx
	}
	if start < 0 {
		start = -start
	}
	for i := range idx {
		idx[i] = (start + i) % n
	}
	switch s {
	case Smallest:
		sort.SliceStable(idx, func(a, b int) bool { return sizes[idx[a]] < sizes[idx[b]] })
	case Biggest:
		sort.SliceStable(idx, func(a, b int) bool { return sizes[idx[a]] > sizes[idx[b]] })
	}
	return idx
}

// Select returns at most n indices of sizes, in hand-out order.
func (s StealStrategy) Select(sizes []int64, n int) []int {
	order := s.Order(sizes, 0)
	if n < len(order) {
		order = order[:n]
	}
	return order
}

// SizeMetric maps a declared context to the size compared by Smallest and Biggest.
type SizeMetric func(Context) int64

// RankMetric uses the declared rank as the size.
func RankMetric(c Context) int64 {
	return c.Rank
}
