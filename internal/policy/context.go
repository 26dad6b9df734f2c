package policy

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// AnyLabel is the range label that accepts every activity label.
const AnyLabel = "*"

// ErrInvalidContext is returned when a context or range cannot be parsed or is empty.
var ErrInvalidContext = errors.New("invalid executor context")

// Context is the context an activity declares: a label naming the category of
// work and a rank. The rank is the default size used by the smallest/biggest
// strategies.
type Context struct {
	Label string
	Rank  int64
}

// NewContext returns a context with the given label and rank 0.
func NewContext(label string) Context {
	return Context{Label: label}
}

// WithRank returns a copy of c with the given rank.
func (c Context) WithRank(rank int64) Context {
	c.Rank = rank
	return c
}

func (c Context) String() string {
	return fmt.Sprintf("%s(%d)", c.Label, c.Rank)
}

// Range accepts activities whose label matches and whose rank lies in [Min, Max].
type Range struct {
	Label string
	Min   int64
	Max   int64
}

// Label returns a range accepting every rank of the given label.
func Label(label string) Range {
	return Range{Label: label, Min: math.MinInt64, Max: math.MaxInt64}
}

// Accepts reports whether c falls in r.
func (r Range) Accepts(c Context) bool {
	if r.Label != AnyLabel && r.Label != c.Label {
		return false
	}
	return c.Rank >= r.Min && c.Rank <= r.Max
}

func (r Range) String() string {
	if r.Min == math.MinInt64 && r.Max == math.MaxInt64 {
		return r.Label
	}
	return fmt.Sprintf("%s[%d:%d]", r.Label, r.Min, r.Max)
}

// ParseRange parses "label" or "label[min:max]".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	label, bounds, hasBounds := strings.Cut(s, "[")
	label = strings.TrimSpace(label)
	if label == "" {
		return Range{}, fmt.Errorf("%w: empty label in %q", ErrInvalidContext, s)
	}
	if !hasBounds {
		return Label(label), nil
	}
	bounds, ok := strings.CutSuffix(bounds, "]")
	if !ok {
		return Range{}, fmt.Errorf("%w: unterminated range %q", ErrInvalidContext, s)
	}
	lo, hi, ok := strings.Cut(bounds, ":")
	if !ok {
		return Range{}, fmt.Errorf("%w: range %q needs min:max", ErrInvalidContext, s)
	}
	minRank, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: min of %q: %v", ErrInvalidContext, s, err)
	}
	maxRank, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
	if err != nil {
		return Range{}, fmt.Errorf("%w: max of %q: %v", ErrInvalidContext, s, err)
	}
	if minRank > maxRank {
		return Range{}, fmt.Errorf("%w: min > max in %q", ErrInvalidContext, s)
	}
	return Range{Label: label, Min: minRank, Max: maxRank}, nil
}

// ExecutorContext is the set of ranges a worker accepts. Matching is a
// capability test: an activity is accepted when any range accepts its context.
type ExecutorContext struct {
	ranges []Range
}

// NewExecutorContext builds an ExecutorContext from ranges.
func NewExecutorContext(ranges ...Range) ExecutorContext {
	return ExecutorContext{ranges: append([]Range(nil), ranges...)}
}

// ParseExecutorContext parses a comma separated list of ranges.
func ParseExecutorContext(s string) (ExecutorContext, error) {
	var ranges []Range
	for _, part := range splitTopLevel(s) {
		r, err := ParseRange(part)
		if err != nil {
			return ExecutorContext{}, err
		}
		ranges = append(ranges, r)
	}
	if len(ranges) == 0 {
		return ExecutorContext{}, fmt.Errorf("%w: no ranges in %q", ErrInvalidContext, s)
	}
	return NewExecutorContext(ranges...), nil
}

// Accepts reports whether the worker accepts an activity declaring c.
func (e ExecutorContext) Accepts(c Context) bool {
	for _, r := range e.ranges {
		if r.Accepts(c) {
			return true
		}
	}
	return false
}

// Ranges returns a copy of the accepted ranges.
func (e ExecutorContext) Ranges() []Range {
	return append([]Range(nil), e.ranges...)
}

// IsEmpty reports whether e accepts nothing.
func (e ExecutorContext) IsEmpty() bool {
	return len(e.ranges) == 0
}

// Union returns a context accepting everything e or o accepts.
func (e ExecutorContext) Union(o ExecutorContext) ExecutorContext {
	out := make([]Range, 0, len(e.ranges)+len(o.ranges))
	out = append(out, e.ranges...)
	out = append(out, o.ranges...)
	return ExecutorContext{ranges: out}
}

func (e ExecutorContext) String() string {
	parts := make([]string, len(e.ranges))
	for i, r := range e.ranges {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// splitTopLevel splits on commas that are not inside brackets.
func splitTopLevel(s string) []string {
	var (
		parts []string
		depth int
		start int
	)
	for i, ch := range s {
		switch ch {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				if p := strings.TrimSpace(s[start:i]); p != "" {
					parts = append(parts, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		parts = append(parts, p)
	}
	return parts
}
