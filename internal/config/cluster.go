package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/constellation/internal/executor"
	"github.com/roach88/constellation/internal/policy"
)

// ErrInvalidCluster is returned for cluster descriptions that cannot be used.
var ErrInvalidCluster = errors.New("invalid cluster")

// schema closes the cluster file: unknown fields are errors.
const schema = `
#Strategy: "smallest" | "biggest" | "any" | "roundrobin" | "round-robin"

#Executor: {
	context:        string & !=""
	count?:         int & >=1
	local?:         #Strategy
	constellation?: #Strategy
	remote?:        #Strategy
	belongs_to?:    string & !=""
	steals_from?:   string & !=""
	steal_size?:    int & >=1
}

#Node: {
	rank:    int & >=0
	address: string & !=""
}

#Cluster: {
	executors: [...#Executor]
	nodes?: [...#Node]
}
`

// ClusterError locates a problem in a cluster file.
type ClusterError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *ClusterError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ClusterError) Unwrap() error { return ErrInvalidCluster }

// ExecutorSpec is one executor configuration of the cluster file. Empty
// strategy and pool fields take the node properties.
type ExecutorSpec struct {
	Context       policy.ExecutorContext
	Count         int
	Local         string
	Constellation string
	Remote        string
	BelongsTo     string
	StealsFrom    string
	StealSize     int
}

// Cluster is a parsed cluster file.
type Cluster struct {
	Executors []ExecutorSpec
	// Nodes maps rank to address.
	Nodes map[uint32]string
}

// LoadCluster reads and validates the CUE cluster file at path.
func LoadCluster(path string) (*Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster: %w", err)
	}
	return ParseCluster(data, path)
}

// ParseCluster validates and parses a cluster file. name labels positions.
func ParseCluster(data []byte, name string) (*Cluster, error) {
	ctx := cuecontext.New()
	def := ctx.CompileString(schema).LookupPath(cue.ParsePath("#Cluster"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("cluster schema: %w", err)
	}

	v := ctx.CompileBytes(data, cue.Filename(name))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	v = def.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	c := &Cluster{Nodes: make(map[uint32]string)}
	iter, err := v.LookupPath(cue.ParsePath("executors")).List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := parseExecutor(iter.Value())
		if err != nil {
			return nil, err
		}
		c.Executors = append(c.Executors, spec)
	}
	if len(c.Executors) == 0 {
		return nil, &ClusterError{Field: "executors", Message: "need at least one executor", Pos: v.Pos()}
	}

	if nodes := v.LookupPath(cue.ParsePath("nodes")); nodes.Exists() {
		iter, err := nodes.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for iter.Next() {
			n := iter.Value()
			rank, _ := n.LookupPath(cue.ParsePath("rank")).Int64()
			addr, _ := n.LookupPath(cue.ParsePath("address")).String()
			if _, dup := c.Nodes[uint32(rank)]; dup {
				return nil, &ClusterError{Field: "nodes", Message: fmt.Sprintf("rank %d listed twice", rank), Pos: n.Pos()}
			}
			c.Nodes[uint32(rank)] = addr
		}
		for i := range c.Nodes {
			if int(i) >= len(c.Nodes) {
				return nil, &ClusterError{Field: "nodes", Message: "ranks must be 0 to n-1", Pos: nodes.Pos()}
			}
		}
	}
	return c, nil
}

func parseExecutor(v cue.Value) (ExecutorSpec, error) {
	spec := ExecutorSpec{Count: 1}
	str := func(field string) string {
		s, _ := v.LookupPath(cue.ParsePath(field)).String()
		return s
	}
	num := func(field string, into *int) {
		if f := v.LookupPath(cue.ParsePath(field)); f.Exists() {
			n, _ := f.Int64()
			*into = int(n)
		}
	}

	ctx, err := policy.ParseExecutorContext(str("context"))
	if err != nil {
		return spec, &ClusterError{Field: "context", Message: err.Error(), Pos: v.Pos()}
	}
	spec.Context = ctx
	num("count", &spec.Count)
	num("steal_size", &spec.StealSize)
	spec.Local = str("local")
	spec.Constellation = str("constellation")
	spec.Remote = str("remote")
	spec.BelongsTo = str("belongs_to")
	spec.StealsFrom = str("steals_from")

	for _, pool := range []struct{ field, value string }{
		{"belongs_to", spec.BelongsTo},
		{"steals_from", spec.StealsFrom},
	} {
		if pool.value == "" {
			continue
		}
		if _, err := policy.ParseStealPool(pool.value); err != nil {
			return spec, &ClusterError{Field: pool.field, Message: err.Error(), Pos: v.Pos()}
		}
	}
	return spec, nil
}

// Configs expands the cluster into executor configurations, replicating
// each spec Count times and filling unset fields from p.
func (c *Cluster) Configs(p *Properties) ([]executor.Config, error) {
	defaults, err := p.Strategies()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProperty, err)
	}
	nodePool, err := p.StealPool()
	if err != nil {
		return nil, fmt.Errorf("%w: pool.name: %v", ErrInvalidProperty, err)
	}

	var out []executor.Config
	for _, spec := range c.Executors {
		cfg := executor.DefaultConfig(spec.Context)
		cfg.LocalStrategy = strategyOr(spec.Local, defaults.Local)
		cfg.ConstellationStrategy = strategyOr(spec.Constellation, defaults.Constellation)
		cfg.RemoteStrategy = strategyOr(spec.Remote, defaults.Remote)
		cfg.BelongsTo = poolOr(spec.BelongsTo, nodePool)
		cfg.StealsFrom = poolOr(spec.StealsFrom, nodePool)
		cfg.StealSize = p.Steal.Size
		if spec.StealSize > 0 {
			cfg.StealSize = spec.StealSize
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		for i := 0; i < spec.Count; i++ {
			out = append(out, cfg)
		}
	}
	return out, nil
}

// Ranks returns the node ranks in order.
func (c *Cluster) Ranks() []uint32 {
	out := make([]uint32, 0, len(c.Nodes))
	for r := range c.Nodes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// The schema admits only valid names, so parse errors cannot happen here.
func strategyOr(name string, def policy.StealStrategy) policy.StealStrategy {
	if name == "" {
		return def
	}
	s, err := policy.ParseStealStrategy(name)
	if err != nil {
		return def
	}
	return s
}

func poolOr(name string, def policy.StealPool) policy.StealPool {
	if name == "" {
		return def
	}
	p, err := policy.ParseStealPool(name)
	if err != nil {
		return def
	}
	return p
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCluster, err)
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &ClusterError{Field: "cue", Message: first.Error(), Pos: positions[0]}
	}
	return fmt.Errorf("%w: %v", ErrInvalidCluster, first)
}
