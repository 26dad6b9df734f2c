package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/constellation/internal/policy"
)

func TestLoadCluster(t *testing.T) {
	c, err := LoadCluster("testdata/cluster.cue")
	require.NoError(t, err)

	require.Len(t, c.Executors, 2)
	assert.Equal(t, 3, c.Executors[0].Count)
	assert.Equal(t, "fib", c.Executors[0].Context.String())
	assert.Equal(t, 1, c.Executors[1].Count)
	assert.Equal(t, "any", c.Executors[1].Local)
	assert.Equal(t, 2, c.Executors[1].StealSize)

	assert.Equal(t, map[uint32]string{0: "127.0.0.1:7070", 1: "127.0.0.1:7071"}, c.Nodes)
	assert.Equal(t, []uint32{0, 1}, c.Ranks())
}

func TestCluster_Configs(t *testing.T) {
	c, err := LoadCluster("testdata/cluster.cue")
	require.NoError(t, err)
	p := DefaultProperties()
	p.Steal.Remote = "any"

	cfgs, err := c.Configs(&p)
	require.NoError(t, err)
	require.Len(t, cfgs, 4, "count replicates the first spec")

	for _, cfg := range cfgs[:3] {
		assert.Equal(t, policy.Smallest, cfg.LocalStrategy)
		assert.Equal(t, policy.Any, cfg.RemoteStrategy)
		assert.True(t, cfg.BelongsTo.IsWorld())
		assert.Equal(t, 1, cfg.StealSize)
	}

	last := cfgs[3]
	assert.Equal(t, policy.Any, last.LocalStrategy)
	assert.True(t, last.BelongsTo.Equal(policy.NewStealPool("A")))
	assert.True(t, last.StealsFrom.Equal(policy.NewStealPool("A", "B")))
	assert.Equal(t, 2, last.StealSize)
	assert.True(t, last.Context.Accepts(policy.NewContext("io").WithRank(5)))
	assert.False(t, last.Context.Accepts(policy.NewContext("io").WithRank(11)))
}

func TestParseCluster_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no executors", `executors: []`, "need at least one executor"},
		{"unknown field", `executors: [{context: "fib", colour: "red"}]`, ""},
		{"unknown strategy", `executors: [{context: "fib", local: "largest"}]`, ""},
		{"zero count", `executors: [{context: "fib", count: 0}]`, ""},
		{"bad context", `executors: [{context: "fib[9:1]"}]`, "context"},
		{"bad pool", `executors: [{context: "fib", belongs_to: "world,A"}]`, "belongs_to"},
		{"duplicate rank", `executors: [{context: "fib"}]
nodes: [{rank: 0, address: "a"}, {rank: 0, address: "b"}]`, "listed twice"},
		{"rank gap", `executors: [{context: "fib"}]
nodes: [{rank: 0, address: "a"}, {rank: 2, address: "b"}]`, "0 to n-1"},
		{"syntax", `executors: [`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCluster([]byte(tt.src), "cluster.cue")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidCluster)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadCluster_MissingFile(t *testing.T) {
	_, err := LoadCluster("testdata/absent.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read cluster")
}
