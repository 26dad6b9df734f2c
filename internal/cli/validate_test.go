package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validCluster = `
executors: [
	{context: "fib", count: 3},
	{
		context:     "io[0:10],fib"
		local:       "any"
		belongs_to:  "A"
		steals_from: "A,B"
		steal_size:  2
	},
]

nodes: [
	{rank: 0, address: "127.0.0.1:7070"},
	{rank: 1, address: "127.0.0.1:7071"},
]
`

func TestValidateCommand_PropertiesOnly(t *testing.T) {
	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Configuration valid")
}

func TestValidateCommand_Cluster(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cluster.cue", validCluster)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Configuration valid")
	assert.Contains(t, out, "4 executor(s) on 2 node(s)")
}

func TestValidateCommand_ClusterJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cluster.cue", validCluster)

	out, err := execute(t, "validate", path, "--format", "json")
	require.NoError(t, err)

	var result ValidationResult
	resp := decode(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	assert.Equal(t, 4, result.Executors)
	assert.Equal(t, 2, result.Nodes)
	assert.Len(t, result.Contexts, 2)
}

func TestValidateCommand_InvalidCluster(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no executors", "executors: []\n"},
		{"unknown strategy", `executors: [{context: "fib", local: "fastest"}]` + "\n"},
		{"unknown field", `executors: [{context: "fib", cores: 4}]` + "\n"},
		{"duplicate rank", `
executors: [{context: "fib"}]
nodes: [{rank: 0, address: "a:1"}, {rank: 0, address: "b:1"}]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "cluster.cue", tt.content)

			out, err := execute(t, "validate", path)
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))
			assert.Contains(t, out, "✗ Validation failed")
		})
	}
}

func TestValidateCommand_InvalidClusterJSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "cluster.cue", "executors: []\n")

	out, err := execute(t, "validate", path, "--format", "json")
	require.Error(t, err)

	var result ValidationResult
	resp := decode(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConfig, resp.Error.Code)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "cluster", result.Errors[0].Source)
	assert.Equal(t, "executors", result.Errors[0].Field)
}

func TestValidateCommand_MasterWithoutAddress(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "cluster.cue", validCluster)
	config := writeFile(t, dir, "node.yaml", "master: 5\n")

	out, err := execute(t, "--config", config, "validate", path)
	require.Error(t, err)
	assert.Contains(t, out, "master 5 has no address")
}

func TestValidateCommand_InvalidProperties(t *testing.T) {
	config := writeFile(t, t.TempDir(), "node.yaml", "steal:\n  local: fastest\n")

	out, err := execute(t, "--config", config, "validate")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "properties:")
}
