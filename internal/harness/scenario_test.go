package harness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario_Defaults(t *testing.T) {
	s, err := ParseScenario([]byte(`
name: defaults
description: "nothing optional set"
executors:
  - context: fib
workload:
  kind: fib
  n: 3
`))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Nodes)
	assert.Equal(t, 1, s.Executors[0].Count)
	assert.Equal(t, DefaultTimeout, s.Timeout)
}

func TestLoadScenario_File(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/fib_distributed.yaml")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Nodes)
	assert.Equal(t, 45*time.Second, s.Timeout)
	assert.Len(t, s.Assertions, 4)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/absent.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_Errors(t *testing.T) {
	base := "name: x\ndescription: y\n"
	fib := "workload:\n  kind: fib\n  n: 3\n"
	exec := "executors:\n  - context: fib\n"

	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown field", base + exec + fib + "asertions: []\n", "field asertions not found"},
		{"missing name", "description: y\n" + exec + fib, "name is required"},
		{"missing description", "name: x\n" + exec + fib, "description is required"},
		{"no executors", base + fib, "executors list is required"},
		{"bad context", base + "executors:\n  - context: \"fib[3:1]\"\n" + fib, "executor 0"},
		{"bad strategy", base + "executors:\n  - context: fib\n    local: largest\n" + fib, "invalid steal strategy"},
		{"bad pool", base + "executors:\n  - context: fib\n    belongs_to: \"none,A\"\n" + fib, "invalid steal pool"},
		{"negative nodes", base + "nodes: -1\n" + exec + fib, "nodes must not be negative"},
		{"missing workload", base + exec, "workload kind is required"},
		{"unknown workload", base + exec + "workload:\n  kind: sort\n", "unknown workload kind"},
		{"fib too big", base + exec + "workload:\n  kind: fib\n  n: 90\n", "n must be within"},
		{"unknown assertion", base + exec + fib + "assertions:\n  - type: trace_order\n", "unknown type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.src))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	result := &Result{
		Value:       5,
		Completed:   15,
		Diagnostics: []string{"activity x discarded at drain: suspended"},
		Violations:  []string{"a running on e1 and e2"},
	}
	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertResult, Value: 5},
		{Type: AssertCompleted, Count: 15},
		{Type: AssertDiagnostics, Count: 0},
		{Type: AssertExclusive},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "assertion 2")
	assert.Contains(t, errs[0], "discarded at drain")
	assert.Contains(t, errs[1], "assertion 3")
	assert.Contains(t, errs[1], "running on e1 and e2")
}
