package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/constellation/internal/ir"
)

// Snapshot is the deterministic part of a run: what was computed and how many
// activities took part, not where they ran.
func Snapshot(scenario *Scenario, result *Result) map[string]any {
	executors := 0
	for _, step := range scenario.Executors {
		executors += step.Count
	}
	return map[string]any{
		"scenario_name": scenario.Name,
		"nodes":         scenario.Nodes,
		"executors":     executors,
		"workload": map[string]any{
			"kind": scenario.Workload.Kind,
			"n":    scenario.Workload.N,
		},
		"result":      result.Value,
		"completed":   result.Completed,
		"activities":  result.Summary.Activities,
		"discarded":   result.Summary.Discarded,
		"diagnostics": len(result.Diagnostics),
	}
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, scenario *Scenario, result *Result) error {
	t.Helper()

	data, err := ir.MarshalCanonical(Snapshot(scenario, result))
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return nil
}
