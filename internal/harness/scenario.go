package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/constellation/internal/policy"
	"github.com/roach88/constellation/internal/workload"
)

// DefaultTimeout bounds a scenario that sets none.
const DefaultTimeout = 30 * time.Second

// Scenario is one end-to-end run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes is the number of nodes; more than one runs distributed over an
	// in-memory transport. Zero means one.
	Nodes int `yaml:"nodes,omitempty"`

	// Executors is the configuration of every node.
	Executors []ExecutorStep `yaml:"executors"`

	Workload WorkloadStep `yaml:"workload"`

	Assertions []Assertion `yaml:"assertions"`

	// Timeout bounds the whole run, drain included.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ExecutorStep describes Count identical executors.
type ExecutorStep struct {
	Context    string `yaml:"context"`
	Count      int    `yaml:"count,omitempty"`
	Local      string `yaml:"local,omitempty"`
	Siblings   string `yaml:"constellation,omitempty"`
	Remote     string `yaml:"remote,omitempty"`
	BelongsTo  string `yaml:"belongs_to,omitempty"`
	StealsFrom string `yaml:"steals_from,omitempty"`
	StealSize  int    `yaml:"steal_size,omitempty"`
}

// WorkloadStep selects the work submitted on the master.
type WorkloadStep struct {
	Kind string `yaml:"kind"`
	N    int64  `yaml:"n"`
}

// Assertion validates the outcome of a run.
type Assertion struct {
	// Type is one of result, completed, diagnostics or exclusive.
	Type string `yaml:"type"`

	// Value is the expected workload result (result).
	Value int64 `yaml:"value,omitempty"`

	// Count is the expected number (completed, diagnostics).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertResult      = "result"
	AssertCompleted   = "completed"
	AssertDiagnostics = "diagnostics"
	AssertExclusive   = "exclusive"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Reject unknown fields (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid, and
// fills defaults.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Nodes < 0 {
		return fmt.Errorf("nodes must not be negative")
	}
	if s.Nodes == 0 {
		s.Nodes = 1
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}

	if len(s.Executors) == 0 {
		return fmt.Errorf("executors list is required and must be non-empty")
	}
	for i := range s.Executors {
		step := &s.Executors[i]
		if _, err := policy.ParseExecutorContext(step.Context); err != nil {
			return fmt.Errorf("executor %d: %w", i, err)
		}
		if step.Count < 0 {
			return fmt.Errorf("executor %d: count must not be negative", i)
		}
		if step.Count == 0 {
			step.Count = 1
		}
		for _, name := range []string{step.Local, step.Siblings, step.Remote} {
			if name == "" {
				continue
			}
			if _, err := policy.ParseStealStrategy(name); err != nil {
				return fmt.Errorf("executor %d: %w", i, err)
			}
		}
		for _, pool := range []string{step.BelongsTo, step.StealsFrom} {
			if pool == "" {
				continue
			}
			if _, err := policy.ParseStealPool(pool); err != nil {
				return fmt.Errorf("executor %d: %w", i, err)
			}
		}
	}

	switch s.Workload.Kind {
	case workload.FibKind:
		if s.Workload.N < 0 || s.Workload.N > 40 {
			return fmt.Errorf("workload fib: n must be within 0..40")
		}
	case "":
		return fmt.Errorf("workload kind is required")
	default:
		return fmt.Errorf("unknown workload kind %q", s.Workload.Kind)
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertResult, AssertCompleted, AssertDiagnostics, AssertExclusive:
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}
	return nil
}
