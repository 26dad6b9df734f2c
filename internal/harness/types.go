package harness

import (
	"github.com/roach88/constellation/internal/store"
)

// Result is the outcome of a scenario run.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Value is what the workload produced.
	Value int64 `json:"value"`

	// Completed is the number of activities that completed on any node.
	Completed int `json:"completed"`

	// Diagnostics collects the diagnostics of every node.
	Diagnostics []string `json:"diagnostics,omitempty"`

	// Violations lists broken lifecycle rules.
	Violations []string `json:"violations,omitempty"`

	// Summary aggregates the recorded trace.
	Summary store.Summary `json:"summary"`

	// Errors contains assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
