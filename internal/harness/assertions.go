package harness

import (
	"fmt"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s\n  Expected: %s\n  Actual: %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against result and returns the
// failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion) error {
	switch a.Type {
	case AssertResult:
		if result.Value != a.Value {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprint(a.Value), Actual: fmt.Sprint(result.Value)}
		}
	case AssertCompleted:
		if result.Completed != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d completed", a.Count), Actual: fmt.Sprintf("%d completed", result.Completed)}
		}
	case AssertDiagnostics:
		if len(result.Diagnostics) != a.Count {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%d diagnostics", a.Count),
				Actual:   fmt.Sprintf("%d diagnostics: %s", len(result.Diagnostics), strings.Join(result.Diagnostics, "; ")),
			}
		}
	case AssertExclusive:
		if len(result.Violations) > 0 {
			return &AssertionError{Type: a.Type, Expected: "no lifecycle violations", Actual: strings.Join(result.Violations, "; ")}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
