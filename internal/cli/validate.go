package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/constellation/internal/config"
)

// ValidationIssue is one problem found by validate.
type ValidationIssue struct {
	Source  string `json:"source"` // "properties" | "cluster"
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Errors    []ValidationIssue `json:"errors,omitempty"`
	Executors int               `json:"executors,omitempty"`
	Contexts  []string          `json:"contexts,omitempty"`
	Nodes     int               `json:"nodes,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [cluster-file]",
		Short: "Check properties and a cluster file without running",
		Long: `Check the node properties (--config and CONSTELLATION_* variables) and,
when given, a cluster file. The cluster is expanded into executor
configurations exactly as run and node would.

Examples:
  constellation validate cluster.cue
  constellation validate --config node.yaml cluster.cue --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runValidate(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, clusterPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	result := ValidationResult{}

	props, err := config.LoadProperties(opts.Config)
	if err != nil {
		result.Errors = append(result.Errors, ValidationIssue{Source: "properties", Message: err.Error()})
		return outputValidation(formatter, result)
	}
	formatter.VerboseLog("Properties loaded (master %d, pool %s)", props.Master, props.Pool.Name)

	if clusterPath == "" {
		result.Valid = true
		return outputValidation(formatter, result)
	}

	cluster, err := config.LoadCluster(clusterPath)
	if err != nil {
		result.Errors = append(result.Errors, clusterIssue(err))
		return outputValidation(formatter, result)
	}
	cfgs, err := cluster.Configs(props)
	if err != nil {
		result.Errors = append(result.Errors, clusterIssue(err))
		return outputValidation(formatter, result)
	}
	result.Executors = len(cfgs)
	result.Nodes = len(cluster.Nodes)
	for _, spec := range cluster.Executors {
		formatter.VerboseLog("Executor %s x%d", spec.Context, spec.Count)
		result.Contexts = append(result.Contexts, spec.Context.String())
	}
	if len(cluster.Nodes) > 0 {
		if _, ok := cluster.Nodes[props.Master]; !ok {
			result.Errors = append(result.Errors, ValidationIssue{
				Source:  "cluster",
				Field:   "nodes",
				Message: fmt.Sprintf("master %d has no address", props.Master),
			})
		}
	}

	result.Valid = len(result.Errors) == 0
	return outputValidation(formatter, result)
}

func clusterIssue(err error) ValidationIssue {
	issue := ValidationIssue{Source: "cluster", Message: err.Error()}
	var cerr *config.ClusterError
	if errors.As(err, &cerr) {
		issue.Field = cerr.Field
		issue.Message = cerr.Message
		if cerr.Pos.IsValid() {
			issue.Line = cerr.Pos.Line()
		}
	}
	return issue
}

func outputValidation(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		resp := Response{Status: "ok", Data: result}
		if !result.Valid {
			resp.Status = "error"
			resp.Error = &ResponseError{Code: CodeConfig, Message: result.Errors[0].Message}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	} else if result.Valid {
		fmt.Fprintln(formatter.Writer, "✓ Configuration valid")
		if result.Executors > 0 {
			fmt.Fprintf(formatter.Writer, "  %d executor(s) on %d node(s)\n", result.Executors, max(result.Nodes, 1))
		}
	} else {
		fmt.Fprintln(formatter.Writer, "✗ Validation failed")
		fmt.Fprintln(formatter.Writer)
		for _, issue := range result.Errors {
			if issue.Line > 0 {
				fmt.Fprintf(formatter.Writer, "line %d\n", issue.Line)
			}
			fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", issue.Source, issue.Message)
		}
	}

	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(result.Errors)))
	}
	return nil
}
