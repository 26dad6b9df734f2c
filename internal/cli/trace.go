package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/constellation/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Activity string // optional - timeline of one activity
}

// RunListing is one recorded run.
type RunListing struct {
	ID        string    `json:"id"`
	Node      uint32    `json:"node"`
	Label     string    `json:"label"`
	Executors int       `json:"executors"`
	StartedAt time.Time `json:"started_at"`
}

// TraceStep is one transition in an activity timeline.
type TraceStep struct {
	Seq      int64         `json:"seq"`
	Executor string        `json:"executor"`
	From     string        `json:"from"`
	To       string        `json:"to"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// TraceMove is one relocation.
type TraceMove struct {
	Seq      int64  `json:"seq"`
	Activity string `json:"activity"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
}

// TraceResult is the profile of one run.
type TraceResult struct {
	Run         RunListing     `json:"run"`
	Transitions int            `json:"transitions"`
	Activities  int            `json:"activities"`
	Completed   int            `json:"completed"`
	Discarded   int            `json:"discarded"`
	Executed    map[string]int `json:"executed"`
	Relocations []TraceMove    `json:"relocations"`
	Timeline    []TraceStep    `json:"timeline,omitempty"`
}

// Text implements Texter.
func (r TraceResult) Text(w io.Writer) {
	fmt.Fprintf(w, "Run %s (%s) on node %d\n", r.Run.ID, r.Run.Label, r.Run.Node)
	fmt.Fprintf(w, "  started: %s\n", r.Run.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  activities: %d, completed: %d, discarded: %d\n", r.Activities, r.Completed, r.Discarded)
	fmt.Fprintf(w, "  transitions: %d, relocations: %d\n", r.Transitions, len(r.Relocations))

	executors := make([]string, 0, len(r.Executed))
	for e := range r.Executed {
		executors = append(executors, e)
	}
	sort.Strings(executors)
	fmt.Fprintln(w, "  executed per executor:")
	for _, e := range executors {
		fmt.Fprintf(w, "    %-12s %d\n", e, r.Executed[e])
	}

	if len(r.Timeline) > 0 {
		fmt.Fprintln(w, "  timeline:")
		for _, s := range r.Timeline {
			fmt.Fprintf(w, "    [%d] %12s %s %s -> %s\n", s.Seq, s.Elapsed, s.Executor, s.From, s.To)
		}
	}
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect a profile database",
		Long: `Inspect the transitions recorded while profile.enabled was set.

Without --run, lists the recorded runs. With --run, summarizes the run:
how many activities each executor executed and every relocation between
executors. --activity adds the lifecycle of one activity.

Examples:
  constellation trace --db constellation-trace.db
  constellation trace --db constellation-trace.db --run 0190...
  constellation trace --db constellation-trace.db --run 0190... --activity "AID: 0:1:2a" --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the profile database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run to summarize")
	cmd.Flags().StringVar(&opts.Activity, "activity", "", "activity whose timeline to show")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(opts.Database); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	runs, err := st.Runs(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read runs", err)
	}
	listings := make([]RunListing, len(runs))
	for i, run := range runs {
		listings[i] = RunListing{ID: run.ID, Node: run.Node, Label: run.Label, Executors: run.Executors, StartedAt: run.StartedAt}
	}

	if opts.RunID == "" {
		if opts.Format == "json" {
			return formatter.Success(listings)
		}
		if len(listings) == 0 {
			fmt.Fprintln(formatter.Writer, "No runs recorded.")
			return nil
		}
		for _, l := range listings {
			fmt.Fprintf(formatter.Writer, "%s  node %d  %-12s %d executor(s)  %s\n",
				l.ID, l.Node, l.Label, l.Executors, l.StartedAt.Format(time.RFC3339))
		}
		return nil
	}

	result := TraceResult{Relocations: []TraceMove{}}
	found := false
	for _, l := range listings {
		if l.ID == opts.RunID {
			result.Run, found = l, true
		}
	}
	if !found {
		_ = formatter.Error(CodeStore, fmt.Sprintf("run %s not found", opts.RunID), nil)
		return NewExitError(ExitCommandError, fmt.Sprintf("run %s not found", opts.RunID))
	}

	sum, err := st.Summarize(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to summarize run", err)
	}
	result.Transitions, result.Activities = sum.Transitions, sum.Activities
	result.Completed, result.Discarded = sum.Completed, sum.Discarded
	result.Executed = sum.Executed

	moves, err := st.Relocations(ctx, opts.RunID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read relocations", err)
	}
	for _, m := range moves {
		result.Relocations = append(result.Relocations, TraceMove{Seq: m.Seq, Activity: m.Activity, From: m.From, To: m.To})
	}

	if opts.Activity != "" {
		transitions, err := st.Transitions(ctx, opts.RunID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read transitions", err)
		}
		for _, tr := range transitions {
			if tr.Activity != opts.Activity {
				continue
			}
			result.Timeline = append(result.Timeline, TraceStep{
				Seq: tr.Seq, Executor: tr.Executor, From: tr.From, To: tr.To, Elapsed: tr.Elapsed,
			})
		}
	}

	if opts.Format == "json" {
		return json.NewEncoder(formatter.Writer).Encode(Response{Status: "ok", Data: result, RunID: result.Run.ID})
	}
	result.Text(formatter.Writer)
	return nil
}
