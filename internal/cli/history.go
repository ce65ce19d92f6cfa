package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/outcome"
	"github.com/roach88/asyncverify/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Filter     store.Filter
	Summary    bool
	Transcript bool
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show the runs recorded in the run history database.

Without arguments the most recent runs are listed in the order they were
recorded. With a run ID that run is shown in full, including the engine
output excerpt, or the whole transcript with --transcript.

Example:
  asyncverify history --receive amqp --limit 5
  asyncverify history --summary
  asyncverify history 0193f2a4-7c1e-7b2a-9d5e-3f8a6b1c2d4e --transcript`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter.Receive, "receive", "", "only runs with this receive protocol")
	cmd.Flags().StringVar(&opts.Filter.Send, "send", "", "only runs with this send protocol")
	cmd.Flags().StringVar(&opts.Filter.Verdict, "verdict", "", "only runs with this verdict (SUCCESS|FAILURE|INDETERMINATE|ERROR)")
	cmd.Flags().StringVar(&opts.Filter.Suite, "suite", "", "only runs of this suite")
	cmd.Flags().IntVar(&opts.Filter.Limit, "limit", 20, "show at most this many runs, most recent last (0 for all)")
	cmd.Flags().BoolVar(&opts.Summary, "summary", false, "summarize runs per protocol pair")
	cmd.Flags().BoolVar(&opts.Transcript, "transcript", false, "with a run ID, print the full engine transcript")

	return cmd
}

func runHistory(opts *HistoryOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}
	if cfg.History == "" {
		return configError(formatter, errors.New("run history is disabled: history is empty"))
	}

	st, err := store.Open(cfg.History)
	if err != nil {
		_ = formatter.Error(ErrCodeHistory, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeHistory+": failed to open run history", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	switch {
	case len(args) == 1:
		run, err := st.GetRun(ctx, args[0])
		if errors.Is(err, store.ErrNotFound) {
			_ = formatter.Error(ErrCodeNotFound, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeNotFound+": run not found", err)
		}
		if err != nil {
			return historyError(formatter, err)
		}
		if formatter.Format == "json" {
			return formatter.Success(run)
		}
		writeRunText(formatter, run, opts.Transcript)
		return nil

	case opts.Summary:
		pairs, err := st.SummarizePairs(ctx)
		if err != nil {
			return historyError(formatter, err)
		}
		if formatter.Format == "json" {
			return formatter.Success(pairs)
		}
		tw := tabwriter.NewWriter(formatter.Writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PAIR\tRUNS\tPASSED\tLAST\tLAST RUN")
		for _, p := range pairs {
			fmt.Fprintf(tw, "%s-%s\t%d\t%d\t%s\t%s\n", p.Receive, p.Send, p.Runs, p.Successes, p.LastVerdict, p.LastRunID)
		}
		return tw.Flush()

	default:
		runs, err := st.ListRuns(ctx, opts.Filter)
		if err != nil {
			return historyError(formatter, err)
		}
		if formatter.Format == "json" {
			return formatter.Success(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(formatter.Writer, "No runs recorded")
			return nil
		}
		tw := tabwriter.NewWriter(formatter.Writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tRUN\tPAIR\tSTRATEGY\tVERDICT\tKIND\tSTARTED\tDURATION")
		for _, r := range runs {
			fmt.Fprintf(tw, "%d\t%s\t%s-%s\t%s\t%s\t%s\t%s\t%s\n",
				r.Seq, r.ID, r.Receive, r.Send, r.Strategy, r.Verdict, dash(r.FailureKind),
				r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
		}
		return tw.Flush()
	}
}

func writeRunText(f *OutputFormatter, r store.Run, transcript bool) {
	w := f.Writer
	fmt.Fprintf(w, "%s  %s-%s  [%s, %s]\n", f.Verdict(outcome.Verdict(r.Verdict)), r.Receive, r.Send, r.Strategy, r.ID)
	if r.Suite != "" {
		fmt.Fprintf(w, "  suite: %s\n", r.Suite)
	}
	fmt.Fprintf(w, "  started: %s (%s)\n", r.StartedAt.Format(time.RFC3339), r.Duration.Round(time.Millisecond))
	if r.FailureKind != "" {
		fmt.Fprintf(w, "  %s: %s\n", r.FailureKind, r.Detail)
	} else if r.Detail != "" {
		fmt.Fprintf(w, "  %s\n", r.Detail)
	}
	fmt.Fprintf(w, "  passed %s, failed %s\n", count(r.Passed), count(r.Failed))
	if r.Fingerprint != "" {
		fmt.Fprintf(w, "  fingerprint: %s\n", r.Fingerprint)
	}
	if transcript {
		fmt.Fprintln(w)
		fmt.Fprint(w, r.Output)
		return
	}
	writeExcerpt(w, r.Excerpt)
}

func historyError(f *OutputFormatter, err error) error {
	_ = f.Error(ErrCodeHistory, err.Error(), nil)
	return WrapExitError(ExitCommandError, ErrCodeHistory+": run history query failed", err)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
