package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/harness"
	"github.com/roach88/asyncverify/internal/orchestrator"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
)

// SuiteOptions holds flags for the suite command.
type SuiteOptions struct {
	*RootOptions
	DryRun        bool
	KeepArtifacts bool
	Stream        bool

	// IDs overrides the run ID generator (for testing).
	IDs orchestrator.IDGenerator
}

// NewSuiteCommand creates the suite command.
func NewSuiteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SuiteOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "suite <suite-file>",
		Short: "Run every protocol pair listed in a suite file",
		Long: `Run the protocol pairs listed in a suite file, in order, against a
single acquisition of the infrastructure. A failing run does not stop the
suite.

With --dry-run nothing is launched: each run's channel bindings and
overlay fingerprint are computed against the base specification and
printed.

Example:
  asyncverify suite suites/nightly.yaml
  asyncverify suite suites/nightly.yaml --dry-run --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSuiteFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print the planned bindings without running anything")
	cmd.Flags().BoolVar(&opts.KeepArtifacts, "keep-artifacts", false, "keep overlay files and mutated specs after each run")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "echo engine output to stderr as it arrives")

	return cmd
}

func runSuiteFile(opts *SuiteOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}
	if opts.KeepArtifacts {
		cfg.KeepArtifacts = true
	}

	suite, err := harness.LoadSuite(path)
	if err != nil {
		_ = formatter.Error(ErrCodeSuite, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeSuite+": invalid suite", err)
	}
	formatter.VerboseLog("Loaded suite %s with %d run(s)", suite.Name, len(suite.Runs))

	if !opts.DryRun {
		return executeSuite(cmd, formatter, opts.RootOptions, cfg, suite, suiteRunOptions{
			stream: opts.Stream,
			ids:    opts.IDs,
		})
	}

	specPath := cfg.Paths.Spec
	if suite.Spec != "" {
		specPath = suite.Spec
	}
	base, err := spec.Load(specPath)
	if err != nil {
		_ = formatter.Error(ErrCodeSpec, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeSpec+": cannot load spec", err)
	}

	builder := overlay.NewBuilder(overlay.WithEndpoint(cfg.Endpoint))
	plan, err := harness.Plan(suite, cfg.Strategy, base, builder)
	if err != nil {
		_ = formatter.Error(ErrCodeMutation, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeMutation+": suite cannot be planned", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(harness.PlanSnapshot{Suite: suite.Name, Runs: plan})
	}
	writePlanText(formatter, suite.Name, plan, builder.Topology())
	return nil
}

func writePlanText(f *OutputFormatter, name string, plan []harness.PlannedRun, topo overlay.Topology) {
	w := f.Writer
	fmt.Fprintf(w, "Suite %s: %d run(s)\n", name, len(plan))
	for _, pr := range plan {
		fmt.Fprintf(w, "\n%s  (%s, %s)\n", pr.Name, pr.Pair, pr.Strategy)
		for _, ch := range append(append([]string{}, topo.Inbound...), topo.Outbound...) {
			fmt.Fprintf(w, "  %-28s -> %s\n", ch, pr.Bindings[ch])
		}
		if f.Verbose {
			fmt.Fprintf(w, "  fingerprint: %s\n", pr.Fingerprint)
		}
	}
}
