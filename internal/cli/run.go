package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/config"
	"github.com/roach88/asyncverify/internal/harness"
	"github.com/roach88/asyncverify/internal/infra"
	"github.com/roach88/asyncverify/internal/metrics"
	"github.com/roach88/asyncverify/internal/orchestrator"
	"github.com/roach88/asyncverify/internal/store"
)

// SelectionFlags are the per-command overrides of the configured run.
type SelectionFlags struct {
	Receive  string
	Send     string
	Profile  string
	Strategy string
	Spec     string
}

func (s *SelectionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.Receive, "receive", "", "protocol the service receives on (e.g. amqp)")
	cmd.Flags().StringVar(&s.Send, "send", "", "protocol the service sends on (e.g. kafka)")
	cmd.Flags().StringVar(&s.Profile, "profile", "", "named protocol pair, e.g. sqs-kafka")
	cmd.Flags().StringVar(&s.Strategy, "strategy", "", "overlay strategy (in-place|overlay|precomputed)")
	cmd.Flags().StringVar(&s.Spec, "spec", "", "base specification file")
}

// apply layers the flags over cfg. A profile flag replaces any pair the
// configuration file named unless protocols are also given as flags.
func (s *SelectionFlags) apply(cfg *config.Config) {
	if s.Profile != "" {
		cfg.Selection = config.Selection{Profile: s.Profile}
	}
	if s.Receive != "" {
		cfg.Selection.Receive = s.Receive
	}
	if s.Send != "" {
		cfg.Selection.Send = s.Send
	}
	if s.Strategy != "" {
		cfg.Strategy = s.Strategy
	}
	if s.Spec != "" {
		cfg.Paths.Spec = s.Spec
	}
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Selection     SelectionFlags
	KeepArtifacts bool
	Stream        bool

	// IDs overrides the run ID generator (for testing).
	IDs orchestrator.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Verify the service under one protocol pair",
		Long: `Bring the infrastructure up, verify the service under one protocol
pair and tear the infrastructure down again.

The pair comes from --receive/--send, --profile, or the configuration file.

Example:
  asyncverify run --receive amqp --send kafka
  asyncverify run --profile sqs-kafka --strategy precomputed
  asyncverify run --receive jms --send mqtt --stream --keep-artifacts`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSingle(opts, cmd)
		},
	}

	opts.Selection.register(cmd)
	cmd.Flags().BoolVar(&opts.KeepArtifacts, "keep-artifacts", false, "keep overlay files and mutated specs after the run")
	cmd.Flags().BoolVar(&opts.Stream, "stream", false, "echo engine output to stderr as it arrives")

	return cmd
}

func runSingle(opts *RunOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}
	opts.Selection.apply(&cfg)
	if opts.KeepArtifacts {
		cfg.KeepArtifacts = true
	}

	sel, err := cfg.ResolveSelection()
	if err != nil {
		return configError(formatter, err)
	}

	suite := harness.SingleRun(sel.Key(), sel)
	return executeSuite(cmd, formatter, opts.RootOptions, cfg, suite, suiteRunOptions{
		stream: opts.Stream,
		ids:    opts.IDs,
	})
}

type suiteRunOptions struct {
	stream bool
	ids    orchestrator.IDGenerator
}

// executeSuite brackets the suite's runs with the infrastructure lifecycle
// and turns the result into output and an exit code.
func executeSuite(cmd *cobra.Command, formatter *OutputFormatter, root *RootOptions, cfg config.Config, suite *harness.Suite, ro suiteRunOptions) error {
	if suite.Spec != "" {
		cfg.Paths.Spec = suite.Spec
	}
	if err := cfg.Validate(); err != nil {
		return configError(formatter, err)
	}

	logger, err := root.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return configError(formatter, err)
	}

	targets, err := suite.Targets()
	if err != nil {
		_ = formatter.Error(ErrCodeSuite, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeSuite+": invalid suite", err)
	}

	provisioner, err := infra.New(cfg.Infra, logger)
	if err != nil {
		return configError(formatter, err)
	}

	m := metrics.New()
	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(m),
	}
	if ro.stream {
		orchOpts = append(orchOpts, orchestrator.WithStream(cmd.ErrOrStderr()))
	}
	if ro.ids != nil {
		orchOpts = append(orchOpts, orchestrator.WithIDGenerator(ro.ids))
	}
	if cfg.History != "" {
		st, err := store.Open(cfg.History)
		if err != nil {
			_ = formatter.Error(ErrCodeHistory, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeHistory+": failed to open run history", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing run history", "error", closeErr)
			}
		}()
		orchOpts = append(orchOpts, orchestrator.WithLedger(st))
	}

	orch, err := orchestrator.New(cfg, orchOpts...)
	if err != nil {
		return configError(formatter, err)
	}

	ctx, stop := signalContext(cmd.Context(), logger)
	defer stop()

	result, runErr := orch.RunSuite(ctx, suite.Name, provisioner, targets)

	if cfg.MetricsTextfile != "" {
		if err := m.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("metrics textfile not written", "path", cfg.MetricsTextfile, "error", err)
		}
	}

	return reportSuite(formatter, result, runErr)
}

// reportSuite prints the suite's reports and returns the exit error the
// worst of them calls for.
func reportSuite(f *OutputFormatter, result *orchestrator.SuiteResult, runErr error) error {
	kind := result.Worst()
	if runErr != nil && kind == "" {
		kind = orchestrator.KindOf(runErr)
	}

	if kind == "" && result.OK() {
		if f.Format == "json" {
			return f.Success(result)
		}
		writeSuiteText(f, result)
		return nil
	}

	if kind == "" {
		kind = orchestrator.KindInternal
	}
	message := suiteFailureMessage(result, runErr)
	if f.Format == "json" {
		if err := f.Failure(errorCodeFor(kind), message, result); err != nil {
			return err
		}
	} else {
		writeSuiteText(f, result)
		if len(result.Reports) == 0 && runErr != nil {
			fmt.Fprintf(f.Writer, "Error [%s]: %v\n", errorCodeFor(kind), runErr)
		}
	}
	return WrapExitError(ExitCodeFor(kind), fmt.Sprintf("%s: %s", errorCodeFor(kind), message), runErr)
}

func suiteFailureMessage(result *orchestrator.SuiteResult, runErr error) string {
	failed := 0
	for _, r := range result.Reports {
		if !r.OK() {
			failed++
		}
	}
	switch {
	case len(result.Reports) == 0 && runErr != nil:
		return fmt.Sprintf("suite %s did not run: %v", result.Name, runErr)
	case runErr != nil:
		return fmt.Sprintf("suite %s stopped after %d run(s): %v", result.Name, len(result.Reports), runErr)
	default:
		return fmt.Sprintf("%d of %d run(s) failed", failed, len(result.Reports))
	}
}

func writeSuiteText(f *OutputFormatter, result *orchestrator.SuiteResult) {
	for _, r := range result.Reports {
		writeReportText(f, r)
	}
	if len(result.Reports) > 1 {
		passed := 0
		for _, r := range result.Reports {
			if r.OK() {
				passed++
			}
		}
		fmt.Fprintf(f.Writer, "\n%s: %d/%d passed\n", result.Name, passed, len(result.Reports))
	}
	if result.ReleaseError != "" {
		fmt.Fprintf(f.Writer, "warning: infrastructure release failed: %s\n", result.ReleaseError)
	}
}

func writeReportText(f *OutputFormatter, r *orchestrator.Report) {
	w := f.Writer
	fmt.Fprintf(w, "%s  %s  [%s, %s, %s]\n",
		f.Verdict(r.Verdict), r.Name, r.Strategy, r.RunID, r.Duration.Round(time.Millisecond))

	switch {
	case r.OK():
		fmt.Fprintf(w, "  passed %d, failed %d\n", r.Passed, r.Failed)
	default:
		fmt.Fprintf(w, "  %s: %s\n", r.FailureKind, r.Detail)
		writeExcerpt(w, r.Excerpt)
	}
	if r.OverlayPath != "" {
		fmt.Fprintf(w, "  overlay: %s\n", r.OverlayPath)
	}
	if f.Verbose && r.Fingerprint != "" {
		fmt.Fprintf(w, "  fingerprint: %s\n", r.Fingerprint)
	}
}

func writeExcerpt(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintf(w, "  | %s\n", strings.TrimRight(line, "\r"))
	}
}

// signalContext is cancelled on SIGINT or SIGTERM, which stops the engine
// and still releases the infrastructure.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	// Use command's context if available (for testing), otherwise create one
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan) // Prevent signal handler leak
		cancel()
	}
}
