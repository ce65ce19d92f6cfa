// Package orchestrator sequences verification runs: it prepares the
// overlaid specification, runs the engine, classifies its output and
// records the result, and guarantees cleanup on every path.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roach88/asyncverify/internal/config"
	"github.com/roach88/asyncverify/internal/infra"
	"github.com/roach88/asyncverify/internal/lock"
	"github.com/roach88/asyncverify/internal/logging"
	"github.com/roach88/asyncverify/internal/metrics"
	"github.com/roach88/asyncverify/internal/outcome"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
	"github.com/roach88/asyncverify/internal/store"
	"github.com/roach88/asyncverify/internal/verifier"
)

// Runner runs the verification engine once.
type Runner interface {
	Run(ctx context.Context, inv verifier.Invocation) (*verifier.Result, error)
}

// Ledger records finished runs.
type Ledger interface {
	RecordRun(ctx context.Context, r store.Run) (int64, error)
}

// Orchestrator runs one verification at a time.
type Orchestrator struct {
	cfg        config.Config
	strategies map[string]overlay.Strategy
	runner     Runner
	locker     lock.Locker
	ledger     Ledger
	metrics    *metrics.Metrics
	ids        IDGenerator
	now        func() time.Time
	logger     *slog.Logger
	stream     io.Writer

	// mu keeps a single engine process per orchestrator.
	mu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger shared with the strategies and the runner.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithStream echoes engine output to w.
func WithStream(w io.Writer) Option {
	return func(o *Orchestrator) {
		o.stream = w
	}
}

// WithRunner replaces the engine runner built from the verifier config.
func WithRunner(r Runner) Option {
	return func(o *Orchestrator) {
		o.runner = r
	}
}

// WithLocker replaces the locker built from the lock config.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) {
		o.locker = l
	}
}

// WithLedger records every run in l.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) {
		o.ledger = l
	}
}

// WithMetrics observes every run in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithIDGenerator sets the run ID source.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) {
		o.ids = g
	}
}

// WithClock sets the time source for report timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New validates cfg and builds the strategies, runner and locker it
// describes.
func New(cfg config.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &Orchestrator{
		cfg:    cfg,
		ids:    UUIDv7Generator{},
		now:    time.Now,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	builder := overlay.NewBuilder(overlay.WithEndpoint(cfg.Endpoint))
	o.strategies = make(map[string]overlay.Strategy, len(overlay.StrategyNames))
	for _, name := range overlay.StrategyNames {
		s, err := overlay.New(name, builder, cfg.AssetSources(),
			overlay.WithLogger(o.logger),
			overlay.KeepArtifacts(cfg.KeepArtifacts),
		)
		if err != nil {
			return nil, err
		}
		o.strategies[name] = s
	}

	if o.runner == nil {
		runnerOpts := []verifier.RunnerOption{verifier.WithLogger(o.logger), verifier.WithClock(o.now)}
		if o.stream != nil {
			runnerOpts = append(runnerOpts, verifier.WithStream(o.stream))
		}
		o.runner = verifier.NewRunner(cfg.Verifier, runnerOpts...)
	}
	if o.locker == nil {
		o.locker = lock.New(cfg.Lock)
	}
	return o, nil
}

// Config returns the configuration the orchestrator was built with.
func (o *Orchestrator) Config() config.Config { return o.cfg }

// RunSuite acquires the infrastructure, runs every target in order and
// releases the infrastructure on every path. A failing run does not stop
// the suite; a done ctx does.
//
// The returned error is only non-nil when the infrastructure could not be
// acquired or ctx ended the suite early; individual run failures are in
// the reports.
func (o *Orchestrator) RunSuite(ctx context.Context, name string, p infra.Provisioner, targets []Target) (result *SuiteResult, err error) {
	result = &SuiteResult{Name: name}

	start := o.now()
	handle, err := infra.Acquire(ctx, p, infra.WithSettle(o.cfg.Infra.Settle), infra.WithLogger(o.logger))
	o.metrics.ObservePhase(metrics.PhaseInfra, o.now().Sub(start))
	if err != nil {
		o.logger.Error("infrastructure did not start", "suite", name, "error", err)
		o.metrics.ObserveRun(string(VerdictError), string(KindInfraStartup))
		return result, err
	}
	defer func() {
		if rerr := handle.Release(context.WithoutCancel(ctx)); rerr != nil {
			o.logger.Warn("infrastructure release failed", "suite", name, "error", rerr)
			result.ReleaseError = rerr.Error()
		}
	}()

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		report, _ := o.run(ctx, t, name)
		result.Reports = append(result.Reports, report)
	}
	return result, ctx.Err()
}

// Run performs a single run against infrastructure that is already up.
// The report is always non-nil; err is non-nil when the run ended in an
// error rather than a verdict.
func (o *Orchestrator) Run(ctx context.Context, t Target) (*Report, error) {
	return o.run(ctx, t, "")
}

func (o *Orchestrator) run(ctx context.Context, t Target, suite string) (*Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	strategy := t.Strategy
	if strategy == "" {
		strategy = o.cfg.Strategy
	}
	report := &Report{
		RunID:     o.ids.Generate(),
		Name:      t.label(),
		Suite:     suite,
		Selection: t.Selection,
		Strategy:  strategy,
		Passed:    -1,
		Failed:    -1,
		StartedAt: o.now(),
	}
	logger := o.logger.With("run", report.RunID, "pair", t.Selection.Key())
	logger.Info("run started", "strategy", strategy)

	err := o.execute(ctx, report, logger)
	o.finish(ctx, report, err, logger)
	return report, err
}

func (o *Orchestrator) execute(ctx context.Context, report *Report, logger *slog.Logger) error {
	unlock, err := o.locker.Lock(ctx, o.cfg.Lock.Key, o.cfg.Lock.TTL)
	if err != nil {
		return fmt.Errorf("run %s: %w", report.RunID, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("run lock release failed", "error", err)
		}
	}()

	start := o.now()
	prepared, err := o.prepare(ctx, report)
	o.metrics.ObservePhase(metrics.PhasePrepare, o.now().Sub(start))
	if err != nil {
		return err
	}
	defer o.cleanup(prepared, report, logger)

	report.Fingerprint = prepared.Fingerprint
	if o.cfg.KeepArtifacts {
		report.OverlayPath = prepared.OverlayPath
	}
	for _, w := range prepared.Warnings {
		logger.Warn("overlay warning", "warning", w)
	}

	start = o.now()
	result, err := o.runner.Run(ctx, verifier.Invocation{
		RunID:       report.RunID,
		SpecDir:     prepared.SpecDir,
		OverlayPath: prepared.OverlayPath,
	})
	o.metrics.ObservePhase(metrics.PhaseVerify, o.now().Sub(start))
	report.Verifier = result
	if err != nil {
		return err
	}

	start = o.now()
	out := outcome.Classify(result.Output)
	o.metrics.ObservePhase(metrics.PhaseClassify, o.now().Sub(start))

	report.Verdict = out.Verdict
	report.Detail = out.Reason
	report.Excerpt = out.Excerpt
	report.Passed = out.Passed
	report.Failed = out.Failed
	return nil
}

// prepare checks the base spec and has the strategy produce what the
// engine consumes. Nothing is left on disk when it fails.
func (o *Orchestrator) prepare(ctx context.Context, report *Report) (*overlay.Prepared, error) {
	strategy, ok := o.strategies[report.Strategy]
	if !ok {
		return nil, overlay.UnknownStrategyError(report.Strategy)
	}

	doc, err := spec.Load(o.cfg.Paths.Spec)
	if err != nil {
		return nil, &overlay.MutationError{Code: overlay.CodeBaseDocument, Subject: o.cfg.Paths.Spec, Message: "cannot load base document", Err: err}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return strategy.Prepare(ctx, overlay.Request{
		Selection: report.Selection,
		SpecPath:  o.cfg.Paths.Spec,
		WorkDir:   o.workDir(report.RunID),
	})
}

func (o *Orchestrator) workDir(runID string) string {
	return filepath.Join(o.cfg.Paths.WorkDir, runID)
}

func (o *Orchestrator) cleanup(p *overlay.Prepared, report *Report, logger *slog.Logger) {
	if err := p.Cleanup(); err != nil {
		logger.Warn("artifact cleanup failed", "error", err)
	}
	if o.cfg.KeepArtifacts {
		return
	}
	if err := os.RemoveAll(o.workDir(report.RunID)); err != nil {
		logger.Warn("work directory cleanup failed", "error", err)
	}
}

// finish fills in the verdict for errored runs, then records and logs the
// report. Recording problems are logged, never returned.
func (o *Orchestrator) finish(ctx context.Context, report *Report, err error, logger *slog.Logger) {
	report.Duration = o.now().Sub(report.StartedAt)

	switch {
	case err != nil:
		report.Err = err
		report.Verdict = VerdictError
		report.FailureKind = KindOf(err)
		report.Detail = err.Error()
		report.Excerpt = tailOf(err)
	case report.Verdict == outcome.Failure:
		report.FailureKind = KindContractViolation
	case report.Verdict == outcome.Indeterminate:
		report.FailureKind = KindIndeterminate
	}

	o.metrics.ObserveRun(string(report.Verdict), string(report.FailureKind))
	o.record(context.WithoutCancel(ctx), report, logger)

	attrs := []any{
		"verdict", report.Verdict,
		"duration", report.Duration.Round(time.Millisecond),
	}
	switch {
	case report.OK():
		logger.Info("run passed", attrs...)
	case err != nil:
		logger.Error("run failed", append(attrs, "kind", report.FailureKind, "error", err)...)
	default:
		logger.Warn("run failed", append(attrs, "kind", report.FailureKind, "reason", report.Detail)...)
	}
}

func (o *Orchestrator) record(ctx context.Context, report *Report, logger *slog.Logger) {
	if o.ledger == nil {
		return
	}
	var output string
	if report.Verifier != nil {
		output = report.Verifier.Output
	}
	_, err := o.ledger.RecordRun(ctx, store.Run{
		ID:          report.RunID,
		Suite:       report.Suite,
		Receive:     report.Selection.Receive,
		Send:        report.Selection.Send,
		Strategy:    report.Strategy,
		Fingerprint: report.Fingerprint,
		Verdict:     string(report.Verdict),
		FailureKind: string(report.FailureKind),
		Detail:      report.Detail,
		Passed:      report.Passed,
		Failed:      report.Failed,
		StartedAt:   report.StartedAt,
		Duration:    report.Duration,
		Excerpt:     report.Excerpt,
		Output:      output,
	})
	if err != nil {
		logger.Warn("run not recorded", "error", err)
	}
}
