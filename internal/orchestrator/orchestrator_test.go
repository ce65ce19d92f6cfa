package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/asyncverify/internal/config"
	"github.com/roach88/asyncverify/internal/infra"
	"github.com/roach88/asyncverify/internal/metrics"
	"github.com/roach88/asyncverify/internal/outcome"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
	"github.com/roach88/asyncverify/internal/store"
	"github.com/roach88/asyncverify/internal/testutil"
	"github.com/roach88/asyncverify/internal/verifier"
)

var (
	inbound  = []string{"NewOrderPlaced", "OrderCancellationRequested", "OrderDeliveryInitiated"}
	outbound = []string{"OrderInitiated", "OrderCancelled", "OrderAccepted"}
)

// engineScript is a stand-in engine. It copies whatever it was pointed at
// into dir/seen so tests can inspect it after the run's cleanup, then
// prints body.
func engineScript(dir, body string) string {
	seen := filepath.Join(dir, "seen")
	return `
mkdir -p "` + seen + `"
for arg in "$@"; do
  case "$arg" in
    --overlay=*) cp "${arg#--overlay=}" "` + seen + `/overlay.yaml" ;;
  esac
done
cp "` + filepath.Join(dir, "spec", "order-api.yaml") + `" "` + seen + `/spec.yaml"
echo "args: $*"
` + body
}

type fixture struct {
	dir     string
	cfg     config.Config
	ledger  *store.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, specData []byte, engineBody string) *fixture {
	t.Helper()
	dir := t.TempDir()
	specPath := testutil.WriteSpec(t, dir, specData)
	script := testutil.WriteScript(t, dir, "engine.sh", engineScript(dir, engineBody))

	cfg := config.Default()
	cfg.Paths.Spec = specPath
	cfg.Paths.WorkDir = filepath.Join(dir, "runs")
	cfg.Verifier = verifier.Config{
		Mode:              verifier.ModeExec,
		Command:           []string{script},
		Dir:               dir,
		ReportDir:         filepath.Join(dir, "reports"),
		StartupTimeout:    5 * time.Second,
		CompletionTimeout: 5 * time.Second,
		Settle:            10 * time.Millisecond,
		StopGrace:         50 * time.Millisecond,
	}
	cfg.Infra = infra.Config{Mode: infra.ModeNone}

	ledger, err := store.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	return &fixture{dir: dir, cfg: cfg, ledger: ledger, metrics: metrics.New()}
}

func (f *fixture) orchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{
		WithLedger(f.ledger),
		WithMetrics(f.metrics),
		WithIDGenerator(testutil.NewSequenceIDGenerator("run")),
	}, opts...)
	o, err := New(f.cfg, opts...)
	require.NoError(t, err)
	return o
}

// seenDocument is the spec as the engine saw it.
func (f *fixture) seenDocument(t *testing.T) *spec.Document {
	t.Helper()
	doc, err := spec.Load(filepath.Join(f.dir, "seen", "spec.yaml"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(f.dir, "seen", "overlay.yaml"))
	if errors.Is(err, os.ErrNotExist) {
		return doc
	}
	require.NoError(t, err)
	o, err := overlay.Decode(data)
	require.NoError(t, err)
	_, err = overlay.ApplyStrict(o, doc.Node())
	require.NoError(t, err)
	require.NoError(t, doc.Refresh())
	return doc
}

func assertBindings(t *testing.T, doc *spec.Document, receive, send string) {
	t.Helper()
	for _, name := range inbound {
		ch, ok := doc.Channel(name)
		require.True(t, ok, name)
		assert.Equal(t, "#/servers/"+receive+"Server", ch.ServerRefs[0], name)
	}
	for _, name := range outbound {
		ch, ok := doc.Channel(name)
		require.True(t, ok, name)
		assert.Equal(t, "#/servers/"+send+"Server", ch.ServerRefs[0], name)
	}
}

func TestRun_ScenarioA(t *testing.T) {
	for _, strategy := range overlay.StrategyNames {
		t.Run(strategy, func(t *testing.T) {
			f := newFixture(t, testutil.OrderAPISpec(), `echo "Tests run: 8, Passed: 8, Failed: 0"`)
			f.cfg.Strategy = strategy
			o := f.orchestrator(t)

			report, err := o.Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
			require.NoError(t, err)
			assert.True(t, report.OK(), report.Detail)
			assert.Equal(t, outcome.Success, report.Verdict)
			assert.Empty(t, report.FailureKind)
			assert.Equal(t, 8, report.Passed)
			assert.Equal(t, 0, report.Failed)
			assert.Len(t, report.Fingerprint, 64)
			assert.Equal(t, "amqp-kafka", report.Name)
			assert.Equal(t, "run-0001", report.RunID)

			doc := f.seenDocument(t)
			assertBindings(t, doc, "amqp", "kafka")

			trigger := doc.Operations["orderAccepted"].Extensions["x-specmatic-trigger"].(map[string]any)
			assert.Equal(t, "PUT", trigger["method"])
			assert.Equal(t, "http://localhost:8080/orders", trigger["url"])
			assert.Equal(t, 200, trigger["expectedStatus"])
			assert.Contains(t, trigger["requestBody"], `{"id":123,"status":"ACCEPTED"`)

			sideEffect := doc.Operations["initiateOrderDelivery"].Extensions["x-specmatic-side-effect"].(map[string]any)
			assert.Equal(t, "GET", sideEffect["method"])
			assert.Equal(t, "http://localhost:8080/orders/123?status=SHIPPED", sideEffect["url"])
			assert.Equal(t, 200, sideEffect["expectedStatus"])

			// artifacts are gone and the base spec is untouched
			assert.NoDirExists(t, filepath.Join(f.cfg.Paths.WorkDir, report.RunID))
			data, err := os.ReadFile(f.cfg.Paths.Spec)
			require.NoError(t, err)
			assert.Equal(t, testutil.OrderAPISpec(), data)
		})
	}
}

func TestRun_ScenarioB(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `
echo "Running 8 scenarios"
echo "...Passed: 8, Failed: 0..."`)
	o := f.orchestrator(t)

	report, err := o.Run(context.Background(), Target{Selection: overlay.Selection{Receive: "jms", Send: "mqtt"}})
	require.NoError(t, err)
	assert.Equal(t, outcome.Success, report.Verdict)
	assertBindings(t, f.seenDocument(t), "jms", "mqtt")

	run, err := f.ledger.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "SUCCESS", run.Verdict)
	assert.Equal(t, "jms", run.Receive)
	assert.Equal(t, "mqtt", run.Send)
	assert.Equal(t, report.Fingerprint, run.Fingerprint)
	assert.Contains(t, run.Output, "Passed: 8, Failed: 0")
}

func TestRun_ClockStampsReportAndLedger(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	start := time.Date(2025, 4, 12, 14, 30, 0, 0, time.UTC)
	clock := testutil.NewStepClock(start, time.Second)
	o := f.orchestrator(t, WithClock(clock.Now))

	report, err := o.Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
	require.NoError(t, err)
	assert.Equal(t, start, report.StartedAt)
	assert.Positive(t, report.Duration)
	assert.Zero(t, report.Duration%time.Second, "every reading comes from the step clock")

	runs, err := f.ledger.ListRuns(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].StartedAt.Equal(start))
	assert.Equal(t, report.Duration, runs[0].Duration)
}

func TestRun_ContractViolation(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `
echo "Scenario OrderAccepted: FAILED (no message on kafka)"
echo "Tests run: 8, Passed: 6, Failed: 2"`)
	o := f.orchestrator(t)

	report, err := o.Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
	require.NoError(t, err, "a contract violation is a verdict, not an error")
	assert.Equal(t, outcome.Failure, report.Verdict)
	assert.Equal(t, KindContractViolation, report.FailureKind)
	assert.Equal(t, 2, report.Failed)
	assert.NotEmpty(t, report.Excerpt)
	assert.False(t, report.FailureKind.Environment())
}

func TestRun_ZeroCoverageIsFailure(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 0, Failed: 0"`)
	report, err := f.orchestrator(t).Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
	require.NoError(t, err)
	assert.Equal(t, outcome.Failure, report.Verdict)
	assert.Equal(t, KindContractViolation, report.FailureKind)
}

// countingRunner fails the test if the engine is launched.
type countingRunner struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRunner) Run(context.Context, verifier.Invocation) (*verifier.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return &verifier.Result{Output: "Passed: 1, Failed: 0"}, nil
}

func TestRun_MissingChannelAbortsBeforeLaunch(t *testing.T) {
	for _, strategy := range overlay.StrategyNames {
		t.Run(strategy, func(t *testing.T) {
			data := testutil.WithoutKey(t, testutil.OrderAPISpec(), "channels", "OrderAccepted")
			f := newFixture(t, data, `echo "Success"`)
			f.cfg.Strategy = strategy
			runner := &countingRunner{}
			o := f.orchestrator(t, WithRunner(runner))

			report, err := o.Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
			require.Error(t, err)
			assert.True(t, overlay.IsMutationError(err))
			assert.Equal(t, KindSpecMutation, report.FailureKind)
			assert.Equal(t, VerdictError, report.Verdict)
			assert.Equal(t, 0, runner.calls, "engine must not be launched")

			onDisk, readErr := os.ReadFile(f.cfg.Paths.Spec)
			require.NoError(t, readErr)
			assert.Equal(t, data, onDisk, "base spec must be untouched")
			assert.NoDirExists(t, filepath.Join(f.cfg.Paths.WorkDir, report.RunID))
		})
	}
}

func TestRun_UnsupportedPrecomputedPair(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Success"`)
	f.cfg.Strategy = overlay.StrategyPrecomputed
	runner := &countingRunner{}
	o := f.orchestrator(t, WithRunner(runner))

	report, err := o.Run(context.Background(), Target{Selection: overlay.Selection{Receive: "mqtt", Send: "jms"}})
	require.Error(t, err)
	assert.Equal(t, overlay.CodeUnsupportedPair, overlay.MutationCodeOf(err))
	assert.Equal(t, KindSpecMutation, report.FailureKind)
	assert.Equal(t, 0, runner.calls)
}

func TestRun_SchemaViolation(t *testing.T) {
	data := testutil.WithoutKey(t, testutil.OrderAPISpec(), "servers")
	f := newFixture(t, data, `echo "Success"`)
	runner := &countingRunner{}

	report, err := f.orchestrator(t, WithRunner(runner)).Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
	require.Error(t, err)
	var schemaErr *spec.SchemaError
	assert.ErrorAs(t, err, &schemaErr)
	assert.Equal(t, KindSpecMutation, report.FailureKind)
	assert.Equal(t, 0, runner.calls)
}

func TestRun_VerificationTimeout(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `
echo "Waiting for messages"
exec sleep 30`)
	f.cfg.Verifier.CompletionTimeout = 200 * time.Millisecond

	provisioner := &recordingProvisioner{}
	o := f.orchestrator(t)
	result, err := o.RunSuite(context.Background(), "timeout", provisioner, []Target{
		{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Reports, 1)

	report := result.Reports[0]
	assert.Equal(t, KindVerificationTimeout, report.FailureKind)
	assert.Equal(t, VerdictError, report.Verdict)
	assert.True(t, report.FailureKind.Environment())
	phase, ok := verifier.IsTimeout(report.Err)
	assert.True(t, ok)
	assert.Equal(t, verifier.PhaseCompletion, phase)
	assert.Contains(t, report.Detail, "200ms")
	assert.Contains(t, report.Excerpt, "Waiting for messages")

	require.NotNil(t, report.Verifier)
	assert.True(t, report.Verifier.Exited, "engine must be stopped")
	assert.Equal(t, []string{"up", "down"}, provisioner.events(), "infrastructure must be released")

	run, err := f.ledger.GetRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, "VERIFICATION_TIMEOUT", run.FailureKind)
	assert.Equal(t, "timeout", run.Suite)
}

func TestRun_EngineExitsWithoutOutcome(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `
echo "Exception in thread main: cannot reach broker" >&2
exit 3`)
	report, err := f.orchestrator(t).Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
	require.Error(t, err)
	assert.Equal(t, KindVerifierExited, report.FailureKind)
	assert.Contains(t, report.Excerpt, "Exception in thread main: cannot reach broker")
}

func TestRun_LaunchFailure(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Success"`)
	f.cfg.Verifier.Command = []string{filepath.Join(f.dir, "no-such-engine")}
	report, err := f.orchestrator(t).Run(context.Background(), Target{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}})
	require.Error(t, err)
	assert.Equal(t, KindVerifierLaunch, report.FailureKind)
	assert.NoDirExists(t, filepath.Join(f.cfg.Paths.WorkDir, report.RunID))
}

func TestRun_KeepArtifacts(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	f.cfg.KeepArtifacts = true
	report, err := f.orchestrator(t).Run(context.Background(), Target{Selection: overlay.Selection{Receive: "sqs", Send: "kafka"}})
	require.NoError(t, err)
	require.NotEmpty(t, report.OverlayPath)
	assert.FileExists(t, report.OverlayPath)
	assert.Equal(t, filepath.Join(f.cfg.Paths.WorkDir, report.RunID, overlay.ArtifactFileName), report.OverlayPath)
}

func TestRun_TargetStrategyOverride(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	report, err := f.orchestrator(t).Run(context.Background(), Target{
		Name:      "precomputed sqs",
		Selection: overlay.Selection{Receive: "sqs", Send: "kafka"},
		Strategy:  overlay.StrategyPrecomputed,
	})
	require.NoError(t, err)
	assert.Equal(t, overlay.StrategyPrecomputed, report.Strategy)
	assert.Equal(t, "precomputed sqs", report.Name)
}

func TestRun_UnknownTargetStrategyIsMutationFailure(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	runner := &countingRunner{}

	report, err := f.orchestrator(t, WithRunner(runner)).Run(context.Background(), Target{
		Selection: overlay.Selection{Receive: "sqs", Send: "kafka"},
		Strategy:  "magic",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown overlay strategy")
	assert.Equal(t, overlay.CodeUnknownStrategy, overlay.MutationCodeOf(err))
	assert.Equal(t, KindSpecMutation, KindOf(err))
	require.NotNil(t, report)
	assert.Equal(t, KindSpecMutation, report.FailureKind)
	assert.Equal(t, 0, runner.calls)
}

// recordingProvisioner records Up and Down calls.
type recordingProvisioner struct {
	mu    sync.Mutex
	calls []string
	upErr error
}

func (p *recordingProvisioner) Name() string { return "recording" }

func (p *recordingProvisioner) Up(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "up")
	return p.upErr
}

func (p *recordingProvisioner) Down(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "down")
	return nil
}

func (p *recordingProvisioner) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func TestRunSuite_RunsEveryTargetUnderOneAcquisition(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	provisioner := &recordingProvisioner{}
	o := f.orchestrator(t)

	result, err := o.RunSuite(context.Background(), "nightly", provisioner, []Target{
		{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}, Strategy: overlay.StrategyInPlace},
		{Selection: overlay.Selection{Receive: "sqs", Send: "kafka"}},
		{Selection: overlay.Selection{Receive: "jms", Send: "mqtt"}, Strategy: overlay.StrategyPrecomputed},
	})
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Empty(t, result.Worst())
	assert.Equal(t, []string{"up", "down"}, provisioner.events())

	runs, err := f.ledger.ListRuns(context.Background(), store.Filter{Suite: "nightly"})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"run-0001", "run-0002", "run-0003"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
	assert.Equal(t, "in-place", runs[0].Strategy)
}

func TestRunSuite_ContinuesAfterFailure(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	provisioner := &recordingProvisioner{}

	result, err := f.orchestrator(t).RunSuite(context.Background(), "mixed", provisioner, []Target{
		{Selection: overlay.Selection{Receive: "natsio", Send: "kafka"}},
		{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Reports, 2)
	assert.Equal(t, KindSpecMutation, result.Reports[0].FailureKind)
	assert.True(t, result.Reports[1].OK())
	assert.False(t, result.OK())
	assert.Equal(t, KindSpecMutation, result.Worst())
}

func TestRunSuite_InfrastructureStartupFailure(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	provisioner := &recordingProvisioner{upErr: errors.New("kafka did not become healthy")}
	runner := &countingRunner{}

	result, err := f.orchestrator(t, WithRunner(runner)).RunSuite(context.Background(), "broken", provisioner, []Target{
		{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}},
	})
	require.Error(t, err)
	assert.Equal(t, KindInfraStartup, KindOf(err))
	assert.Empty(t, result.Reports)
	assert.Equal(t, 0, runner.calls)
	assert.Equal(t, []string{"up", "down"}, provisioner.events(), "a failed start is still torn down")
}

func TestRunSuite_CanceledContextReleases(t *testing.T) {
	f := newFixture(t, testutil.OrderAPISpec(), `echo "Passed: 8, Failed: 0"`)
	provisioner := &recordingProvisioner{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orchestrator(t).RunSuite(ctx, "canceled", provisioner, []Target{
		{Selection: overlay.Selection{Receive: "amqp", Send: "kafka"}},
	})
	require.Error(t, err)
	assert.Equal(t, []string{"up", "down"}, provisioner.events())
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Strategy = "magic"
	_, err := New(cfg)
	require.Error(t, err)
}
