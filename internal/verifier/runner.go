package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/roach88/asyncverify/internal/logging"
)

// Stop escalation after the grace period.
const (
	termWait  = time.Second
	killWait  = 5 * time.Second
	pipeDelay = time.Second
	tailLines = 20
)

// Result is what a run of the engine produced. Output is the transcript
// captured after the settle delay.
type Result struct {
	Command   []string      `json:"command"`
	Output    string        `json:"-"`
	Lines     int           `json:"lines"`
	ExitCode  int           `json:"exit_code"`
	Exited    bool          `json:"exited"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Runner launches the engine for one invocation at a time and always
// stops it before returning.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	stream io.Writer
	now    func() time.Time

	// removeContainer is swapped in tests.
	removeContainer func(ctx context.Context, name string) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the logger. Engine output is logged at debug level.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithStream echoes engine output lines to w as they arrive.
func WithStream(w io.Writer) RunnerOption {
	return func(r *Runner) {
		r.stream = w
	}
}

// WithClock sets the time source used for Result timestamps.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		r.now = now
	}
}

// NewRunner creates a Runner for cfg.
func NewRunner(cfg Config, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:             cfg,
		logger:          logging.NewNop(),
		now:             time.Now,
		removeContainer: dockerRemove,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the runner's configuration.
func (r *Runner) Config() Config { return r.cfg }

type process struct {
	cmd    *exec.Cmd
	done   chan struct{}
	err    error
	stdout *lineWriter
	stderr *lineWriter
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *process) waitFor(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		return false
	}
}

func (p *process) exitCode() int {
	var ee *exec.ExitError
	if errors.As(p.err, &ee) {
		return ee.ExitCode()
	}
	if p.err != nil {
		return -1
	}
	return 0
}

// Run launches the engine, waits for it to start and to print a terminal
// marker, lets it settle, captures its output and stops it.
//
// The returned Result is non-nil whenever the process was started, even
// when err is a TimeoutError or ExitError, so callers can report the
// output gathered so far.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	argv, err := r.cfg.Argv(inv)
	if err != nil {
		return nil, &LaunchError{Command: argv, Err: err}
	}
	if r.cfg.ReportDir != "" {
		if err := os.MkdirAll(r.cfg.ReportDir, 0o755); err != nil {
			return nil, &LaunchError{Command: argv, Err: fmt.Errorf("create report dir: %w", err)}
		}
	}

	transcript := newTranscript(MarkerPattern, func(l Line) {
		r.logger.Debug("verifier output", "stream", l.Stream, "line", l.Text)
		if r.stream != nil {
			fmt.Fprintln(r.stream, l.Text)
		}
	})

	cmd := exec.Command(argv[0], argv[1:]...)
	if r.cfg.Mode == ModeExec {
		cmd.Dir = r.cfg.workDir()
		cmd.Env = append(os.Environ(), sortedEnv(r.cfg.Env)...)
	}
	p := &process{
		cmd:    cmd,
		done:   make(chan struct{}),
		stdout: &lineWriter{t: transcript, stream: StreamStdout},
		stderr: &lineWriter{t: transcript, stream: StreamStderr},
	}
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.WaitDelay = pipeDelay

	r.logger.Info("starting verifier", "mode", r.cfg.Mode, "command", quoteArgv(argv))
	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Command: argv, Err: err}
	}
	started := r.now()
	go func() {
		p.err = cmd.Wait()
		p.stdout.flush()
		p.stderr.flush()
		close(p.done)
	}()

	res := &Result{Command: argv, StartedAt: started, ExitCode: -1}
	var runErr error
	defer func() {
		r.stop(p, inv, runErr)
		if p.exited() {
			res.Exited = true
			res.ExitCode = p.exitCode()
		}
		if res.Output == "" {
			res.Output = transcript.Text()
			res.Lines = transcript.Len()
		}
		res.Duration = r.now().Sub(started)
	}()

	if runErr = r.await(ctx, p, transcript); runErr != nil {
		return res, runErr
	}

	if r.cfg.Settle > 0 {
		t := time.NewTimer(r.cfg.Settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			runErr = ctx.Err()
			return res, runErr
		}
	}
	res.Output = transcript.Text()
	res.Lines = transcript.Len()
	return res, nil
}

// await blocks until a terminal marker arrives, a bound expires, the engine
// exits or ctx is done.
func (r *Runner) await(ctx context.Context, p *process, t *Transcript) error {
	phase := PhaseStartup
	limit := r.cfg.StartupTimeout
	timer := time.NewTimer(limit)
	defer timer.Stop()

	ready := t.Ready()
	for {
		select {
		case <-t.Marker():
			r.logger.Debug("verifier reported an outcome", "lines", t.Len())
			return nil

		case <-ready:
			ready = nil
			phase = PhaseCompletion
			limit = r.cfg.CompletionTimeout
			timer.Reset(limit)
			r.logger.Debug("verifier started")

		case <-p.done:
			if t.MarkerSeen() {
				return nil
			}
			if t.Len() > 0 {
				phase = PhaseCompletion
			}
			return &ExitError{Phase: phase, Code: p.exitCode(), Tail: t.Tail(tailLines), Err: p.err}

		case <-timer.C:
			return &TimeoutError{Phase: phase, Limit: limit, Tail: t.Tail(tailLines)}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// stop waits for the engine to exit on its own, then escalates: SIGTERM,
// then SIGKILL. When cause is non-nil the run has already failed or been
// canceled and SIGTERM is sent without the grace wait. A docker container
// is force-removed afterwards.
func (r *Runner) stop(p *process, inv Invocation, cause error) {
	defer func() {
		if r.cfg.Mode != ModeDocker {
			return
		}
		name := ContainerName(inv.RunID)
		if name == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), killWait)
		defer cancel()
		if err := r.removeContainer(ctx, name); err != nil {
			r.logger.Debug("container removal", "container", name, "error", err)
		}
	}()

	if p.exited() {
		return
	}
	if cause == nil && p.waitFor(r.cfg.StopGrace) {
		return
	}

	r.logger.Debug("terminating verifier", "pid", p.cmd.Process.Pid, "cause", cause)
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("signal verifier", "error", err)
	}
	if p.waitFor(termWait) {
		return
	}

	r.logger.Warn("killing verifier", "pid", p.cmd.Process.Pid)
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.logger.Warn("kill verifier", "error", err)
	}
	if !p.waitFor(killWait) {
		r.logger.Error("verifier did not exit after kill", "pid", p.cmd.Process.Pid)
	}
}

func dockerRemove(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker rm -f %s: %w: %s", name, err, out)
	}
	return nil
}

// ReportFiles lists the files the engine left in the report directory.
func (r *Runner) ReportFiles() ([]string, error) {
	if r.cfg.ReportDir == "" {
		return nil, nil
	}
	var files []string
	err := filepath.WalkDir(r.cfg.ReportDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	return files, nil
}
