// Package infra brings the message-broker infrastructure up for a suite of
// runs and guarantees it is torn down afterwards.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/asyncverify/internal/logging"
)

// Modes accepted by New.
const (
	ModeCompose = "compose"
	ModeNone    = "none"
)

// Config selects and configures the provisioner.
type Config struct {
	Mode string `mapstructure:"mode"`

	// File is the compose file.
	File string `mapstructure:"file"`

	// Project is the compose project name; empty lets compose derive it.
	Project string `mapstructure:"project"`

	// Command is the compose executable and any leading arguments.
	Command []string `mapstructure:"command"`

	// Settle is how long to wait after the services are up before the
	// first run, since brokers accept connections before they are usable.
	Settle time.Duration `mapstructure:"settle"`
}

// DefaultConfig uses docker compose with docker-compose.yml and a 20s
// settle delay.
func DefaultConfig() Config {
	return Config{
		Mode:    ModeCompose,
		File:    "docker-compose.yml",
		Command: []string{"docker", "compose"},
		Settle:  20 * time.Second,
	}
}

// Validate checks the mode and its required fields.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeNone:
	case ModeCompose:
		if c.File == "" {
			return errors.New("infra.file is required in compose mode")
		}
		if len(c.Command) == 0 {
			return errors.New("infra.command is required in compose mode")
		}
	default:
		return fmt.Errorf("infra.mode %q must be %s or %s", c.Mode, ModeCompose, ModeNone)
	}
	if c.Settle < 0 {
		return errors.New("infra.settle must not be negative")
	}
	return nil
}

// Provisioner starts and stops the shared infrastructure.
type Provisioner interface {
	Name() string
	Up(ctx context.Context) error
	Down(ctx context.Context) error
}

// New returns the provisioner cfg selects.
func New(cfg Config, logger *slog.Logger) (Provisioner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeNone {
		return Noop{}, nil
	}
	return NewCompose(cfg, logger), nil
}

// StartupError reports infrastructure that failed to come up. It is an
// environment failure, never a contract violation.
type StartupError struct {
	Provisioner string
	Err         error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start %s infrastructure: %v", e.Provisioner, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Handle is acquired infrastructure. Release must be called exactly once
// per Acquire on every path; further calls return the first result.
type Handle struct {
	p          Provisioner
	logger     *slog.Logger
	acquiredAt time.Time

	once sync.Once
	err  error
}

// Option configures Acquire.
type Option func(*acquireOptions)

type acquireOptions struct {
	settle time.Duration
	logger *slog.Logger
}

// WithSettle waits d after the infrastructure is up.
func WithSettle(d time.Duration) Option {
	return func(o *acquireOptions) {
		o.settle = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *acquireOptions) {
		o.logger = l
	}
}

// Acquire brings the infrastructure up and waits for it to settle. On any
// failure it makes a best-effort teardown before returning, so a nil Handle
// never leaves anything running.
func Acquire(ctx context.Context, p Provisioner, opts ...Option) (*Handle, error) {
	o := acquireOptions{logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	o.logger.Info("starting infrastructure", "provisioner", p.Name())
	if err := p.Up(ctx); err != nil {
		teardown(p, o.logger)
		return nil, &StartupError{Provisioner: p.Name(), Err: err}
	}

	if o.settle > 0 {
		o.logger.Debug("waiting for infrastructure to settle", "settle", o.settle)
		t := time.NewTimer(o.settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			teardown(p, o.logger)
			return nil, &StartupError{Provisioner: p.Name(), Err: ctx.Err()}
		}
	}

	return &Handle{p: p, logger: o.logger, acquiredAt: time.Now()}, nil
}

// teardown runs Down detached from the caller's context, which may already
// be done.
func teardown(p Provisioner, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := p.Down(ctx); err != nil {
		logger.Warn("infrastructure teardown failed", "provisioner", p.Name(), "error", err)
	}
}

// Provisioner returns the provisioner the handle controls.
func (h *Handle) Provisioner() string { return h.p.Name() }

// Release tears the infrastructure down.
func (h *Handle) Release(ctx context.Context) error {
	h.once.Do(func() {
		h.logger.Info("stopping infrastructure", "provisioner", h.p.Name(), "held", time.Since(h.acquiredAt).Round(time.Millisecond))
		if err := h.p.Down(ctx); err != nil {
			h.err = fmt.Errorf("stop %s infrastructure: %w", h.p.Name(), err)
		}
	})
	return h.err
}

// Noop is used when the infrastructure is managed elsewhere.
type Noop struct{}

// Name implements Provisioner.
func (Noop) Name() string { return ModeNone }

// Up implements Provisioner.
func (Noop) Up(context.Context) error { return nil }

// Down implements Provisioner.
func (Noop) Down(context.Context) error { return nil }
