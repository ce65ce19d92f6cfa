package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/roach88/asyncverify/internal/logging"
)

// Compose drives docker compose.
type Compose struct {
	cfg    Config
	logger *slog.Logger
}

// NewCompose creates a compose provisioner. A nil logger discards.
func NewCompose(cfg Config, logger *slog.Logger) *Compose {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Compose{cfg: cfg, logger: logger}
}

// Name implements Provisioner.
func (c *Compose) Name() string { return ModeCompose }

// Up starts the services detached.
func (c *Compose) Up(ctx context.Context) error {
	return c.run(ctx, "up", "-d")
}

// Down stops the services and removes their volumes.
func (c *Compose) Down(ctx context.Context) error {
	return c.run(ctx, "down", "-v", "--remove-orphans")
}

func (c *Compose) args(sub ...string) []string {
	argv := append([]string{}, c.cfg.Command...)
	argv = append(argv, "-f", c.cfg.File)
	if c.cfg.Project != "" {
		argv = append(argv, "-p", c.cfg.Project)
	}
	return append(argv, sub...)
}

func (c *Compose) run(ctx context.Context, sub ...string) error {
	argv := c.args(sub...)
	c.logger.Debug("compose", "argv", strings.Join(argv, " "))

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(sub, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
