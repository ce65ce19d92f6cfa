package verifier

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Mode selects how the verification engine is launched.
type Mode string

const (
	// ModeDocker runs the engine image with docker.
	ModeDocker Mode = "docker"
	// ModeExec runs a local command, e.g. the engine jar under java.
	ModeExec Mode = "exec"
)

// Container paths the engine image expects.
const (
	containerRoot       = "/usr/src/app"
	containerSpecDir    = containerRoot + "/spec"
	containerConfig     = containerRoot + "/specmatic.yaml"
	containerOverlay    = containerRoot + "/overlay.yaml"
	containerReportDir  = containerRoot + "/build/reports/specmatic"
	containerOverlayArg = "overlay.yaml"
)

// Config describes the engine and the bounds placed on it.
type Config struct {
	Mode Mode `mapstructure:"mode"`

	// Image is the engine image (docker mode).
	Image string `mapstructure:"image"`

	// Pull always pulls the image before running (docker mode).
	Pull bool `mapstructure:"pull"`

	// Network is the docker network mode; host lets the engine reach the
	// service and brokers on localhost.
	Network string `mapstructure:"network"`

	// Command is the argv prefix (exec mode). "test" and the overlay flag
	// are appended.
	Command []string `mapstructure:"command"`

	// Dir is the working directory in exec mode. Empty means the directory
	// holding ConfigFile.
	Dir string `mapstructure:"dir"`

	// ConfigFile is the engine's own configuration, mounted read-only.
	ConfigFile string `mapstructure:"config-file"`

	// ReportDir receives the engine's reports.
	ReportDir string `mapstructure:"report-dir"`

	Env map[string]string `mapstructure:"env"`

	StartupTimeout    time.Duration `mapstructure:"startup-timeout"`
	CompletionTimeout time.Duration `mapstructure:"completion-timeout"`
	Settle            time.Duration `mapstructure:"settle"`
	StopGrace         time.Duration `mapstructure:"stop-grace"`
}

// DefaultConfig runs the async engine image on the host network.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Mode:              ModeDocker,
		Image:             "specmatic/specmatic-async",
		Network:           "host",
		Command:           []string{"java", "-jar", filepath.Join(home, ".specmatic", "specmatic.jar")},
		ConfigFile:        "specmatic.yaml",
		ReportDir:         filepath.Join("build", "reports", "specmatic"),
		StartupTimeout:    5 * time.Minute,
		CompletionTimeout: 3 * time.Minute,
		Settle:            2 * time.Second,
		StopGrace:         10 * time.Second,
	}
}

// Validate rejects configurations that cannot launch an engine.
func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeDocker:
		if c.Image == "" {
			errs = append(errs, errors.New("verifier.image is required in docker mode"))
		}
	case ModeExec:
		if len(c.Command) == 0 || c.Command[0] == "" {
			errs = append(errs, errors.New("verifier.command is required in exec mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("verifier.mode %q must be %s or %s", c.Mode, ModeDocker, ModeExec))
	}
	for name, d := range map[string]time.Duration{
		"startup-timeout":    c.StartupTimeout,
		"completion-timeout": c.CompletionTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("verifier.%s must be positive", name))
		}
	}
	if c.Settle < 0 || c.StopGrace < 0 {
		errs = append(errs, errors.New("verifier.settle and verifier.stop-grace must not be negative"))
	}
	return errors.Join(errs...)
}

// Invocation is what a single run points the engine at.
type Invocation struct {
	RunID string

	// SpecDir holds the specification the engine loads.
	SpecDir string

	// OverlayPath is layered over the spec when set.
	OverlayPath string
}

// ContainerName is the docker container name for a run, or "" when the
// run has no ID.
func ContainerName(runID string) string {
	if runID == "" {
		return ""
	}
	return "asyncverify-" + runID
}

// Argv builds the engine argv for inv.
func (c Config) Argv(inv Invocation) ([]string, error) {
	switch c.Mode {
	case ModeDocker:
		return c.dockerCommand(inv)
	case ModeExec:
		return c.execCommand(inv)
	default:
		return nil, fmt.Errorf("unknown verifier mode %q", c.Mode)
	}
}

func (c Config) dockerCommand(inv Invocation) ([]string, error) {
	argv := []string{"docker", "run", "--rm"}
	if name := ContainerName(inv.RunID); name != "" {
		argv = append(argv, "--name", name)
	}
	if c.Network != "" {
		argv = append(argv, "--network", c.Network)
	}
	if c.Pull {
		argv = append(argv, "--pull", "always")
	}

	mounts := []struct {
		host, container string
		readOnly        bool
	}{
		{c.ConfigFile, containerConfig, true},
		{inv.SpecDir, containerSpecDir, true},
		{inv.OverlayPath, containerOverlay, true},
		{c.ReportDir, containerReportDir, false},
	}
	for _, m := range mounts {
		if m.host == "" {
			continue
		}
		abs, err := filepath.Abs(m.host)
		if err != nil {
			return nil, fmt.Errorf("resolve mount %s: %w", m.host, err)
		}
		spec := abs + ":" + m.container
		if m.readOnly {
			spec += ":ro"
		}
		argv = append(argv, "-v", spec)
	}

	for _, kv := range sortedEnv(c.Env) {
		argv = append(argv, "-e", kv)
	}

	argv = append(argv, c.Image, "test")
	if inv.OverlayPath != "" {
		argv = append(argv, "--overlay="+containerOverlayArg)
	}
	return argv, nil
}

func (c Config) execCommand(inv Invocation) ([]string, error) {
	if len(c.Command) == 0 {
		return nil, errors.New("no verifier command configured")
	}
	argv := append(append([]string{}, c.Command...), "test")
	if inv.OverlayPath != "" {
		abs, err := filepath.Abs(inv.OverlayPath)
		if err != nil {
			return nil, fmt.Errorf("resolve overlay %s: %w", inv.OverlayPath, err)
		}
		argv = append(argv, "--overlay="+abs)
	}
	return argv, nil
}

// workDir is where an exec-mode engine runs.
func (c Config) workDir() string {
	if c.Dir != "" {
		return c.Dir
	}
	if c.ConfigFile != "" {
		return filepath.Dir(c.ConfigFile)
	}
	return ""
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// quoteArgv renders argv for logs.
func quoteArgv(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}
