// Package config loads the asyncverify configuration file.
//
// Defaults are applied first, then the optional YAML file, then command
// line flags (applied by the CLI). The resulting Config is passed
// explicitly to the orchestrator; nothing reads configuration globally.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncverify/internal/infra"
	"github.com/roach88/asyncverify/internal/lock"
	"github.com/roach88/asyncverify/internal/logging"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/verifier"
)

// DefaultFile is the configuration file looked up in the working directory
// when none is named.
const DefaultFile = "asyncverify.yaml"

// Config is the complete run configuration.
type Config struct {
	Selection Selection `mapstructure:"selection"`

	// Strategy is one of overlay.StrategyNames.
	Strategy string `mapstructure:"strategy"`

	Paths    Paths            `mapstructure:"paths"`
	Endpoint overlay.Endpoint `mapstructure:"endpoint"`
	Verifier verifier.Config  `mapstructure:"verifier"`
	Infra    infra.Config     `mapstructure:"infra"`
	Lock     lock.Config      `mapstructure:"lock"`

	// History is the run ledger database; empty disables recording.
	History string `mapstructure:"history"`

	// MetricsTextfile receives the run metrics after each command; empty
	// disables it.
	MetricsTextfile string `mapstructure:"metrics-textfile"`

	// KeepArtifacts leaves overlay files and mutated specs behind.
	KeepArtifacts bool `mapstructure:"keep-artifacts"`

	LogLevel string `mapstructure:"log-level"`
}

// Selection names the protocol pair, either directly or through a profile.
type Selection struct {
	Receive string `mapstructure:"receive-protocol"`
	Send    string `mapstructure:"send-protocol"`

	// Profile is a pair name such as "amqp-kafka".
	Profile string `mapstructure:"profile"`
}

// Paths locates the inputs and per-run outputs.
type Paths struct {
	// Spec is the base specification file. The engine is given its
	// directory.
	Spec string `mapstructure:"spec"`

	// WorkDir holds one directory per run for overlay artifacts.
	WorkDir string `mapstructure:"work-dir"`

	// Assets is an optional directory of extra precomputed overlays, named
	// "<receive>-<send>.yaml". They take precedence over the built-in set.
	Assets string `mapstructure:"assets"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Strategy: overlay.StrategyDocument,
		Paths: Paths{
			Spec:    filepath.Join("spec", "spec.yaml"),
			WorkDir: filepath.Join(".asyncverify", "runs"),
		},
		Endpoint: overlay.DefaultEndpoint(),
		Verifier: verifier.DefaultConfig(),
		Infra:    infra.DefaultConfig(),
		Lock:     lock.DefaultConfig(),
		History:  filepath.Join(".asyncverify", "history.db"),
		LogLevel: "info",
	}
}

// Load reads path over the defaults. Unknown keys are an error. A missing
// file is an error too; use LoadOptional for the implicit default file.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

func decode(data []byte, cfg *Config) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if raw == nil {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(" "),
		),
		ErrorUnused: true,
		ZeroFields:  true,
		Result:      cfg,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if !slices.Contains(overlay.StrategyNames, c.Strategy) {
		errs = append(errs, fmt.Errorf("strategy %q must be one of %v", c.Strategy, overlay.StrategyNames))
	}
	if c.Paths.Spec == "" {
		errs = append(errs, errors.New("paths.spec is required"))
	}
	if c.Paths.WorkDir == "" {
		errs = append(errs, errors.New("paths.work-dir is required"))
	}
	if c.Endpoint.BaseURL == "" {
		errs = append(errs, errors.New("endpoint.base-url is required"))
	}
	if c.Endpoint.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("endpoint.timeout-seconds must be positive"))
	}
	if err := c.Verifier.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Infra.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Lock.Key == "" {
		errs = append(errs, errors.New("lock.key is required"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ResolveSelection returns the pair to run. A profile and explicit
// protocols may both be given only when they agree.
func (c Config) ResolveSelection() (overlay.Selection, error) {
	return c.Selection.Resolve()
}

// Resolve returns the pair s names.
func (s Selection) Resolve() (overlay.Selection, error) {
	explicit := overlay.Selection{Receive: s.Receive, Send: s.Send}
	if s.Profile == "" {
		if s.Receive == "" || s.Send == "" {
			return overlay.Selection{}, errors.New("a protocol pair is required: set receive-protocol and send-protocol, or a profile")
		}
		if err := explicit.Validate(); err != nil {
			return overlay.Selection{}, err
		}
		return explicit, nil
	}

	sel, err := overlay.ParseKey(s.Profile)
	if err != nil {
		return overlay.Selection{}, err
	}
	if (s.Receive != "" && s.Receive != sel.Receive) || (s.Send != "" && s.Send != sel.Send) {
		return overlay.Selection{}, fmt.Errorf("profile %s conflicts with %s", s.Profile, explicit)
	}
	return sel, nil
}

// SpecDir is the directory mounted into the engine.
func (c Config) SpecDir() string {
	return filepath.Dir(c.Paths.Spec)
}

// AssetSources returns the filesystems searched for precomputed overlays,
// the configured directory first.
func (c Config) AssetSources() []fs.FS {
	var sources []fs.FS
	if c.Paths.Assets != "" {
		sources = append(sources, os.DirFS(c.Paths.Assets))
	}
	return append(sources, overlay.EmbeddedAssets())
}
