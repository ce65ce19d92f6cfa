package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/asyncverify/internal/config"
	"github.com/roach88/asyncverify/internal/orchestrator"
	"github.com/roach88/asyncverify/internal/overlay"
)

// Suite is a named list of runs performed against one acquisition of the
// infrastructure.
type Suite struct {
	// Name uniquely identifies this suite in the run ledger.
	Name string `yaml:"name"`

	// Description explains what this suite covers.
	Description string `yaml:"description,omitempty"`

	// Spec overrides the configured base specification.
	// Relative paths are resolved against the suite file's directory.
	Spec string `yaml:"spec,omitempty"`

	// Strategy is the default strategy for runs that do not name one.
	// Empty means the configured strategy.
	Strategy string `yaml:"strategy,omitempty"`

	// Runs are performed in order.
	Runs []RunEntry `yaml:"runs"`
}

// RunEntry is one run. The pair is given either by receive and send or by
// a profile such as "sqs-kafka".
type RunEntry struct {
	// Name labels the run; it defaults to the pair name.
	Name string `yaml:"name,omitempty"`

	Receive string `yaml:"receive,omitempty"`
	Send    string `yaml:"send,omitempty"`
	Profile string `yaml:"profile,omitempty"`

	// Strategy overrides the suite's default.
	Strategy string `yaml:"strategy,omitempty"`
}

// LoadSuite reads and parses a suite YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or names an invalid run.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}

	suite, err := ParseSuite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if suite.Spec != "" && !filepath.IsAbs(suite.Spec) {
		suite.Spec = filepath.Join(filepath.Dir(path), suite.Spec)
	}
	return suite, nil
}

// ParseSuite decodes and validates a suite document.
func ParseSuite(data []byte) (*Suite, error) {
	// Strict field validation catches typos like "run:" vs "runs:"
	var suite Suite
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&suite); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateSuite(&suite); err != nil {
		return nil, fmt.Errorf("invalid suite: %w", err)
	}
	return &suite, nil
}

// validateSuite checks that required fields are present and valid.
func validateSuite(s *Suite) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Runs) == 0 {
		return fmt.Errorf("runs list is required and must be non-empty")
	}
	if s.Strategy != "" && !slices.Contains(overlay.StrategyNames, s.Strategy) {
		return fmt.Errorf("strategy %q must be one of %v", s.Strategy, overlay.StrategyNames)
	}

	seen := make(map[string]int, len(s.Runs))
	for i, r := range s.Runs {
		sel, err := r.selection()
		if err != nil {
			return fmt.Errorf("runs[%d]: %w", i, err)
		}
		if r.Strategy != "" && !slices.Contains(overlay.StrategyNames, r.Strategy) {
			return fmt.Errorf("runs[%d]: strategy %q must be one of %v", i, r.Strategy, overlay.StrategyNames)
		}

		name := r.Name
		if name == "" {
			name = sel.Key()
		}
		if prev, dup := seen[name]; dup {
			return fmt.Errorf("runs[%d]: name %q already used by runs[%d]", i, name, prev)
		}
		seen[name] = i
	}
	return nil
}

func (r RunEntry) selection() (overlay.Selection, error) {
	return config.Selection{Receive: r.Receive, Send: r.Send, Profile: r.Profile}.Resolve()
}

// Targets returns the orchestrator targets for the suite's runs.
func (s *Suite) Targets() ([]orchestrator.Target, error) {
	targets := make([]orchestrator.Target, 0, len(s.Runs))
	for i, r := range s.Runs {
		sel, err := r.selection()
		if err != nil {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
		strategy := r.Strategy
		if strategy == "" {
			strategy = s.Strategy
		}
		targets = append(targets, orchestrator.Target{Name: r.Name, Selection: sel, Strategy: strategy})
	}
	return targets, nil
}

// SingleRun wraps one selection as a suite, which is how the run command
// brackets a single run with the infrastructure lifecycle.
func SingleRun(name string, sel overlay.Selection) *Suite {
	return &Suite{
		Name: name,
		Runs: []RunEntry{{Receive: sel.Receive, Send: sel.Send}},
	}
}
