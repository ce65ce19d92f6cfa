package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/config"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
)

// OverlayResult describes a generated or loaded overlay artifact.
type OverlayResult struct {
	Pair        string   `json:"pair"`
	Strategy    string   `json:"strategy"`
	Fingerprint string   `json:"fingerprint"`
	Targets     []string `json:"targets"`
	Path        string   `json:"path,omitempty"`
	Artifact    string   `json:"artifact"`
}

// OverlayOptions holds flags for the overlay command.
type OverlayOptions struct {
	*RootOptions
	Selection SelectionFlags
	Output    string
}

// NewOverlayCommand creates the overlay command.
func NewOverlayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OverlayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Print the overlay artifact for a protocol pair",
		Long: `Print the overlay artifact a run would hand to the engine.

The artifact is generated from the base specification, or with
--strategy precomputed taken from the precomputed set. Generation checks
the base specification exactly as a run does, so a missing channel or
undeclared server fails here too.

Example:
  asyncverify overlay --receive amqp --send kafka
  asyncverify overlay --profile sqs-kafka --strategy precomputed -o overlay.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOverlay(opts, cmd)
		},
	}

	opts.Selection.register(cmd)
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the artifact to this file instead of stdout")

	return cmd
}

func runOverlay(opts *OverlayOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}
	opts.Selection.apply(&cfg)
	if !slices.Contains(overlay.StrategyNames, cfg.Strategy) {
		return configError(formatter, fmt.Errorf("strategy %q must be one of %v", cfg.Strategy, overlay.StrategyNames))
	}

	sel, err := cfg.ResolveSelection()
	if err != nil {
		return configError(formatter, err)
	}

	result, err := buildArtifact(cfg, sel)
	if err != nil {
		return mutationFailure(formatter, err)
	}

	if opts.Output != "" {
		if err := writeOutput(opts.Output, []byte(result.Artifact)); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeWriteFailed+": cannot write overlay", err)
		}
		result.Path = opts.Output
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if opts.Output == "" {
		fmt.Fprint(formatter.Writer, result.Artifact)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ Wrote %s overlay for %s to %s\n", result.Strategy, result.Pair, result.Path)
	formatter.VerboseLog("fingerprint %s", result.Fingerprint)
	return nil
}

// buildArtifact produces the artifact the configured strategy would use.
// The in-place strategy writes no artifact of its own, so it is shown the
// generated one.
func buildArtifact(cfg config.Config, sel overlay.Selection) (*OverlayResult, error) {
	result := &OverlayResult{Pair: sel.Key(), Strategy: cfg.Strategy}

	if cfg.Strategy == overlay.StrategyPrecomputed {
		artifact, data, err := overlay.NewPrecomputed(cfg.AssetSources()).Load(sel)
		if err != nil {
			return nil, err
		}
		actions, err := overlay.ActionsOf(artifact)
		if err != nil {
			return nil, err
		}
		if result.Fingerprint, err = overlay.Fingerprint(actions); err != nil {
			return nil, err
		}
		result.Targets = overlay.Targets(artifact)
		result.Artifact = string(data)
		return result, nil
	}

	base, err := spec.Load(cfg.Paths.Spec)
	if err != nil {
		return nil, &overlay.MutationError{Code: overlay.CodeBaseDocument, Subject: cfg.Paths.Spec, Message: "cannot load base document", Err: err}
	}
	actions, err := overlay.NewBuilder(overlay.WithEndpoint(cfg.Endpoint)).Build(sel, base)
	if err != nil {
		return nil, err
	}
	if result.Fingerprint, err = overlay.Fingerprint(actions); err != nil {
		return nil, err
	}
	artifact := overlay.Render(actions, overlay.InfoFor(sel))
	data, err := overlay.Encode(artifact)
	if err != nil {
		return nil, err
	}
	result.Targets = overlay.Targets(artifact)
	result.Artifact = string(data)
	return result, nil
}

// ApplyResult describes a specification with an overlay applied.
type ApplyResult struct {
	Spec     string   `json:"spec"`
	Overlay  string   `json:"overlay"`
	Actions  int      `json:"actions"`
	Warnings []string `json:"warnings,omitempty"`
	Path     string   `json:"path,omitempty"`
	Document string   `json:"document"`
}

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Spec   string
	Output string
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <overlay-file>",
		Short: "Apply an overlay artifact to the specification",
		Long: `Apply an overlay artifact to the base specification and print the
result. The base file is never modified.

Every action must match a node, and every channel must resolve to a
declared server afterwards; otherwise nothing is printed.

Example:
  asyncverify apply overlay.yaml
  asyncverify apply overlay.yaml --spec spec/spec.yaml -o /tmp/bound.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Spec, "spec", "", "base specification file")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the result to this file instead of stdout")

	return cmd
}

func runApply(opts *ApplyOptions, overlayPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}
	specPath := cfg.Paths.Spec
	if opts.Spec != "" {
		specPath = opts.Spec
	}

	data, err := os.ReadFile(overlayPath)
	if err != nil {
		return notFound(formatter, overlayPath, err)
	}
	artifact, err := overlay.Decode(data)
	if err != nil {
		return mutationFailure(formatter, err)
	}

	doc, err := spec.Load(specPath)
	if err != nil {
		_ = formatter.Error(ErrCodeSpec, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeSpec+": cannot load spec", err)
	}

	warnings, err := overlay.ApplyStrict(artifact, doc.Node())
	if err == nil {
		err = doc.Refresh()
	}
	if err == nil {
		err = doc.Validate()
	}
	if err != nil {
		return mutationFailure(formatter, err)
	}
	for _, w := range warnings {
		formatter.VerboseLog("warning: %s", w)
	}

	out, err := doc.Encode()
	if err != nil {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
		return WrapExitError(ExitCommandError, ErrCodeGeneric+": cannot encode result", err)
	}

	result := ApplyResult{
		Spec:     specPath,
		Overlay:  overlayPath,
		Actions:  len(artifact.Actions),
		Warnings: warnings,
		Document: string(out),
	}
	if opts.Output != "" {
		if err := writeOutput(opts.Output, out); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, ErrCodeWriteFailed+": cannot write result", err)
		}
		result.Path = opts.Output
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	if opts.Output == "" {
		fmt.Fprint(formatter.Writer, result.Document)
		return nil
	}
	fmt.Fprintf(formatter.Writer, "✓ Applied %d action(s) to %s, wrote %s\n", result.Actions, specPath, result.Path)
	return nil
}

// mutationFailure reports an overlay that could not be built or applied.
// Shape violations of the result are listed as details.
func mutationFailure(f *OutputFormatter, err error) error {
	var details any
	var schemaErr *spec.SchemaError
	if errors.As(err, &schemaErr) {
		details = schemaErr.Issues
	} else if code := overlay.MutationCodeOf(err); code != "" {
		details = map[string]string{"mutation_code": string(code)}
	}
	_ = f.Error(ErrCodeMutation, err.Error(), details)
	return WrapExitError(ExitCommandError, ErrCodeMutation+": spec mutation failed", err)
}

func notFound(f *OutputFormatter, path string, err error) error {
	_ = f.Error(ErrCodeNotFound, fmt.Sprintf("cannot read %s", path), nil)
	return WrapExitError(ExitCommandError, ErrCodeNotFound+": not found", err)
}

func writeOutput(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
