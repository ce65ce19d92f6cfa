package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Spec     string       `json:"spec"`
	Valid    bool         `json:"valid"`
	Channels int          `json:"channels"`
	Errors   []spec.Issue `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [spec-file]",
		Short: "Validate the base specification",
		Long: `Validate the base specification without running anything.

Checks the document shape protocol rebinding depends on (channels with
servers[0] references, servers with a protocol, operations), that every
channel reference resolves to a declared server, and that every channel
and operation the overlay targets is present.

The file defaults to paths.spec from the configuration.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, args []string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	cfg, err := opts.loadConfig()
	if err != nil {
		return configError(formatter, err)
	}
	path := cfg.Paths.Spec
	if len(args) == 1 {
		path = args[0]
	}

	doc, err := spec.Load(path)
	if err != nil {
		return outputValidateError(formatter, ErrCodeSpec, err.Error(), nil)
	}
	formatter.VerboseLog("Loaded %s with %d channel(s)", path, len(doc.ChannelNames()))

	var issues []spec.Issue
	var schemaErr *spec.SchemaError
	if err := doc.Validate(); errors.As(err, &schemaErr) {
		issues = append(issues, schemaErr.Issues...)
	} else if err != nil {
		return outputValidateError(formatter, ErrCodeSpec, err.Error(), nil)
	}
	issues = append(issues, topologyIssues(doc, overlay.OrderTopology())...)

	result := ValidationResult{
		Spec:     path,
		Valid:    len(issues) == 0,
		Channels: len(doc.ChannelNames()),
		Errors:   issues,
	}
	if !result.Valid {
		return outputValidationErrors(formatter, result)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "✓ %s is valid (%d channels)\n", path, result.Channels)
	return nil
}

// topologyIssues lists the channels and operations the overlay rebinds or
// augments that the document does not declare.
func topologyIssues(doc *spec.Document, topo overlay.Topology) []spec.Issue {
	var issues []spec.Issue
	for _, name := range append(append([]string{}, topo.Inbound...), topo.Outbound...) {
		if _, ok := doc.Channel(name); !ok {
			issues = append(issues, spec.Issue{Path: "channels." + name, Message: "channel is not declared"})
		}
	}
	for _, name := range []string{topo.TriggerOperation, topo.SideEffectOperation} {
		if _, ok := doc.Operation(name); !ok {
			issues = append(issues, spec.Issue{Path: "operations." + name, Message: "operation is not declared"})
		}
	}
	return issues
}

// outputValidateError outputs a single validation error.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	// Unreadable documents are command-level errors (exit code 2)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs every issue found.
func outputValidationErrors(formatter *OutputFormatter, result ValidationResult) error {
	errs := result.Errors
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   result,
			Error: &CLIError{
				Code:    ErrCodeSpec,
				Message: errs[0].String(),
			},
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	// Text format
	fmt.Fprintf(formatter.Writer, "✗ %s is invalid\n", result.Spec)
	fmt.Fprintln(formatter.Writer)

	for _, issue := range errs {
		fmt.Fprintf(formatter.Writer, "  %s\n", issue)
	}

	// Validation failures = exit code 1
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
