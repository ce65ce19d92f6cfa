package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/muesli/termenv"

	"github.com/roach88/asyncverify/internal/orchestrator"
	"github.com/roach88/asyncverify/internal/outcome"
)

// Exit codes for CLI commands.
const (
	ExitSuccess          = 0 // Every run passed
	ExitFailure          = 1 // Contract violation, indeterminate outcome or invalid document
	ExitCommandError     = 2 // Command, configuration or spec mutation error
	ExitEnvironmentError = 3 // Infrastructure, engine launch or timeout failure
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeConfig       = "E002" // Configuration invalid or unreadable
	ErrCodeSpec         = "E003" // Spec document unreadable or invalid
	ErrCodeMutation     = "E004" // Overlay could not be built or applied
	ErrCodeNotFound     = "E005" // Path or record not found
	ErrCodeVerification = "E006" // Contract violation or indeterminate outcome
	ErrCodeWriteFailed  = "E007" // File write error
	ErrCodeEnvironment  = "E008" // Infrastructure or engine failure
	ErrCodeHistory      = "E009" // Run ledger error
	ErrCodeSuite        = "E010" // Suite file unreadable or invalid
	ErrCodeInterrupted  = "E011" // Canceled by signal
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// ExitCodeFor maps a run's failure kind to the process exit code.
func ExitCodeFor(kind orchestrator.FailureKind) int {
	switch {
	case kind == "":
		return ExitSuccess
	case kind == orchestrator.KindSpecMutation:
		return ExitCommandError
	case kind.Environment():
		return ExitEnvironmentError
	default:
		return ExitFailure
	}
}

// errorCodeFor maps a failure kind to the CLIError code.
func errorCodeFor(kind orchestrator.FailureKind) string {
	switch {
	case kind == orchestrator.KindSpecMutation:
		return ErrCodeMutation
	case kind == orchestrator.KindCanceled:
		return ErrCodeInterrupted
	case kind.Environment():
		return ErrCodeEnvironment
	default:
		return ErrCodeVerification
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool

	term *termenv.Output
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload, or the partial result of a failure
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Failure outputs an error response that still carries a result, e.g. the
// reports of a suite in which some runs failed. Text output is left to the
// caller.
func (f *OutputFormatter) Failure(code, message string, data any) error {
	if f.Format != "json" {
		return nil
	}
	return json.NewEncoder(f.Writer).Encode(CLIResponse{
		Status: "error",
		Data:   data,
		Error: &CLIError{
			Code:    code,
			Message: message,
		},
	})
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// Verdict renders a verdict for text output, coloured when Writer is a
// terminal that supports it.
func (f *OutputFormatter) Verdict(v outcome.Verdict) string {
	if f.term == nil {
		f.term = termenv.NewOutput(f.Writer)
	}
	style := f.term.String(string(v)).Bold()
	switch v {
	case outcome.Success:
		style = style.Foreground(f.term.Color("2"))
	case outcome.Failure, orchestrator.VerdictError:
		style = style.Foreground(f.term.Color("1"))
	case outcome.Indeterminate:
		style = style.Foreground(f.term.Color("3"))
	}
	return style.String()
}
