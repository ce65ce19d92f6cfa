package overlay

import (
	"errors"
	"fmt"
)

// MutationCode categorizes specification mutation failures.
type MutationCode string

const (
	// CodeMissingChannel indicates a topology channel is absent from the base document.
	CodeMissingChannel MutationCode = "MISSING_CHANNEL"

	// CodeMissingOperation indicates an augmented operation is absent from the base document.
	CodeMissingOperation MutationCode = "MISSING_OPERATION"

	// CodeMissingServerBinding indicates a channel has no servers[0] to rebind.
	CodeMissingServerBinding MutationCode = "MISSING_SERVER_BINDING"

	// CodeUnknownServer indicates the selected protocol's server is not declared.
	CodeUnknownServer MutationCode = "UNKNOWN_SERVER"

	// CodeInvalidPath indicates a malformed path expression.
	CodeInvalidPath MutationCode = "INVALID_PATH"

	// CodeInvalidProtocol indicates an empty or malformed protocol name.
	CodeInvalidProtocol MutationCode = "INVALID_PROTOCOL"

	// CodeUnsupportedPair indicates no precomputed artifact exists for the pair.
	CodeUnsupportedPair MutationCode = "UNSUPPORTED_PAIR"

	// CodeInvalidArtifact indicates an overlay artifact failed validation.
	CodeInvalidArtifact MutationCode = "INVALID_ARTIFACT"

	// CodeApplyFailed indicates an action could not be applied to the document.
	CodeApplyFailed MutationCode = "APPLY_FAILED"

	// CodeUnknownStrategy indicates a strategy name outside StrategyNames.
	CodeUnknownStrategy MutationCode = "UNKNOWN_STRATEGY"

	// CodeBaseDocument indicates the base document could not be read or parsed.
	CodeBaseDocument MutationCode = "BASE_DOCUMENT"
)

// MutationError reports a failure to prepare the specification for a run.
// It always aborts the run before the verifier is launched.
type MutationError struct {
	Code MutationCode

	// Subject names the channel, operation, server, path or pair involved.
	Subject string

	Message string

	Err error
}

func (e *MutationError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Subject != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Subject)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

func mutationError(code MutationCode, subject, format string, args ...any) *MutationError {
	return &MutationError{Code: code, Subject: subject, Message: fmt.Sprintf(format, args...)}
}

// IsMutationError reports whether err (or anything it wraps) is a MutationError.
func IsMutationError(err error) bool {
	var me *MutationError
	return errors.As(err, &me)
}

// MutationCodeOf returns the code of the first MutationError in err's chain,
// or "" if there is none.
func MutationCodeOf(err error) MutationCode {
	var me *MutationError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}
