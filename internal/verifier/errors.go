package verifier

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the stage of a run a failure happened in.
type Phase string

const (
	// PhaseStartup waits for the engine's first output.
	PhaseStartup Phase = "startup"
	// PhaseCompletion waits for a terminal marker.
	PhaseCompletion Phase = "completion"
)

// TimeoutError reports a bounded wait that expired. The engine has been
// stopped by the time it is returned.
type TimeoutError struct {
	Phase Phase
	Limit time.Duration
	Tail  []string
}

func (e *TimeoutError) Error() string {
	if e.Phase == PhaseStartup {
		return fmt.Sprintf("verifier did not start within %s", e.Limit)
	}
	return fmt.Sprintf("verifier produced no terminal outcome within %s", e.Limit)
}

// ExitError reports an engine that exited before printing a terminal marker.
type ExitError struct {
	Phase Phase
	Code  int
	Tail  []string
	Err   error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("verifier exited with code %d during %s before reporting an outcome", e.Code, e.Phase)
	if len(e.Tail) > 0 {
		msg += ": " + strings.Join(e.Tail, " | ")
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// LaunchError reports an engine process that could not be started.
type LaunchError struct {
	Command []string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch verifier %s: %v", quoteArgv(e.Command), e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a TimeoutError and, if so, its phase.
func IsTimeout(err error) (Phase, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te.Phase, true
	}
	return "", false
}
