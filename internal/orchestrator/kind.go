package orchestrator

import (
	"context"
	"errors"

	"github.com/roach88/asyncverify/internal/infra"
	"github.com/roach88/asyncverify/internal/lock"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
	"github.com/roach88/asyncverify/internal/verifier"
)

// FailureKind names why a run did not pass.
type FailureKind string

const (
	// KindSpecMutation: the spec could not be prepared. The engine never ran.
	KindSpecMutation FailureKind = "SPEC_MUTATION_FAILURE"

	// KindInfraStartup: the broker infrastructure did not come up.
	KindInfraStartup FailureKind = "INFRASTRUCTURE_STARTUP_FAILURE"

	// KindVerifierStartupTimeout: the engine printed nothing before the
	// startup timeout.
	KindVerifierStartupTimeout FailureKind = "VERIFIER_STARTUP_TIMEOUT"

	// KindVerificationTimeout: the engine printed no terminal marker before
	// the completion timeout.
	KindVerificationTimeout FailureKind = "VERIFICATION_TIMEOUT"

	// KindVerifierExited: the engine exited before a terminal marker.
	KindVerifierExited FailureKind = "VERIFIER_EXITED"

	// KindVerifierLaunch: the engine process could not be started.
	KindVerifierLaunch FailureKind = "VERIFIER_LAUNCH_FAILURE"

	// KindRunLock: another run held the run lock until ctx was done.
	KindRunLock FailureKind = "RUN_LOCK_FAILURE"

	// KindCanceled: the run was interrupted.
	KindCanceled FailureKind = "CANCELED"

	// KindInternal covers any other error, such as an unwritable work
	// directory.
	KindInternal FailureKind = "INTERNAL"

	// KindContractViolation: the engine ran and reported failures.
	KindContractViolation FailureKind = "CONTRACT_VIOLATION"

	// KindIndeterminate: the engine ran but its output has no usable
	// summary.
	KindIndeterminate FailureKind = "INDETERMINATE"
)

// Environment reports whether the kind means the tooling or the
// infrastructure broke, as opposed to the contract or the configuration.
func (k FailureKind) Environment() bool {
	switch k {
	case KindSpecMutation, KindContractViolation, KindIndeterminate, "":
		return false
	default:
		return true
	}
}

// KindOf maps an error returned by a run to its failure kind. A nil error
// has no kind.
func KindOf(err error) FailureKind {
	var (
		mutationErr *overlay.MutationError
		schemaErr   *spec.SchemaError
		startupErr  *infra.StartupError
		timeoutErr  *verifier.TimeoutError
		exitErr     *verifier.ExitError
		launchErr   *verifier.LaunchError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &mutationErr), errors.As(err, &schemaErr):
		return KindSpecMutation
	case errors.As(err, &startupErr):
		return KindInfraStartup
	case errors.As(err, &timeoutErr):
		if timeoutErr.Phase == verifier.PhaseStartup {
			return KindVerifierStartupTimeout
		}
		return KindVerificationTimeout
	case errors.As(err, &exitErr):
		return KindVerifierExited
	case errors.As(err, &launchErr):
		return KindVerifierLaunch
	case errors.Is(err, lock.ErrLockAcquire):
		return KindRunLock
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// tailOf returns the output tail carried by a verifier error.
func tailOf(err error) []string {
	var (
		timeoutErr *verifier.TimeoutError
		exitErr    *verifier.ExitError
	)
	switch {
	case errors.As(err, &timeoutErr):
		return timeoutErr.Tail
	case errors.As(err, &exitErr):
		return exitErr.Tail
	}
	return nil
}
