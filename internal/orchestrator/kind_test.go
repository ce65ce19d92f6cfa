package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/asyncverify/internal/infra"
	"github.com/roach88/asyncverify/internal/lock"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
	"github.com/roach88/asyncverify/internal/verifier"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		want        FailureKind
		environment bool
	}{
		{"nil", nil, "", false},
		{"mutation", &overlay.MutationError{Code: overlay.CodeMissingChannel}, KindSpecMutation, false},
		{"wrapped mutation", fmt.Errorf("prepare: %w", &overlay.MutationError{Code: overlay.CodeUnsupportedPair}), KindSpecMutation, false},
		{"schema", &spec.SchemaError{Issues: []spec.Issue{{Message: "servers missing"}}}, KindSpecMutation, false},
		{"infra", &infra.StartupError{Provisioner: "compose", Err: errors.New("boom")}, KindInfraStartup, true},
		{"startup timeout", &verifier.TimeoutError{Phase: verifier.PhaseStartup, Limit: time.Minute}, KindVerifierStartupTimeout, true},
		{"completion timeout", &verifier.TimeoutError{Phase: verifier.PhaseCompletion, Limit: time.Minute}, KindVerificationTimeout, true},
		{"exited", &verifier.ExitError{Phase: verifier.PhaseCompletion, Code: 1}, KindVerifierExited, true},
		{"launch", &verifier.LaunchError{Command: []string{"java"}, Err: errors.New("not found")}, KindVerifierLaunch, true},
		{"lock", errors.Join(lock.ErrLockAcquire, context.DeadlineExceeded), KindRunLock, true},
		{"canceled", context.Canceled, KindCanceled, true},
		{"other", errors.New("disk full"), KindInternal, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := KindOf(tt.err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.environment, got.Environment())
		})
	}
}

func TestContractKindsAreNotEnvironment(t *testing.T) {
	assert.False(t, KindContractViolation.Environment())
	assert.False(t, KindIndeterminate.Environment())
}

func TestSuiteResult_Worst(t *testing.T) {
	s := &SuiteResult{Reports: []*Report{
		{Verdict: "SUCCESS"},
		{Verdict: "FAILURE", FailureKind: KindContractViolation},
		{Verdict: VerdictError, FailureKind: KindSpecMutation},
	}}
	assert.Equal(t, KindSpecMutation, s.Worst())
	assert.False(t, s.OK())

	s.Reports = append(s.Reports, &Report{Verdict: VerdictError, FailureKind: KindVerificationTimeout})
	assert.Equal(t, KindVerificationTimeout, s.Worst())

	assert.False(t, (&SuiteResult{}).OK(), "an empty suite never passes")
}
