package orchestrator

import (
	"time"

	"github.com/roach88/asyncverify/internal/outcome"
	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/verifier"
)

// VerdictError is recorded for runs that ended in an error before the
// output could be classified.
const VerdictError outcome.Verdict = "ERROR"

// Target is one run to perform.
type Target struct {
	// Name labels the run in suite output; it defaults to the pair key.
	Name string `json:"name"`

	Selection overlay.Selection `json:"selection"`

	// Strategy overrides the configured strategy when set.
	Strategy string `json:"strategy,omitempty"`
}

func (t Target) label() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Selection.Key()
}

// Report is the externally visible result of a run. Every run produces
// exactly one, whether it passed, failed or errored.
type Report struct {
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Suite     string            `json:"suite,omitempty"`
	Selection overlay.Selection `json:"selection"`
	Strategy  string            `json:"strategy"`

	Fingerprint string `json:"fingerprint,omitempty"`

	// OverlayPath is only reported when artifacts are kept.
	OverlayPath string `json:"overlay_path,omitempty"`

	Verdict     outcome.Verdict `json:"verdict"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`

	// Detail is the classification reason or the error message.
	Detail string `json:"detail,omitempty"`

	// Excerpt is the engine output that decided a failure, or the tail of
	// the output for environment failures.
	Excerpt []string `json:"excerpt,omitempty"`

	Passed int `json:"passed"`
	Failed int `json:"failed"`

	Verifier *verifier.Result `json:"verifier,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	// Err is the error the run ended with, if any.
	Err error `json:"-"`
}

// OK reports whether the run passed.
func (r *Report) OK() bool {
	return r.Verdict == outcome.Success
}

// SuiteResult collects the reports of a suite.
type SuiteResult struct {
	Name    string    `json:"name"`
	Reports []*Report `json:"reports"`

	// ReleaseError is set when the infrastructure could not be torn down.
	ReleaseError string `json:"release_error,omitempty"`
}

// OK reports whether every run in the suite passed.
func (s *SuiteResult) OK() bool {
	if len(s.Reports) == 0 {
		return false
	}
	for _, r := range s.Reports {
		if !r.OK() {
			return false
		}
	}
	return true
}

// Worst returns the failure kind that decides the suite's exit status:
// environment failures first, then spec mutation, then contract failures.
func (s *SuiteResult) Worst() FailureKind {
	var worst FailureKind
	rank := func(k FailureKind) int {
		switch {
		case k == "":
			return 0
		case k.Environment():
			return 3
		case k == KindSpecMutation:
			return 2
		default:
			return 1
		}
	}
	for _, r := range s.Reports {
		if rank(r.FailureKind) > rank(worst) {
			worst = r.FailureKind
		}
	}
	return worst
}
