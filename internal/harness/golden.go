package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/asyncverify/internal/overlay"
)

// PlanSnapshot captures a suite plan for golden comparison. Fingerprints
// are left out so the snapshot only changes when bindings do.
type PlanSnapshot struct {
	Suite string       `json:"suite"`
	Runs  []PlannedRun `json:"runs"`
}

// toCanonicalMap converts a PlanSnapshot to a map[string]any for canonical
// JSON serialization.
func (s *PlanSnapshot) toCanonicalMap() map[string]any {
	runs := make([]any, len(s.Runs))
	for i, r := range s.Runs {
		bindings := make(map[string]any, len(r.Bindings))
		for ch, ref := range r.Bindings {
			bindings[ch] = ref
		}
		runs[i] = map[string]any{
			"name":     r.Name,
			"pair":     r.Pair,
			"strategy": r.Strategy,
			"bindings": bindings,
		}
	}
	return map[string]any{
		"suite": s.Suite,
		"runs":  runs,
	}
}

// AssertPlanGolden compares a suite plan against
// testdata/golden/{suite}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func AssertPlanGolden(t *testing.T, suite string, plan []PlannedRun) error {
	t.Helper()

	snapshot := PlanSnapshot{Suite: suite, Runs: plan}
	data, err := overlay.MarshalCanonical(snapshot.toCanonicalMap())
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, suite, data)
	return nil
}
