package harness

import (
	"fmt"

	"github.com/roach88/asyncverify/internal/overlay"
	"github.com/roach88/asyncverify/internal/spec"
)

// PlannedRun is what a suite run will bind, computed without launching
// anything.
type PlannedRun struct {
	Name     string `json:"name"`
	Pair     string `json:"pair"`
	Strategy string `json:"strategy"`

	// Bindings maps each topology channel to its server reference.
	Bindings map[string]string `json:"bindings"`

	Fingerprint string `json:"fingerprint"`
}

// Plan builds every run's action set against base. Strategy-level checks
// such as a missing precomputed artifact are not part of the plan; they
// surface when the run is prepared.
func Plan(s *Suite, defaultStrategy string, base *spec.Document, b *overlay.Builder) ([]PlannedRun, error) {
	targets, err := s.Targets()
	if err != nil {
		return nil, err
	}

	plan := make([]PlannedRun, 0, len(targets))
	for _, t := range targets {
		actions, err := b.Build(t.Selection, base)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", t.Selection.Key(), err)
		}
		fingerprint, err := overlay.Fingerprint(actions)
		if err != nil {
			return nil, err
		}

		bindings := make(map[string]string)
		for _, bd := range b.Topology().Bindings(t.Selection) {
			bindings[bd.Channel] = bd.ServerRef
		}

		pr := PlannedRun{
			Name:        t.Name,
			Pair:        t.Selection.Key(),
			Strategy:    t.Strategy,
			Bindings:    bindings,
			Fingerprint: fingerprint,
		}
		if pr.Name == "" {
			pr.Name = pr.Pair
		}
		if pr.Strategy == "" {
			pr.Strategy = defaultStrategy
		}
		plan = append(plan, pr)
	}
	return plan, nil
}
