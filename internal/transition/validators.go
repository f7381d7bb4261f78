package transition

import (
	"context"
	"fmt"

	"phaseline/internal/domain"
	"phaseline/internal/gate"
)

// Built-in gate names.
const (
	GatePhaseMatch       = "PHASE_MATCH"
	GateChildrenComplete = "CHILDREN_COMPLETE"
	GateDocumentation    = "DOCUMENTATION"
)

// PhaseMatchGate requires the unit to sit in the transition's source phase.
func PhaseMatchGate(from string) gate.Gate {
	return gate.Gate{
		Name: GatePhaseMatch,
		Validator: func(_ context.Context, gc *gate.Context) (gate.Result, error) {
			if gc.WorkUnit.CurrentPhase == from {
				return gate.Pass(), nil
			}
			r := gate.Fail(fmt.Sprintf("work unit is in phase %s, expected %s", gc.WorkUnit.CurrentPhase, from))
			r.Details = map[string]any{"current_phase": gc.WorkUnit.CurrentPhase, "expected_phase": from}
			return r, nil
		},
	}
}

// EvidenceGate requires an attestation of every listed kind. The score is the
// share of kinds present.
func EvidenceGate(name string, kinds []string) gate.Gate {
	return gate.Gate{
		Name: name,
		Validator: func(_ context.Context, gc *gate.Context) (gate.Result, error) {
			if len(kinds) == 0 {
				r := gate.Pass()
				r.Warnings = []string{"no evidence kinds configured"}
				return r, nil
			}
			var present, missing []string
			for _, k := range kinds {
				if gc.HasAttestation(k) {
					present = append(present, k)
				} else {
					missing = append(missing, k)
				}
			}
			gc.Set(name+".present", present)
			r := gate.Result{
				Passed:   len(missing) == 0,
				Score:    len(present) * gate.DefaultMaxScore / len(kinds),
				MaxScore: gate.DefaultMaxScore,
				Details:  map[string]any{"required": kinds, "missing": missing},
			}
			for _, k := range missing {
				r.Issues = append(r.Issues, "missing attestation "+k)
			}
			return r, nil
		},
	}
}

// ChildrenCompleteGate applies only to aggregate units and requires every
// child to be completed.
func ChildrenCompleteGate() gate.Gate {
	return gate.Gate{
		Name:      GateChildrenComplete,
		Condition: func(gc *gate.Context) bool { return len(gc.Children) > 0 },
		Validator: func(_ context.Context, gc *gate.Context) (gate.Result, error) {
			var open []string
			for _, c := range gc.Children {
				if c.Status != domain.StatusCompleted {
					open = append(open, c.ID)
				}
			}
			done := len(gc.Children) - len(open)
			r := gate.Result{
				Passed:   len(open) == 0,
				Score:    done * gate.DefaultMaxScore / len(gc.Children),
				MaxScore: gate.DefaultMaxScore,
				Details:  map[string]any{"children": len(gc.Children), "incomplete": open},
			}
			for _, id := range open {
				r.Issues = append(r.Issues, "child "+id+" is not completed")
			}
			return r, nil
		},
	}
}

// DocumentationGate checks for a docs.updated attestation. It is advisory.
func DocumentationGate() gate.Gate {
	g := EvidenceGate(GateDocumentation, []string{"docs.updated"})
	g.Optional = true
	return g
}
