// Package transition holds one executor per transition type. The engine
// drives every executor through the same lifecycle.
package transition

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/gate"
	"phaseline/internal/repo"
	"phaseline/internal/result"
)

// Transition types.
const (
	LeadToPlan        = "LEAD-TO-PLAN"
	PlanToExec        = "PLAN-TO-EXEC"
	ExecToPlan        = "EXEC-TO-PLAN"
	PlanToLead        = "PLAN-TO-LEAD"
	LeadFinalApproval = "LEAD-FINAL-APPROVAL"
)

// Supported lists transition types in workflow order.
func Supported() []string {
	return []string{LeadToPlan, PlanToExec, ExecToPlan, PlanToLead, LeadFinalApproval}
}

// Options are caller-supplied settings for one attempt.
type Options struct {
	SessionID string
	// Anonymous callers have no session and must not fall back to the
	// engine's provider.
	Anonymous    bool
	Bypass       bool
	BypassReason string
	Values       map[string]any
}

// Mutator applies a completed transition to storage.
type Mutator interface {
	UpdateWorkUnitState(ctx context.Context, id string, ch repo.UnitChange, transitionType, sessionID string) (domain.WorkUnit, error)
}

// Executor is the per-type strategy plugged into the engine's lifecycle.
type Executor interface {
	Type() string
	// Terminal executors end the workflow and release the unit's claim.
	Terminal() bool
	// Setup may stop the attempt before any claim or gate work by returning
	// a non-nil result.
	Setup(ctx context.Context, unit domain.WorkUnit, opts Options) *result.Result
	RequiredGates(unit domain.WorkUnit, opts Options) []gate.Gate
	Complete(ctx context.Context, m Mutator, unit domain.WorkUnit, opts Options) (domain.WorkUnit, error)
	Remediation(gateName string) string
}

type phaseExecutor struct {
	typ      string
	from, to string
	status   string
	// allowed lists the statuses the unit may hold in the source phase.
	allowed     []string
	gates       []gate.Gate
	remediation map[string]string
}

func (p phaseExecutor) Type() string   { return p.typ }
func (p phaseExecutor) Terminal() bool { return false }

func (p phaseExecutor) Setup(_ context.Context, unit domain.WorkUnit, _ Options) *result.Result {
	if unit.Status == domain.StatusCompleted {
		r := result.Rejected(result.CodeInvalidStatus,
			fmt.Sprintf("work unit %s is already completed", unit.ID),
			map[string]any{"status": unit.Status},
			"Completed work units cannot move between phases; create a follow-up unit instead.")
		return &r
	}
	// A unit in the wrong phase is left to PHASE_MATCH.
	if unit.CurrentPhase == p.from && len(p.allowed) > 0 && !slices.Contains(p.allowed, unit.Status) {
		r := result.Rejected(result.CodeInvalidStatus,
			fmt.Sprintf("work unit %s is %s, %s needs %s", unit.ID, unit.Status, p.typ, strings.Join(p.allowed, " or ")),
			map[string]any{"status": unit.Status, "expected_status": p.allowed},
			p.statusRemediation())
		return &r
	}
	return nil
}

func (p phaseExecutor) statusRemediation() string {
	switch p.typ {
	case PlanToLead:
		return "Run PLAN-TO-EXEC and EXEC-TO-PLAN first so the work is verified."
	case ExecToPlan:
		return "Run PLAN-TO-EXEC first so the unit is in progress."
	default:
		return fmt.Sprintf("Move the unit into one of these statuses first: %s.", strings.Join(p.allowed, ", "))
	}
}

func (p phaseExecutor) RequiredGates(domain.WorkUnit, Options) []gate.Gate {
	return append([]gate.Gate(nil), p.gates...)
}

func (p phaseExecutor) Complete(ctx context.Context, m Mutator, unit domain.WorkUnit, opts Options) (domain.WorkUnit, error) {
	return m.UpdateWorkUnitState(ctx, unit.ID, repo.UnitChange{Phase: p.to, Status: p.status}, p.typ, opts.SessionID)
}

func (p phaseExecutor) Remediation(gateName string) string {
	if r, ok := p.remediation[gateName]; ok {
		return r
	}
	if gateName == GatePhaseMatch {
		return fmt.Sprintf("%s starts from the %s phase; run the transition that leads there first.", p.typ, p.from)
	}
	return ""
}

// finalApproval completes the workflow. A repeat on a completed unit is a
// no-op success.
type finalApproval struct {
	phaseExecutor
}

func (f finalApproval) Terminal() bool { return true }

func (f finalApproval) Setup(_ context.Context, unit domain.WorkUnit, _ Options) *result.Result {
	switch unit.Status {
	case domain.StatusCompleted:
		r := result.Success(map[string]any{
			"work_unit_id":      unit.ID,
			"from_phase":        unit.CurrentPhase,
			"to_phase":          unit.CurrentPhase,
			"status":            unit.Status,
			"already_completed": true,
			"note":              "work unit already completed; nothing changed",
		})
		return &r
	case domain.StatusPendingApproval:
		return nil
	default:
		r := result.Rejected(result.CodeInvalidStatus,
			fmt.Sprintf("work unit %s is %s, final approval needs %s", unit.ID, unit.Status, domain.StatusPendingApproval),
			map[string]any{"status": unit.Status, "expected_status": domain.StatusPendingApproval},
			"Run PLAN-TO-LEAD first so the unit is pending approval.")
		return &r
	}
}

func (f finalApproval) Complete(ctx context.Context, m Mutator, unit domain.WorkUnit, opts Options) (domain.WorkUnit, error) {
	return m.UpdateWorkUnitState(ctx, unit.ID, repo.UnitChange{
		Phase:         domain.PhaseCompleted,
		Status:        domain.StatusCompleted,
		MarkCompleted: true,
	}, f.typ, opts.SessionID)
}

// Registry builds the executor for every supported type. Evidence kinds come
// from the config.
func Registry(cfg *config.Config) map[string]Executor {
	if cfg == nil {
		cfg = config.Default()
	}
	ev := func(tt string) []string { return cfg.Evidence[tt] }
	return map[string]Executor{
		LeadToPlan: phaseExecutor{
			typ: LeadToPlan, from: domain.PhaseLead, to: domain.PhasePlan, status: domain.StatusActive,
			allowed: []string{domain.StatusDraft, domain.StatusPendingApproval},
			gates:   []gate.Gate{PhaseMatchGate(domain.PhaseLead), EvidenceGate("SCOPE_EVIDENCE", ev(LeadToPlan))},
			remediation: map[string]string{
				"SCOPE_EVIDENCE": "Record the requirements and grooming attestations (pl attest add) before planning.",
			},
		},
		PlanToExec: phaseExecutor{
			typ: PlanToExec, from: domain.PhasePlan, to: domain.PhaseExec, status: domain.StatusInProgress,
			allowed: []string{domain.StatusActive, domain.StatusVerification},
			gates:   []gate.Gate{PhaseMatchGate(domain.PhasePlan), EvidenceGate("DESIGN_EVIDENCE", ev(PlanToExec))},
			remediation: map[string]string{
				"DESIGN_EVIDENCE": "Get the plan reviewed and attest design.reviewed before starting execution.",
			},
		},
		ExecToPlan: phaseExecutor{
			typ: ExecToPlan, from: domain.PhaseExec, to: domain.PhasePlan, status: domain.StatusVerification,
			allowed: []string{domain.StatusInProgress},
			gates: []gate.Gate{
				PhaseMatchGate(domain.PhaseExec),
				EvidenceGate("IMPLEMENTATION_EVIDENCE", ev(ExecToPlan)),
				DocumentationGate(),
			},
			remediation: map[string]string{
				"IMPLEMENTATION_EVIDENCE": "Make CI pass and obtain review approval, then attest ci.passed and review.approved.",
			},
		},
		PlanToLead: phaseExecutor{
			typ: PlanToLead, from: domain.PhasePlan, to: domain.PhaseLead, status: domain.StatusPendingApproval,
			allowed: []string{domain.StatusVerification},
			gates:   []gate.Gate{PhaseMatchGate(domain.PhasePlan), EvidenceGate("VERIFICATION_EVIDENCE", ev(PlanToLead))},
			remediation: map[string]string{
				"VERIFICATION_EVIDENCE": "Verify the acceptance criteria and attest acceptance.passed.",
			},
		},
		LeadFinalApproval: finalApproval{phaseExecutor{
			typ: LeadFinalApproval, from: domain.PhaseLead, to: domain.PhaseCompleted, status: domain.StatusCompleted,
			gates: []gate.Gate{
				PhaseMatchGate(domain.PhaseLead),
				ChildrenCompleteGate(),
				EvidenceGate("APPROVAL_EVIDENCE", ev(LeadFinalApproval)),
			},
			remediation: map[string]string{
				GateChildrenComplete: "Complete every child work unit before approving the parent.",
				"APPROVAL_EVIDENCE":  "Record release.approved once the unit is signed off.",
			},
		}},
	}
}
