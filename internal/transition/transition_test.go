package transition

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/gate"
	"phaseline/internal/repo"
	"phaseline/internal/result"
)

type recordingMutator struct {
	id     string
	change repo.UnitChange
	typ    string
}

func (m *recordingMutator) UpdateWorkUnitState(_ context.Context, id string, ch repo.UnitChange, transitionType, _ string) (domain.WorkUnit, error) {
	m.id, m.change, m.typ = id, ch, transitionType
	return domain.WorkUnit{ID: id, CurrentPhase: ch.Phase, Status: ch.Status}, nil
}

func runGate(t *testing.T, g gate.Gate, gc *gate.Context) gate.Result {
	t.Helper()
	r, err := g.Validator(context.Background(), gc)
	require.NoError(t, err)
	return r
}

func attestations(kinds ...string) []domain.Attestation {
	out := make([]domain.Attestation, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, domain.Attestation{Kind: k})
	}
	return out
}

func TestRegistryCoversSupportedTypes(t *testing.T) {
	reg := Registry(nil)
	require.Len(t, reg, len(Supported()))
	for _, tt := range Supported() {
		ex, ok := reg[tt]
		require.True(t, ok, tt)
		assert.Equal(t, tt, ex.Type())
		assert.Equal(t, tt == LeadFinalApproval, ex.Terminal())
		gates := ex.RequiredGates(domain.WorkUnit{}, Options{})
		require.NotEmpty(t, gates)
		assert.Equal(t, GatePhaseMatch, gates[0].Name)
	}
}

func TestRegistryUsesConfiguredEvidence(t *testing.T) {
	cfg := config.Default()
	cfg.Evidence[PlanToExec] = []string{"design.reviewed", "ci.passed"}
	gates := Registry(cfg)[PlanToExec].RequiredGates(domain.WorkUnit{}, Options{})

	r := runGate(t, gates[1], &gate.Context{Attestations: attestations("design.reviewed")})
	assert.False(t, r.Passed)
	assert.Equal(t, 50, r.Score)
	assert.Equal(t, []string{"missing attestation ci.passed"}, r.Issues)
}

func TestPhaseMatchGate(t *testing.T) {
	g := PhaseMatchGate(domain.PhasePlan)
	assert.True(t, runGate(t, g, &gate.Context{WorkUnit: domain.WorkUnit{CurrentPhase: domain.PhasePlan}}).Passed)

	r := runGate(t, g, &gate.Context{WorkUnit: domain.WorkUnit{CurrentPhase: domain.PhaseExec}})
	assert.False(t, r.Passed)
	assert.Equal(t, domain.PhasePlan, r.Details["expected_phase"])
}

func TestEvidenceGate(t *testing.T) {
	g := EvidenceGate("EV", []string{"a", "b"})
	gc := &gate.Context{Attestations: attestations("a", "b")}
	r := runGate(t, g, gc)
	assert.True(t, r.Passed)
	assert.Equal(t, 100, r.Score)
	present, ok := gc.Get("EV.present")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, present)

	empty := runGate(t, EvidenceGate("EV", nil), &gate.Context{})
	assert.True(t, empty.Passed)
	assert.NotEmpty(t, empty.Warnings)
}

func TestChildrenCompleteGate(t *testing.T) {
	g := ChildrenCompleteGate()
	assert.False(t, g.Condition(&gate.Context{}), "leaf units skip the gate")

	gc := &gate.Context{Children: []domain.WorkUnit{
		{ID: "a", Status: domain.StatusCompleted},
		{ID: "b", Status: domain.StatusActive},
	}}
	require.True(t, g.Condition(gc))
	r := runGate(t, g, gc)
	assert.False(t, r.Passed)
	assert.Equal(t, 50, r.Score)
	assert.Equal(t, []string{"b"}, r.Details["incomplete"])
}

func TestDocumentationGateIsOptional(t *testing.T) {
	assert.True(t, DocumentationGate().Optional)
}

func TestPhaseExecutorRejectsCompletedUnit(t *testing.T) {
	ex := Registry(nil)[LeadToPlan]
	r := ex.Setup(context.Background(), domain.WorkUnit{ID: "u", Status: domain.StatusCompleted}, Options{})
	require.NotNil(t, r)
	assert.Equal(t, result.CodeInvalidStatus, r.ReasonCode)

	assert.Nil(t, ex.Setup(context.Background(), domain.WorkUnit{ID: "u", Status: domain.StatusDraft}, Options{}))
}

func TestPhaseExecutorComplete(t *testing.T) {
	m := &recordingMutator{}
	w, err := Registry(nil)[ExecToPlan].Complete(context.Background(), m, domain.WorkUnit{ID: "u"}, Options{SessionID: "s"})
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlan, w.CurrentPhase)
	assert.Equal(t, repo.UnitChange{Phase: domain.PhasePlan, Status: domain.StatusVerification}, m.change)
	assert.Equal(t, ExecToPlan, m.typ)
}

func TestFinalApprovalSetup(t *testing.T) {
	ex := Registry(nil)[LeadFinalApproval]
	ctx := context.Background()

	done := ex.Setup(ctx, domain.WorkUnit{ID: "u", CurrentPhase: domain.PhaseCompleted, Status: domain.StatusCompleted}, Options{})
	require.NotNil(t, done)
	assert.True(t, done.Success)
	assert.Equal(t, true, done.Data["already_completed"])

	assert.Nil(t, ex.Setup(ctx, domain.WorkUnit{Status: domain.StatusPendingApproval}, Options{}))

	early := ex.Setup(ctx, domain.WorkUnit{ID: "u", Status: domain.StatusActive}, Options{})
	require.NotNil(t, early)
	assert.Equal(t, result.CodeInvalidStatus, early.ReasonCode)

	m := &recordingMutator{}
	_, err := ex.Complete(ctx, m, domain.WorkUnit{ID: "u"}, Options{})
	require.NoError(t, err)
	assert.True(t, m.change.MarkCompleted)
	assert.Equal(t, domain.PhaseCompleted, m.change.Phase)
}

func TestRemediation(t *testing.T) {
	ex := Registry(nil)[PlanToExec]
	assert.Contains(t, ex.Remediation(GatePhaseMatch), "PLAN")
	assert.Contains(t, ex.Remediation("DESIGN_EVIDENCE"), "design.reviewed")
	assert.Empty(t, ex.Remediation("UNKNOWN"))
}

func TestPhaseExecutorEnforcesSourceStatus(t *testing.T) {
	reg := Registry(nil)
	ctx := context.Background()
	cases := []struct {
		tt     string
		phase  string
		status string
		ok     bool
	}{
		{LeadToPlan, domain.PhaseLead, domain.StatusDraft, true},
		{LeadToPlan, domain.PhaseLead, domain.StatusPendingApproval, true},
		{PlanToExec, domain.PhasePlan, domain.StatusActive, true},
		{PlanToExec, domain.PhasePlan, domain.StatusVerification, true},
		{ExecToPlan, domain.PhaseExec, domain.StatusInProgress, true},
		{PlanToLead, domain.PhasePlan, domain.StatusVerification, true},
		{PlanToLead, domain.PhasePlan, domain.StatusActive, false},
		{PlanToExec, domain.PhasePlan, domain.StatusDraft, false},
		{ExecToPlan, domain.PhaseExec, domain.StatusVerification, false},
		// Wrong phase is reported by the PHASE_MATCH gate instead.
		{PlanToLead, domain.PhaseLead, domain.StatusActive, true},
	}
	for _, tc := range cases {
		t.Run(tc.tt+"/"+tc.phase+"/"+tc.status, func(t *testing.T) {
			r := reg[tc.tt].Setup(ctx, domain.WorkUnit{ID: "u", CurrentPhase: tc.phase, Status: tc.status}, Options{})
			if tc.ok {
				assert.Nil(t, r)
				return
			}
			require.NotNil(t, r)
			assert.Equal(t, result.CodeInvalidStatus, r.ReasonCode)
			assert.Equal(t, tc.status, r.Details["status"])
			assert.NotEmpty(t, r.Remediation)
		})
	}
}
