package engine_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"phaseline/internal/claim"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/gate"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/result"
	"phaseline/internal/session"
	"phaseline/internal/transition"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine *engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWith(t, engine.Options{})
}

func newTestEnvWith(t *testing.T, opts engine.Options) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, nil, opts)
	r := eng.Repo
	r.Now = clk.Now
	eng.Repo = r
	eng.Claims = r
	eng.Skip = engine.RetryBudget{Source: r, MaxAttempts: 3, RetryableGates: []string{"IMPLEMENTATION_EVIDENCE"}, Logger: opts.Logger}
	eng.Now = clk.Now
	eng.Hostname = "test-host"
	return testEnv{Engine: eng, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) unit(t *testing.T, title string, parentID string) domain.WorkUnit {
	t.Helper()
	w, err := env.Engine.CreateWorkUnit(env.Ctx, engine.UnitCreateOptions{Title: title, ParentID: parentID, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create unit: %v", err)
	}
	return w
}

func (env testEnv) attest(t *testing.T, unitID string, kinds ...string) {
	t.Helper()
	for _, k := range kinds {
		if _, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{EntityID: unitID, Kind: k}, "tester"); err != nil {
			t.Fatalf("attest %s: %v", k, err)
		}
	}
}

// run ticks the clock first so audit rows sort in attempt order.
func (env testEnv) run(unitID, tt, session string) result.Result {
	env.Clock.Advance(time.Second)
	return env.Engine.ExecuteTransition(env.Ctx, tt, unitID, transition.Options{SessionID: session})
}

func (env testEnv) audit(t *testing.T, unitID string) []domain.TransitionAudit {
	t.Helper()
	rows, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilter{WorkUnitID: unitID})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	return rows
}

// advance walks a unit through every transition with the evidence each needs.
func (env testEnv) advance(t *testing.T, unitID, session string) {
	t.Helper()
	steps := []struct {
		tt    string
		kinds []string
	}{
		{transition.LeadToPlan, []string{"requirements.accepted", "scope.groomed"}},
		{transition.PlanToExec, []string{"design.reviewed"}},
		{transition.ExecToPlan, []string{"ci.passed", "review.approved", "docs.updated"}},
		{transition.PlanToLead, []string{"acceptance.passed"}},
		{transition.LeadFinalApproval, []string{"release.approved"}},
	}
	for _, s := range steps {
		env.attest(t, unitID, s.kinds...)
		if res := env.run(unitID, s.tt, session); !res.Success {
			t.Fatalf("%s on %s: %s", s.tt, unitID, res)
		}
	}
}

func TestUnknownWorkUnitIsNotFoundAndAudited(t *testing.T) {
	env := newTestEnv(t)
	res := env.run("missing", transition.LeadToPlan, "s1")
	if res.ReasonCode != result.CodeNotFound || !res.Rejected {
		t.Fatalf("expected NOT_FOUND rejection, got %s", res)
	}
	rows := env.audit(t, "missing")
	if len(rows) != 1 || rows[0].Status != domain.AuditRejected || rows[0].ReasonCode != result.CodeNotFound {
		t.Fatalf("expected one rejected audit row, got %+v", rows)
	}
	if _, err := env.Engine.Repo.GetWorkUnit(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("work unit must not be synthesized: %v", err)
	}
}

func TestUnsupportedTransitionType(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	res := env.run(w.ID, "EXEC-TO-DONE", "s1")
	if res.ReasonCode != result.CodeUnsupportedType {
		t.Fatalf("expected UNSUPPORTED_TYPE, got %s", res)
	}
	supported, _ := res.Details["supported"].([]string)
	if !slices.Equal(supported, transition.Supported()) {
		t.Fatalf("expected supported list in details, got %v", res.Details)
	}
}

func TestFullLifecycleCompletesAndReleasesClaim(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	env.advance(t, w.ID, "s1")

	got, err := env.Engine.Repo.GetWorkUnit(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if got.CurrentPhase != domain.PhaseCompleted || got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected final state %+v", got)
	}
	claims, err := env.Engine.Claims.UnreleasedClaims(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("terminal transition must release the claim, got %+v", claims)
	}
	rows := env.audit(t, w.ID)
	if len(rows) != 5 {
		t.Fatalf("expected 5 audit rows, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Status != domain.AuditAccepted || r.Score == nil || *r.Score != 100 {
			t.Fatalf("unexpected audit row %+v", r)
		}
	}
}

func TestFinalApprovalIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	env.advance(t, w.ID, "s1")

	res := env.run(w.ID, transition.LeadFinalApproval, "s2")
	if !res.Success {
		t.Fatalf("repeat approval should succeed, got %s", res)
	}
	if res.Data["already_completed"] != true {
		t.Fatalf("expected already_completed marker, got %v", res.Data)
	}
	rows := env.audit(t, w.ID)
	if len(rows) != 6 || rows[0].Status != domain.AuditAccepted {
		t.Fatalf("repeat approval must be audited as accepted, got %d rows", len(rows))
	}

	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 1)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != "transition.confirmed" || evs[0].ActorID != "s2" {
		t.Fatalf("repeat approval should log a confirmation, got %+v", evs)
	}

	res = env.run(w.ID, transition.LeadToPlan, "s2")
	if res.ReasonCode != result.CodeInvalidStatus {
		t.Fatalf("completed unit cannot move, got %s", res)
	}
}

func TestPlanToLeadRequiresExecution(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	env.attest(t, w.ID, "requirements.accepted", "scope.groomed", "acceptance.passed", "release.approved")
	if res := env.run(w.ID, transition.LeadToPlan, "s1"); !res.Success {
		t.Fatalf("lead to plan: %s", res)
	}

	res := env.run(w.ID, transition.PlanToLead, "s1")
	if res.ReasonCode != result.CodeInvalidStatus {
		t.Fatalf("plan to lead before execution must be refused, got %s", res)
	}
	res = env.run(w.ID, transition.LeadFinalApproval, "s1")
	if res.Success {
		t.Fatalf("final approval must not pass without execution")
	}
	got, err := env.Engine.Repo.GetWorkUnit(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}
	if got.CurrentPhase != domain.PhasePlan || got.Status != domain.StatusActive {
		t.Fatalf("unit must stay in PLAN/active, got %s/%s", got.CurrentPhase, got.Status)
	}
}

func TestFinalApprovalRequiresChildren(t *testing.T) {
	env := newTestEnv(t)
	epic := env.unit(t, "Epic", "")
	child := env.unit(t, "Story", epic.ID)
	env.attest(t, epic.ID, "requirements.accepted", "scope.groomed", "design.reviewed", "ci.passed",
		"review.approved", "acceptance.passed", "release.approved")
	for _, tt := range []string{transition.LeadToPlan, transition.PlanToExec, transition.ExecToPlan, transition.PlanToLead} {
		if res := env.run(epic.ID, tt, "s1"); !res.Success {
			t.Fatalf("%s: %s", tt, res)
		}
	}
	res := env.run(epic.ID, transition.LeadFinalApproval, "s1")
	if res.ReasonCode != result.CodeGateFailed || res.Details["gate"] != transition.GateChildrenComplete {
		t.Fatalf("expected CHILDREN_COMPLETE failure, got %s %v", res, res.Details)
	}
	env.advance(t, child.ID, "s1")
	if res := env.run(epic.ID, transition.LeadFinalApproval, "s1"); !res.Success {
		t.Fatalf("approval after children complete: %s", res)
	}
}

func TestClaimConflictAndStaleTakeover(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	env.attest(t, w.ID, "requirements.accepted", "scope.groomed", "design.reviewed")
	if res := env.run(w.ID, transition.LeadToPlan, "s1"); !res.Success {
		t.Fatalf("first transition: %s", res)
	}

	res := env.run(w.ID, transition.PlanToExec, "s2")
	if res.ReasonCode != result.CodeClaimConflict {
		t.Fatalf("expected CLAIM_CONFLICT, got %s", res)
	}
	if res.Details["session_id"] != "s1" || res.Details["hostname"] != "test-host" {
		t.Fatalf("conflict must name the holder, got %v", res.Details)
	}
	if _, ok := res.Details["heartbeat_age_seconds"]; !ok {
		t.Fatalf("conflict must report heartbeat age, got %v", res.Details)
	}

	res = env.run(w.ID, transition.PlanToExec, "")
	if res.ReasonCode != result.CodeClaimConflict {
		t.Fatalf("a caller without a session must be blocked too, got %s", res)
	}

	env.Clock.Advance(16 * time.Minute)
	if res := env.run(w.ID, transition.PlanToExec, "s2"); !res.Success {
		t.Fatalf("stale claim should not block, got %s", res)
	}
	res = env.run(w.ID, transition.ExecToPlan, "s1")
	if res.ReasonCode != result.CodeClaimConflict || res.Details["session_id"] != "s2" {
		t.Fatalf("s2 now owns the unit, got %s %v", res, res.Details)
	}
}

func TestSameSessionRefreshesClaim(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	for i := 0; i < 2; i++ {
		res := env.run(w.ID, transition.LeadToPlan, "s1")
		if res.ReasonCode != result.CodeGateFailed {
			t.Fatalf("attempt %d: expected gate failure, got %s", i, res)
		}
		env.Clock.Advance(time.Minute)
	}
	claims, err := env.Engine.Claims.UnreleasedClaims(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("claims: %v", err)
	}
	if len(claims) != 1 {
		t.Fatalf("expected a single claim, got %d", len(claims))
	}
	if claims[0].HeartbeatAt == claims[0].ClaimedAt {
		t.Fatalf("second attempt should refresh the heartbeat")
	}
}

func TestGateFailureScoreAndRemediation(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	env.attest(t, w.ID, "requirements.accepted")
	res := env.run(w.ID, transition.LeadToPlan, "s1")
	if res.ReasonCode != result.CodeGateFailed || res.Details["gate"] != "SCOPE_EVIDENCE" {
		t.Fatalf("expected SCOPE_EVIDENCE failure, got %s", res)
	}
	if res.Score == nil || *res.Score != 75 {
		t.Fatalf("expected normalized score 75, got %v", res.Score)
	}
	if res.Remediation == "" {
		t.Fatalf("rejections must carry remediation")
	}
	missing, _ := res.Details["missing"].([]string)
	if !slices.Equal(missing, []string{"scope.groomed"}) {
		t.Fatalf("expected missing scope.groomed, got %v", res.Details["missing"])
	}
}

func TestDisabledGatePolicySkipsGate(t *testing.T) {
	env := newTestEnv(t)
	typ := "feature"
	if _, err := env.Engine.SetGatePolicy(env.Ctx, domain.GatePolicy{
		GateKey:       "SCOPE_EVIDENCE",
		WorkUnitType:  &typ,
		Applicability: "disabled",
		Reason:        "grooming happens elsewhere",
	}, "tester"); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	w := env.unit(t, "Feature", "")
	res := env.run(w.ID, transition.LeadToPlan, "s1")
	if !res.Success {
		t.Fatalf("disabled gate must not block, got %s", res)
	}
	disabled, _ := res.Data["disabled_gates"].([]string)
	if !slices.Contains(disabled, "SCOPE_EVIDENCE") {
		t.Fatalf("expected SCOPE_EVIDENCE in disabled gates, got %v", res.Data["disabled_gates"])
	}
}

func TestBypassRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	env.Clock.Advance(time.Second)
	res := env.Engine.ExecuteTransition(env.Ctx, transition.LeadToPlan, w.ID, transition.Options{SessionID: "s1", Bypass: true})
	if res.ReasonCode != result.CodeFieldError {
		t.Fatalf("expected FIELD_ERROR, got %s", res)
	}
	res = env.Engine.ExecuteTransition(env.Ctx, transition.LeadToPlan, w.ID, transition.Options{
		SessionID: "s1", Bypass: true, BypassReason: "hotfix",
	})
	if !res.Success || res.Data["bypassed"] != true {
		t.Fatalf("bypass with reason should succeed, got %s", res)
	}
	if !slices.ContainsFunc(res.Warnings, func(w string) bool { return strings.Contains(w, "bypassed") }) {
		t.Fatalf("bypassed failure must surface as a warning, got %v", res.Warnings)
	}
}

func TestSkipAndContinueAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)
	a := env.unit(t, "A", "")
	b := env.unit(t, "B", "")
	env.attest(t, a.ID, "requirements.accepted", "scope.groomed", "design.reviewed")
	for _, tt := range []string{transition.LeadToPlan, transition.PlanToExec} {
		if res := env.run(a.ID, tt, "s1"); !res.Success {
			t.Fatalf("%s: %s", tt, res)
		}
	}
	for i := 1; i <= 2; i++ {
		if res := env.run(a.ID, transition.ExecToPlan, "s1"); res.ReasonCode != result.CodeGateFailed {
			t.Fatalf("attempt %d: expected GATE_FAILED, got %s", i, res)
		}
	}
	res := env.run(a.ID, transition.ExecToPlan, "s1")
	if res.ReasonCode != result.CodeSkipAndContinue {
		t.Fatalf("third failure should skip, got %s", res)
	}
	if res.Details["next_work_unit_id"] != b.ID {
		t.Fatalf("expected next unit %s, got %v", b.ID, res.Details["next_work_unit_id"])
	}
}

func TestClaimConflictsDoNotSpendRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	a := env.unit(t, "A", "")
	env.unit(t, "B", "")
	env.attest(t, a.ID, "requirements.accepted", "scope.groomed", "design.reviewed")
	for _, tt := range []string{transition.LeadToPlan, transition.PlanToExec} {
		if res := env.run(a.ID, tt, "s1"); !res.Success {
			t.Fatalf("%s: %s", tt, res)
		}
	}
	for i := 1; i <= 2; i++ {
		if res := env.run(a.ID, transition.ExecToPlan, "s2"); res.ReasonCode != result.CodeClaimConflict {
			t.Fatalf("s2 attempt %d: expected CLAIM_CONFLICT, got %s", i, res)
		}
	}
	if res := env.run(a.ID, transition.ExecToPlan, "s1"); res.ReasonCode != result.CodeGateFailed {
		t.Fatalf("first real failure must not skip, got %s", res)
	}
}

func TestAnonymousCallerSkipsSessionProvider(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Sessions = session.Static{ID: "server"}
	w := env.unit(t, "Feature", "")

	res := env.Engine.ExecuteTransition(env.Ctx, transition.LeadToPlan, w.ID, transition.Options{Anonymous: true})
	if res.ReasonCode != result.CodeGateFailed {
		t.Fatalf("expected GATE_FAILED, got %s", res)
	}
	claims, err := env.Engine.Claims.UnreleasedClaims(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("unreleased claims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("anonymous attempt must not claim, got %+v", claims)
	}
	if rows := env.audit(t, w.ID); len(rows) != 1 || rows[0].SessionID != "" {
		t.Fatalf("anonymous attempt audited without a session, got %+v", rows)
	}

	res = env.Engine.ExecuteTransition(env.Ctx, transition.LeadToPlan, w.ID, transition.Options{})
	if res.ReasonCode != result.CodeGateFailed {
		t.Fatalf("expected GATE_FAILED, got %s", res)
	}
	claims, _ = env.Engine.Claims.UnreleasedClaims(env.Ctx, w.ID)
	if len(claims) != 1 || claims[0].SessionID != "server" {
		t.Fatalf("provider session should claim, got %+v", claims)
	}
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	gates       []string
}

func (o *recordingObserver) TransitionFinished(_ context.Context, tt string, res result.Result, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, tt+":"+res.AuditStatus())
}

func (o *recordingObserver) GateEvaluated(_ context.Context, name string, _ gate.Result, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gates = append(o.gates, name)
}

func TestNewWiresLoggerAndObservers(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	obs := &recordingObserver{}
	env := newTestEnvWith(t, engine.Options{Logger: logger, Observer: obs, GateObserver: obs})

	if env.Engine.Logger != logger || env.Engine.Runner.Logger != logger {
		t.Fatalf("engine and runner should share the configured logger")
	}
	w := env.unit(t, "Feature", "")
	if res := env.run(w.ID, transition.LeadToPlan, "s1"); res.ReasonCode != result.CodeGateFailed {
		t.Fatalf("expected GATE_FAILED, got %s", res)
	}
	if len(obs.transitions) != 1 || obs.transitions[0] != "LEAD-TO-PLAN:rejected" {
		t.Fatalf("unexpected transition observations %v", obs.transitions)
	}
	if len(obs.gates) == 0 || obs.gates[0] != "PHASE_MATCH" {
		t.Fatalf("unexpected gate observations %v", obs.gates)
	}
	if !strings.Contains(buf.String(), `"msg":"gate failed"`) {
		t.Fatalf("expected gate failure in log, got %s", buf.String())
	}
}

func TestPreflightErrorBecomesWarning(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Preflight = func(context.Context, domain.WorkUnit, string) error {
		return errors.New("schema drift")
	}
	w := env.unit(t, "Feature", "")
	env.attest(t, w.ID, "requirements.accepted", "scope.groomed")
	res := env.run(w.ID, transition.LeadToPlan, "s1")
	if !res.Success {
		t.Fatalf("preflight errors are not fatal, got %s", res)
	}
	if !slices.ContainsFunc(res.Warnings, func(w string) bool { return strings.Contains(w, "schema drift") }) {
		t.Fatalf("expected preflight warning, got %v", res.Warnings)
	}
}

type panickyExecutor struct {
	transition.Executor
	panicIn string
}

func (p panickyExecutor) Setup(ctx context.Context, unit domain.WorkUnit, opts transition.Options) *result.Result {
	if p.panicIn == "setup" {
		panic("setup exploded")
	}
	return p.Executor.Setup(ctx, unit, opts)
}

func (p panickyExecutor) RequiredGates(unit domain.WorkUnit, opts transition.Options) []gate.Gate {
	gates := p.Executor.RequiredGates(unit, opts)
	if p.panicIn == "validator" {
		gates = append([]gate.Gate{{
			Name: "EXPLODING",
			Validator: func(context.Context, *gate.Context) (gate.Result, error) {
				panic("validator exploded")
			},
		}}, gates...)
	}
	return gates
}

func TestPanicsAreContainedAndAudited(t *testing.T) {
	env := newTestEnv(t)
	base := env.Engine.Executors[transition.LeadToPlan]
	w := env.unit(t, "Feature", "")

	env.Engine.Executors[transition.LeadToPlan] = panickyExecutor{Executor: base, panicIn: "validator"}
	res := env.run(w.ID, transition.LeadToPlan, "s1")
	if res.ReasonCode != result.CodeGateFailed || res.Details["gate"] != "EXPLODING" {
		t.Fatalf("validator panic should fail its gate, got %s", res)
	}

	env.Engine.Executors[transition.LeadToPlan] = panickyExecutor{Executor: base, panicIn: "setup"}
	res = env.run(w.ID, transition.LeadToPlan, "s1")
	if res.ReasonCode != result.CodeSystemError || res.Rejected {
		t.Fatalf("setup panic should be a system error, got %s", res)
	}
	rows := env.audit(t, w.ID)
	if len(rows) != 2 || rows[0].Status != domain.AuditSystemError {
		t.Fatalf("system error must be audited, got %+v", rows)
	}
}

func TestAttestationKindMustBeInCatalog(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	if _, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{EntityID: w.ID, Kind: "vibes.good"}, "tester"); err == nil {
		t.Fatalf("expected unknown kind to be rejected")
	}
	if _, err := env.Engine.AddAttestation(env.Ctx, domain.Attestation{EntityID: "missing", Kind: "ci.passed"}, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for missing unit, got %v", err)
	}
}

func TestForceReleaseClaim(t *testing.T) {
	env := newTestEnv(t)
	w := env.unit(t, "Feature", "")
	_ = env.run(w.ID, transition.LeadToPlan, "s1")
	if err := env.Engine.ReleaseClaim(env.Ctx, w.ID, "s2", "ops", false); err == nil {
		t.Fatalf("s2 does not hold the claim")
	}
	if err := env.Engine.ReleaseClaim(env.Ctx, w.ID, "", "ops", true); err != nil {
		t.Fatalf("force release: %v", err)
	}
	env.attest(t, w.ID, "requirements.accepted", "scope.groomed")
	if res := env.run(w.ID, transition.LeadToPlan, "s2"); !res.Success {
		t.Fatalf("after force release s2 may proceed, got %s", res)
	}
}

// vanishingClaims lists a claim that is gone by the time it is released.
type vanishingClaims struct {
	claim.Store
	gone string
}

func (v vanishingClaims) UnreleasedClaims(ctx context.Context, workUnitID string) ([]domain.Claim, error) {
	claims, err := v.Store.UnreleasedClaims(ctx, workUnitID)
	if err != nil {
		return nil, err
	}
	return append([]domain.Claim{{WorkUnitID: workUnitID, SessionID: v.gone}}, claims...), nil
}

func (v vanishingClaims) ReleaseClaim(ctx context.Context, workUnitID, sessionID string) error {
	if sessionID == v.gone {
		return claim.ErrNotHeld
	}
	return v.Store.ReleaseClaim(ctx, workUnitID, sessionID)
}

func TestForceReleaseSkipsClaimsAlreadyGone(t *testing.T) {
	env := newTestEnv(t)
	store := env.Engine.Claims
	env.Engine.Claims = vanishingClaims{Store: store, gone: "s0"}
	w := env.unit(t, "Feature", "")
	_ = env.run(w.ID, transition.LeadToPlan, "s1")

	if err := env.Engine.ReleaseClaim(env.Ctx, w.ID, "", "ops", true); err != nil {
		t.Fatalf("force release: %v", err)
	}
	claims, err := store.UnreleasedClaims(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("unreleased claims: %v", err)
	}
	if len(claims) != 0 {
		t.Fatalf("s1's claim should be released, got %+v", claims)
	}
}
