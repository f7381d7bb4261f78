package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"phaseline/internal/claim"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/gate"
	"phaseline/internal/policy"
	"phaseline/internal/repo"
	"phaseline/internal/result"
	"phaseline/internal/session"
	"phaseline/internal/telemetry"
	"phaseline/internal/transition"
)

// PreflightHook runs before the claim is acquired. Its errors become warnings.
type PreflightHook func(ctx context.Context, unit domain.WorkUnit, transitionType string) error

// Observer is told about every finished attempt.
type Observer interface {
	TransitionFinished(ctx context.Context, transitionType string, res result.Result, elapsed time.Duration)
}

type Engine struct {
	Repo      repo.Repo
	Claims    claim.Store
	Policies  *policy.Resolver
	Runner    gate.Runner
	Executors map[string]transition.Executor
	Sessions  session.Provider
	Preflight PreflightHook
	Skip      SkipPolicy
	Observer  Observer
	Config    *config.Config
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Hostname  string
	Now       func() time.Time
}

// Options carry the ambient collaborators New hands to every component.
type Options struct {
	Logger       *slog.Logger
	Observer     Observer
	GateObserver gate.Observer
}

// New wires an engine over db with sqlite claims and no session provider.
func New(db *sql.DB, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := repo.New(db)
	host, _ := os.Hostname()
	return &Engine{
		Repo:   r,
		Claims: r,
		Policies: policy.NewResolver(r, policy.Options{
			CacheTTL:     cfg.Policy.CacheTTL,
			FetchTimeout: cfg.Policy.FetchTimeout,
			Logger:       logger,
		}),
		Runner:    gate.Runner{Observer: opts.GateObserver, Logger: logger},
		Executors: transition.Registry(cfg),
		Skip: RetryBudget{
			Source:         r,
			MaxAttempts:    cfg.Skip.MaxAttempts,
			RetryableGates: cfg.Skip.RetryableGates,
			Logger:         logger,
		},
		Observer: opts.Observer,
		Config:   cfg,
		Logger:   logger,
		Tracer:   telemetry.Tracer("phaseline/engine"),
		Hostname: host,
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.New(slog.DiscardHandler)
}

func (e *Engine) staleAfter() time.Duration {
	if e.Config != nil && e.Config.Claims.StaleAfter > 0 {
		return e.Config.Claims.StaleAfter
	}
	return claim.DefaultStaleAfter
}

func (e *Engine) checker() claim.Checker {
	var timeout time.Duration
	if e.Config != nil {
		timeout = e.Config.Claims.CheckTimeout
	}
	return claim.Checker{
		Store:      e.Claims,
		StaleAfter: e.staleAfter(),
		Timeout:    timeout,
		Now:        e.Now,
		Logger:     e.Logger,
	}
}

// SupportedTypes lists the transition types this engine can execute.
func (e *Engine) SupportedTypes() []string {
	var out []string
	for _, tt := range transition.Supported() {
		if _, ok := e.Executors[tt]; ok {
			out = append(out, tt)
		}
	}
	return out
}

// ExecuteTransition attempts to move a work unit through one transition. It
// never returns an error: faults become a SYSTEM_ERROR result. Every outcome
// is appended to the audit trail.
func (e *Engine) ExecuteTransition(ctx context.Context, transitionType, workUnitID string, opts transition.Options) (res result.Result) {
	start := time.Now()
	if e.Tracer != nil {
		var span trace.Span
		ctx, span = e.Tracer.Start(ctx, "transition.execute", trace.WithAttributes(
			attribute.String("phaseline.transition", transitionType),
			attribute.String("phaseline.work_unit_id", workUnitID),
		))
		defer func() {
			span.SetAttributes(attribute.String("phaseline.outcome", res.AuditStatus()))
			if !res.Success {
				span.SetStatus(codes.Error, res.ReasonCode)
			}
			span.End()
		}()
	}
	defer func() {
		if p := recover(); p != nil {
			e.log().ErrorContext(ctx, "transition panicked", "transition", transitionType, "work_unit_id", workUnitID, "panic", p)
			res = result.SystemError(fmt.Errorf("panic: %v", p))
		}
		if res.ReasonCode == result.CodeSystemError {
			e.log().ErrorContext(ctx, "transition failed", "transition", transitionType, "work_unit_id", workUnitID, "error", res.Message)
		}
		e.record(ctx, transitionType, workUnitID, opts.SessionID, res)
		if e.Observer != nil {
			e.Observer.TransitionFinished(ctx, transitionType, res, time.Since(start))
		}
	}()

	var warnings []string
	if opts.SessionID == "" && !opts.Anonymous && e.Sessions != nil {
		s, err := e.Sessions.GetOrCreateSession(ctx)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("no session: %v", err))
		} else {
			opts.SessionID = s.ID
		}
	}
	return e.run(ctx, transitionType, workUnitID, opts).WithWarnings(warnings...)
}

func (e *Engine) run(ctx context.Context, transitionType, workUnitID string, opts transition.Options) result.Result {
	logger := e.log().With("transition", transitionType, "work_unit_id", workUnitID, "session_id", opts.SessionID)

	unit, err := e.Repo.GetWorkUnit(ctx, workUnitID)
	if errors.Is(err, repo.ErrNotFound) {
		return result.NotFound("work_unit", workUnitID)
	}
	if err != nil {
		return result.SystemError(fmt.Errorf("load work unit: %w", err))
	}

	exec, ok := e.Executors[transitionType]
	if !ok {
		return result.UnsupportedType(transitionType, e.SupportedTypes())
	}
	if opts.Bypass && strings.TrimSpace(opts.BypassReason) == "" {
		return result.FieldError("transition", "bypass_reason", "required when bypassing gates",
			"Explain why the gates are bypassed with --bypass-reason.")
	}

	var warnings []string
	conflict := e.checker().CheckConflict(ctx, unit.ID, opts.SessionID)
	warnings = append(warnings, conflict.Warnings...)
	if !conflict.Pass {
		logger.InfoContext(ctx, "transition blocked by claim", "holder", conflict.Holder.SessionID)
		return claimConflict(conflict.Issues, conflict.Details(), e.staleAfter()).WithWarnings(warnings...)
	}

	if r := exec.Setup(ctx, unit, opts); r != nil {
		if r.Success {
			if err := e.Repo.ConfirmTransition(ctx, unit.ID, transitionType, opts.SessionID); err != nil {
				logger.WarnContext(ctx, "confirmation event not written", "error", err)
				warnings = append(warnings, fmt.Sprintf("confirmation not logged: %v", err))
			}
		}
		return r.WithWarnings(warnings...)
	}

	if e.Preflight != nil {
		if err := e.Preflight(ctx, unit, transitionType); err != nil {
			logger.WarnContext(ctx, "preflight hook failed", "error", err)
			warnings = append(warnings, fmt.Sprintf("preflight: %v", err))
		}
	}

	if opts.SessionID != "" {
		_, err := e.Claims.AcquireClaim(ctx, unit.ID, opts.SessionID, e.Hostname, e.staleAfter())
		var held *claim.HeldError
		switch {
		case errors.As(err, &held):
			c := claim.Conflict{Holder: &held.Holder}
			if age, ok := claim.HeartbeatAge(held.Holder, e.now()); ok {
				c.HeartbeatAge = age
			}
			return claimConflict([]string{err.Error()}, c.Details(), e.staleAfter()).WithWarnings(warnings...)
		case err != nil:
			logger.WarnContext(ctx, "claim acquisition failed", "error", err)
			warnings = append(warnings, fmt.Sprintf("claim not acquired: %v", err))
		}
	} else {
		warnings = append(warnings, "no session id; work unit was not claimed")
	}

	declared := exec.RequiredGates(unit, opts)
	applied := e.Policies.Apply(ctx, declared, policy.Scope{
		WorkUnitType:      unit.Type,
		ValidationProfile: unit.Profile(),
	})
	if applied.FallbackUsed {
		warnings = append(warnings, fmt.Sprintf("gate policies unavailable, all declared gates applied: %v", applied.Err))
	}

	gc, err := e.gateContext(ctx, unit, transitionType, opts)
	if err != nil {
		return result.SystemError(err).WithWarnings(warnings...)
	}
	sum := e.Runner.Validate(ctx, applied.Gates, gc)
	warnings = append(warnings, sum.Warnings...)

	if !sum.Passed {
		if !opts.Bypass {
			failed, _ := sum.Failed()
			r := result.GateFailure(sum.FailedGate, failed, exec.Remediation(sum.FailedGate))
			r.Details["normalized_score"] = sum.NormalizedScore
			r.Details["gates_run"] = sum.Order
			r.Score = &sum.NormalizedScore
			logger.InfoContext(ctx, "gate failed", "gate", sum.FailedGate, "score", sum.NormalizedScore)
			if e.Skip != nil {
				if skip, ok := e.Skip.Decide(ctx, SkipInput{
					Unit:           unit,
					TransitionType: transitionType,
					FailedGate:     sum.FailedGate,
					GateResult:     failed,
					Failure:        r,
				}); ok {
					return skip.WithWarnings(warnings...)
				}
			}
			return r.WithWarnings(warnings...)
		}
		logger.WarnContext(ctx, "gates bypassed", "gate", sum.FailedGate, "reason", opts.BypassReason)
		warnings = append(warnings, fmt.Sprintf("gate %s bypassed: %s", sum.FailedGate, opts.BypassReason))
		warnings = append(warnings, sum.Issues...)
	}

	updated, err := exec.Complete(ctx, e.Repo, unit, opts)
	if err != nil {
		return result.SystemError(fmt.Errorf("complete %s: %w", transitionType, err)).WithWarnings(warnings...)
	}
	if exec.Terminal() && opts.SessionID != "" {
		if err := e.Claims.ReleaseClaim(ctx, unit.ID, opts.SessionID); err != nil && !errors.Is(err, claim.ErrNotHeld) {
			logger.WarnContext(ctx, "claim release failed", "error", err)
			warnings = append(warnings, fmt.Sprintf("claim not released: %v", err))
		}
	}
	logger.InfoContext(ctx, "transition accepted", "to_phase", updated.CurrentPhase, "score", sum.NormalizedScore)

	res := result.Success(map[string]any{
		"work_unit_id":     updated.ID,
		"from_phase":       unit.CurrentPhase,
		"to_phase":         updated.CurrentPhase,
		"status":           updated.Status,
		"normalized_score": sum.NormalizedScore,
		"gates":            sum.Order,
		"skipped_gates":    sum.Skipped,
		"disabled_gates":   applied.Removed,
		"bypassed":         opts.Bypass && !sum.Passed,
	})
	res.Score = &sum.NormalizedScore
	return res.WithWarnings(warnings...)
}

func claimConflict(issues []string, details map[string]any, staleAfter time.Duration) result.Result {
	holder, _ := details["session_id"].(string)
	return result.Rejected(result.CodeClaimConflict, strings.Join(issues, "; "), details,
		fmt.Sprintf("Session %s is working on this unit. Wait for it to finish, let its claim go stale (%s without heartbeat), or pick another unit.",
			holder, staleAfter))
}

func (e *Engine) gateContext(ctx context.Context, unit domain.WorkUnit, transitionType string, opts transition.Options) (*gate.Context, error) {
	atts, err := e.Repo.ListAttestations(ctx, "work_unit", unit.ID)
	if err != nil {
		return nil, fmt.Errorf("load attestations: %w", err)
	}
	children, err := e.Repo.ListChildren(ctx, unit.ID)
	if err != nil {
		return nil, fmt.Errorf("load children: %w", err)
	}
	options := map[string]any{"bypass": opts.Bypass}
	for k, v := range opts.Values {
		options[k] = v
	}
	return &gate.Context{
		WorkUnit:       unit,
		TransitionType: transitionType,
		SessionID:      opts.SessionID,
		Attestations:   atts,
		Children:       children,
		Options:        options,
	}, nil
}

type auditDetails struct {
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// record appends the audit row. It ignores cancellation of ctx.
func (e *Engine) record(ctx context.Context, transitionType, workUnitID, sessionID string, res result.Result) {
	payload, err := json.Marshal(auditDetails{
		Message:     res.Message,
		Details:     res.Details,
		Remediation: res.Remediation,
		Warnings:    res.Warnings,
		Data:        res.Data,
	})
	if err != nil {
		payload, _ = json.Marshal(auditDetails{Message: res.Message, Warnings: []string{"details not serializable: " + err.Error()}})
	}
	a := domain.TransitionAudit{
		ID:             uuid.NewString(),
		WorkUnitID:     workUnitID,
		TransitionType: transitionType,
		SessionID:      sessionID,
		Status:         res.AuditStatus(),
		ReasonCode:     res.ReasonCode,
		Score:          res.Score,
		DetailsJSON:    string(payload),
		CreatedAt:      domain.FormatTime(e.now()),
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.Repo.InsertAudit(actx, a); err != nil {
		e.log().ErrorContext(ctx, "audit write failed", "transition", transitionType, "work_unit_id", workUnitID, "error", err)
	}
}
