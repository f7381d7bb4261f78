package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"phaseline/internal/domain"
	"phaseline/internal/gate"
	"phaseline/internal/result"
)

// SkipInput describes a gate failure that is about to be returned.
type SkipInput struct {
	Unit           domain.WorkUnit
	TransitionType string
	FailedGate     string
	GateResult     gate.Result
	Failure        result.Result
}

// SkipPolicy may replace a gate failure with a SKIP_AND_CONTINUE result that
// points the caller at another unit.
type SkipPolicy interface {
	Decide(ctx context.Context, in SkipInput) (result.Result, bool)
}

// AttemptSource supplies rejection history and sibling units.
type AttemptSource interface {
	CountRejections(ctx context.Context, workUnitID, transitionType string) (int, error)
	ListSiblings(ctx context.Context, id string) ([]domain.WorkUnit, error)
}

// RetryBudget skips to the next open sibling once a retryable gate has
// rejected the same transition MaxAttempts times, counting the current
// attempt. A gate is retryable when listed in RetryableGates or when its
// result details carry retryable=true. MaxAttempts of zero disables skipping.
type RetryBudget struct {
	Source         AttemptSource
	MaxAttempts    int
	RetryableGates []string
	Logger         *slog.Logger
}

func (b RetryBudget) retryable(in SkipInput) bool {
	if slices.Contains(b.RetryableGates, in.FailedGate) {
		return true
	}
	v, _ := in.GateResult.Details["retryable"].(bool)
	return v
}

func (b RetryBudget) Decide(ctx context.Context, in SkipInput) (result.Result, bool) {
	if b.MaxAttempts <= 0 || b.Source == nil || !b.retryable(in) {
		return result.Result{}, false
	}
	prior, err := b.Source.CountRejections(ctx, in.Unit.ID, in.TransitionType)
	if err != nil {
		b.warn(ctx, "skip policy could not count attempts", in, err)
		return result.Result{}, false
	}
	attempts := prior + 1
	if attempts < b.MaxAttempts {
		return result.Result{}, false
	}
	siblings, err := b.Source.ListSiblings(ctx, in.Unit.ID)
	if err != nil {
		b.warn(ctx, "skip policy could not list siblings", in, err)
		return result.Result{}, false
	}
	idx := slices.IndexFunc(siblings, func(w domain.WorkUnit) bool { return w.Status != domain.StatusCompleted })
	if idx < 0 {
		return result.Result{}, false
	}
	next := siblings[idx]
	details := map[string]any{
		"failed_gate":       in.FailedGate,
		"attempts":          attempts,
		"max_attempts":      b.MaxAttempts,
		"next_work_unit_id": next.ID,
		"gate_failure":      in.Failure.Details,
	}
	r := result.Rejected(result.CodeSkipAndContinue,
		fmt.Sprintf("gate %s rejected %s %d times on %s; continue with %s", in.FailedGate, in.TransitionType, attempts, in.Unit.ID, next.ID),
		details,
		fmt.Sprintf("Work on %s next and return to %s once %s can pass. %s", next.ID, in.Unit.ID, in.FailedGate, in.Failure.Remediation))
	r.Score = in.Failure.Score
	r.Warnings = in.Failure.Warnings
	return r, true
}

func (b RetryBudget) warn(ctx context.Context, msg string, in SkipInput, err error) {
	if b.Logger != nil {
		b.Logger.WarnContext(ctx, msg, "work_unit_id", in.Unit.ID, "error", err)
	}
}
