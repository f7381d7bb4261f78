package claim

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"phaseline/internal/domain"
)

const defaultCheckTimeout = 500 * time.Millisecond

// Conflict is the outcome of a conflict check.
type Conflict struct {
	Pass     bool
	Issues   []string
	Warnings []string
	// Holder is set when another session blocks the caller.
	Holder       *domain.Claim
	HeartbeatAge time.Duration
}

// Details describes the blocking claim for diagnostics.
func (c Conflict) Details() map[string]any {
	if c.Holder == nil {
		return nil
	}
	return map[string]any{
		"work_unit_id":          c.Holder.WorkUnitID,
		"session_id":            c.Holder.SessionID,
		"hostname":              c.Holder.Hostname,
		"claimed_at":            c.Holder.ClaimedAt,
		"heartbeat_at":          c.Holder.HeartbeatAt,
		"heartbeat_age_seconds": int(math.Round(c.HeartbeatAge.Seconds())),
	}
}

// Checker decides whether a session may attempt a transition on a unit.
type Checker struct {
	Store      Store
	StaleAfter time.Duration
	Timeout    time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

func (c Checker) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// CheckConflict blocks when a different session holds an active claim. With
// an empty sessionID every active claim blocks. Store failures pass with a
// warning.
func (c Checker) CheckConflict(ctx context.Context, workUnitID, sessionID string) Conflict {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	qctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	claims, err := c.Store.UnreleasedClaims(qctx, workUnitID)
	if err != nil {
		msg := fmt.Sprintf("claim conflict check skipped: %v", err)
		if c.Logger != nil {
			c.Logger.WarnContext(ctx, "claim conflict check failed open", "work_unit_id", workUnitID, "error", err)
		}
		return Conflict{Pass: true, Warnings: []string{msg}}
	}

	now := c.now()
	var blocker *domain.Claim
	var blockerAge time.Duration
	for _, cl := range Active(claims, now, c.StaleAfter) {
		if sessionID != "" && cl.SessionID == sessionID {
			continue
		}
		age, _ := HeartbeatAge(cl, now)
		if blocker == nil || age < blockerAge {
			held := cl
			blocker, blockerAge = &held, age
		}
	}
	if blocker == nil {
		return Conflict{Pass: true}
	}
	where := blocker.Hostname
	if where == "" {
		where = "unknown host"
	}
	return Conflict{
		Pass: false,
		Issues: []string{fmt.Sprintf("work unit %s is claimed by session %s on %s (last heartbeat %s ago)",
			workUnitID, blocker.SessionID, where, blockerAge.Truncate(time.Second))},
		Holder:       blocker,
		HeartbeatAge: blockerAge,
	}
}
