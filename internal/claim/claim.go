// Package claim implements heartbeat-leased exclusive ownership of work units.
//
// A claim is a lease rather than a lock: a holder that stops heartbeating
// simply goes stale and any other session may take the unit over.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"phaseline/internal/domain"
)

// DefaultStaleAfter is the heartbeat age after which a claim stops blocking.
const DefaultStaleAfter = 15 * time.Minute

var (
	// ErrHeld is returned when another session holds an active claim.
	ErrHeld = errors.New("claim held by another session")
	// ErrNotHeld is returned when a session heartbeats or releases a claim it does not own.
	ErrNotHeld = errors.New("claim not held by session")
)

// HeldError identifies the session blocking an acquisition. It matches ErrHeld.
type HeldError struct {
	Holder domain.Claim
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("work unit %s claimed by session %s", e.Holder.WorkUnitID, e.Holder.SessionID)
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// Store persists claims. Implementations must make AcquireClaim atomic with
// respect to other acquisitions on the same work unit.
type Store interface {
	// UnreleasedClaims returns claims whose released_at is unset, stale or not.
	UnreleasedClaims(ctx context.Context, workUnitID string) ([]domain.Claim, error)
	// AcquireClaim creates a claim for sessionID or refreshes the one it
	// already holds. Stale claims of other sessions are released on the way.
	AcquireClaim(ctx context.Context, workUnitID, sessionID, hostname string, staleAfter time.Duration) (domain.Claim, error)
	HeartbeatClaim(ctx context.Context, workUnitID, sessionID string) error
	ReleaseClaim(ctx context.Context, workUnitID, sessionID string) error
}

// HeartbeatAge reports how long ago the claim last heartbeated. An
// unparseable timestamp reports ok=false.
func HeartbeatAge(c domain.Claim, now time.Time) (time.Duration, bool) {
	hb, err := domain.ParseTime(c.HeartbeatAt)
	if err != nil {
		return 0, false
	}
	return now.Sub(hb), true
}

// IsActive reports whether c is unreleased and heartbeated within staleAfter.
func IsActive(c domain.Claim, now time.Time, staleAfter time.Duration) bool {
	if c.ReleasedAt != nil {
		return false
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	age, ok := HeartbeatAge(c, now)
	if !ok {
		return false
	}
	return age < staleAfter
}

// Active filters claims down to the active ones.
func Active(claims []domain.Claim, now time.Time, staleAfter time.Duration) []domain.Claim {
	var out []domain.Claim
	for _, c := range claims {
		if IsActive(c, now, staleAfter) {
			out = append(out, c)
		}
	}
	return out
}
