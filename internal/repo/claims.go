package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/claim"
	"phaseline/internal/domain"
	"phaseline/internal/events"
)

var _ claim.Store = Repo{}

const claimColumns = `id,work_unit_id,session_id,COALESCE(hostname,''),claimed_at,heartbeat_at,released_at`

func scanClaims(rows *sql.Rows) ([]domain.Claim, error) {
	defer rows.Close()
	var res []domain.Claim
	for rows.Next() {
		var c domain.Claim
		var released sql.NullString
		if err := rows.Scan(&c.ID, &c.WorkUnitID, &c.SessionID, &c.Hostname, &c.ClaimedAt, &c.HeartbeatAt, &released); err != nil {
			return nil, err
		}
		c.ReleasedAt = stringPtr(released)
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UnreleasedClaims(ctx context.Context, workUnitID string) ([]domain.Claim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE work_unit_id=? AND released_at IS NULL ORDER BY heartbeat_at DESC`, workUnitID)
	if err != nil {
		return nil, err
	}
	return scanClaims(rows)
}

// ListClaims returns claim history, newest first. An empty workUnitID lists all units.
func (r Repo) ListClaims(ctx context.Context, workUnitID string, includeReleased bool) ([]domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE 1=1`
	var args []any
	if workUnitID != "" {
		query += ` AND work_unit_id=?`
		args = append(args, workUnitID)
	}
	if !includeReleased {
		query += ` AND released_at IS NULL`
	}
	query += ` ORDER BY claimed_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanClaims(rows)
}

func (r Repo) AcquireClaim(ctx context.Context, workUnitID, sessionID, hostname string, staleAfter time.Duration) (domain.Claim, error) {
	var out domain.Claim
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE work_unit_id=? AND released_at IS NULL`, workUnitID)
		if err != nil {
			return err
		}
		open, err := scanClaims(rows)
		if err != nil {
			return err
		}
		now := r.now()
		stamp := domain.FormatTime(now)
		var own *domain.Claim
		for i := range open {
			c := open[i]
			switch {
			case !claim.IsActive(c, now, staleAfter):
				if _, err := tx.ExecContext(ctx, `UPDATE claims SET released_at=? WHERE id=?`, stamp, c.ID); err != nil {
					return err
				}
				if err := r.events().Append(ctx, tx, events.ClaimReleased, "work_unit", workUnitID, sessionID, events.Payload{
					"session_id": c.SessionID,
					"reason":     "stale",
				}); err != nil {
					return err
				}
			case c.SessionID == sessionID:
				own = &open[i]
			default:
				return &claim.HeldError{Holder: c}
			}
		}
		if own != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE claims SET heartbeat_at=? WHERE id=?`, stamp, own.ID); err != nil {
				return err
			}
			own.HeartbeatAt = stamp
			out = *own
			return nil
		}
		c := domain.Claim{
			ID:          uuid.NewString(),
			WorkUnitID:  workUnitID,
			SessionID:   sessionID,
			Hostname:    hostname,
			ClaimedAt:   stamp,
			HeartbeatAt: stamp,
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO claims(id,work_unit_id,session_id,hostname,claimed_at,heartbeat_at) VALUES (?,?,?,?,?,?)`,
			c.ID, c.WorkUnitID, c.SessionID, nullable(c.Hostname), c.ClaimedAt, c.HeartbeatAt); err != nil {
			return err
		}
		if err := r.events().Append(ctx, tx, events.ClaimAcquired, "work_unit", workUnitID, sessionID, events.Payload{"hostname": hostname}); err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

func (r Repo) HeartbeatClaim(ctx context.Context, workUnitID, sessionID string) error {
	return r.withRetry(ctx, func() error {
		res, err := r.DB.ExecContext(ctx, `UPDATE claims SET heartbeat_at=? WHERE work_unit_id=? AND session_id=? AND released_at IS NULL`,
			r.stamp(), workUnitID, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return claim.ErrNotHeld
		}
		return nil
	})
}

// HeartbeatSession refreshes every open claim held by the session.
func (r Repo) HeartbeatSession(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := r.withRetry(ctx, func() error {
		stamp := r.stamp()
		if _, err := r.DB.ExecContext(ctx, `UPDATE sessions SET heartbeat_at=? WHERE id=?`, stamp, sessionID); err != nil {
			return err
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE claims SET heartbeat_at=? WHERE session_id=? AND released_at IS NULL`, stamp, sessionID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (r Repo) ReleaseClaim(ctx context.Context, workUnitID, sessionID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE claims SET released_at=? WHERE work_unit_id=? AND session_id=? AND released_at IS NULL`,
			r.stamp(), workUnitID, sessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return claim.ErrNotHeld
		}
		return r.events().Append(ctx, tx, events.ClaimReleased, "work_unit", workUnitID, sessionID, events.Payload{
			"session_id": sessionID,
			"reason":     "released",
		})
	})
}

// ForceReleaseClaims releases every open claim on a unit regardless of holder.
func (r Repo) ForceReleaseClaims(ctx context.Context, workUnitID, actorID string) (int64, error) {
	var n int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE claims SET released_at=? WHERE work_unit_id=? AND released_at IS NULL`, r.stamp(), workUnitID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		if n == 0 {
			return nil
		}
		return r.events().Append(ctx, tx, events.ClaimReleased, "work_unit", workUnitID, actorID, events.Payload{
			"reason": "forced",
			"count":  n,
		})
	})
	return n, err
}
