package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

// PolicyID derives a stable id from the policy scope so re-seeding updates in place.
func PolicyID(gateKey string, workUnitType, profile *string) string {
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	key := strings.Join([]string{gateKey, deref(workUnitType), deref(profile)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func (r Repo) ListGatePolicies(ctx context.Context) ([]domain.GatePolicy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,gate_key,work_unit_type,validation_profile,applicability,COALESCE(reason,''),created_at FROM gate_policy ORDER BY gate_key, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GatePolicy
	for rows.Next() {
		var p domain.GatePolicy
		var typ, profile sql.NullString
		if err := rows.Scan(&p.ID, &p.GateKey, &typ, &profile, &p.Applicability, &p.Reason, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.WorkUnitType = stringPtr(typ)
		p.ValidationProfile = stringPtr(profile)
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpsertGatePolicy inserts or replaces the policy for its (gate, type, profile) scope.
func (r Repo) UpsertGatePolicy(ctx context.Context, p domain.GatePolicy, actorID string) (domain.GatePolicy, error) {
	if p.WorkUnitType != nil && *p.WorkUnitType == "" {
		p.WorkUnitType = nil
	}
	if p.ValidationProfile != nil && *p.ValidationProfile == "" {
		p.ValidationProfile = nil
	}
	p.ID = PolicyID(p.GateKey, p.WorkUnitType, p.ValidationProfile)
	if p.CreatedAt == "" {
		p.CreatedAt = r.stamp()
	}
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO gate_policy(id,gate_key,work_unit_type,validation_profile,applicability,reason,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET applicability=excluded.applicability, reason=excluded.reason`,
			p.ID, p.GateKey, nullableStringPtr(p.WorkUnitType), nullableStringPtr(p.ValidationProfile), p.Applicability, nullable(p.Reason), p.CreatedAt); err != nil {
			return err
		}
		return r.events().Append(ctx, tx, events.PolicyUpserted, "gate_policy", p.ID, actorID, events.Payload{
			"gate_key":      p.GateKey,
			"applicability": p.Applicability,
		})
	})
	return p, err
}

func (r Repo) DeleteGatePolicy(ctx context.Context, id, actorID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM gate_policy WHERE id=?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return r.events().Append(ctx, tx, events.PolicyDeleted, "gate_policy", id, actorID, nil)
	})
}
