package repo

import (
	"context"
	"database/sql"
	"strings"

	"phaseline/internal/domain"
	"phaseline/internal/result"
)

func (r Repo) InsertAudit(ctx context.Context, a domain.TransitionAudit) error {
	if a.CreatedAt == "" {
		a.CreatedAt = r.stamp()
	}
	var score any
	if a.Score != nil {
		score = *a.Score
	}
	return r.withRetry(ctx, func() error {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO transition_audit(id,work_unit_id,transition_type,session_id,status,reason_code,score,details_json,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			a.ID, a.WorkUnitID, a.TransitionType, nullable(a.SessionID), a.Status, nullable(a.ReasonCode), score, nullable(a.DetailsJSON), a.CreatedAt)
		return err
	})
}

type AuditFilter struct {
	WorkUnitID     string
	TransitionType string
	Status         string
	Limit          int
}

// ListAudit returns audit records newest first.
func (r Repo) ListAudit(ctx context.Context, f AuditFilter) ([]domain.TransitionAudit, error) {
	var clauses []string
	var args []any
	if f.WorkUnitID != "" {
		clauses = append(clauses, "work_unit_id=?")
		args = append(args, f.WorkUnitID)
	}
	if f.TransitionType != "" {
		clauses = append(clauses, "transition_type=?")
		args = append(args, f.TransitionType)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT id,work_unit_id,transition_type,COALESCE(session_id,''),status,COALESCE(reason_code,''),score,COALESCE(details_json,''),created_at FROM transition_audit`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionAudit
	for rows.Next() {
		var a domain.TransitionAudit
		var score sql.NullInt64
		if err := rows.Scan(&a.ID, &a.WorkUnitID, &a.TransitionType, &a.SessionID, &a.Status, &a.ReasonCode, &score, &a.DetailsJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			s := int(score.Int64)
			a.Score = &s
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountRejections counts gate failures of one transition on one unit since
// that transition last succeeded. Claim conflicts and field errors are not
// attempts at the gates and are ignored.
func (r Repo) CountRejections(ctx context.Context, workUnitID, transitionType string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM transition_audit
		WHERE work_unit_id=? AND transition_type=? AND status=? AND reason_code IN (?,?)
		AND rowid > COALESCE((SELECT MAX(rowid) FROM transition_audit WHERE work_unit_id=? AND transition_type=? AND status=?),0)`,
		workUnitID, transitionType, domain.AuditRejected, result.CodeGateFailed, result.CodeSkipAndContinue,
		workUnitID, transitionType, domain.AuditAccepted).Scan(&n)
	return n, err
}

// TransitionStats aggregates audit records by transition type and status.
func (r Repo) TransitionStats(ctx context.Context) ([]domain.TransitionStat, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT transition_type,status,COUNT(*),COALESCE(AVG(score),0) FROM transition_audit GROUP BY transition_type,status ORDER BY transition_type,status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TransitionStat
	for rows.Next() {
		var s domain.TransitionStat
		if err := rows.Scan(&s.TransitionType, &s.Status, &s.Count, &s.AvgScore); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
