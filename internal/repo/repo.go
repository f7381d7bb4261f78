package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"phaseline/internal/domain"
	"phaseline/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Repo) stamp() string {
	return domain.FormatTime(r.now())
}

func (r Repo) events() events.Writer {
	w := r.Events
	if w.Now == nil {
		w.Now = r.Now
	}
	return w
}

// isBusy reports sqlite lock contention that clears once the other writer commits.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "database table is locked")
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return bo
}

// withRetry re-runs op while sqlite reports lock contention.
func (r Repo) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(newRetryBackoff(), ctx))
}

// inTx runs fn in a transaction, retrying the whole transaction on lock contention.
func (r Repo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

type rowScanner interface {
	Scan(dest ...any) error
}

const workUnitColumns = `id,type,title,current_phase,status,parent_id,validation_profile,created_at,updated_at,completed_at`

func scanWorkUnit(row rowScanner) (domain.WorkUnit, error) {
	var w domain.WorkUnit
	var parentID, profile, completedAt sql.NullString
	err := row.Scan(&w.ID, &w.Type, &w.Title, &w.CurrentPhase, &w.Status, &parentID, &profile, &w.CreatedAt, &w.UpdatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.ParentID = stringPtr(parentID)
	w.ValidationProfile = stringPtr(profile)
	w.CompletedAt = stringPtr(completedAt)
	return w, nil
}

func (r Repo) InsertWorkUnit(ctx context.Context, w domain.WorkUnit, actorID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if w.ParentID != nil && *w.ParentID != "" {
			if _, err := scanWorkUnit(tx.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id=?`, *w.ParentID)); err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("parent %s: %w", *w.ParentID, ErrNotFound)
				}
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO work_units(`+workUnitColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
			w.ID, w.Type, w.Title, w.CurrentPhase, w.Status, nullableStringPtr(w.ParentID), nullableStringPtr(w.ValidationProfile),
			w.CreatedAt, w.UpdatedAt, nullableStringPtr(w.CompletedAt)); err != nil {
			return err
		}
		return r.events().Append(ctx, tx, events.UnitCreated, "work_unit", w.ID, actorID, events.Payload{
			"type":  w.Type,
			"title": w.Title,
			"phase": w.CurrentPhase,
		})
	})
}

func (r Repo) GetWorkUnit(ctx context.Context, id string) (domain.WorkUnit, error) {
	return scanWorkUnit(r.DB.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id=?`, id))
}

// UnitChange carries the fields a transition may mutate.
type UnitChange struct {
	Phase         string
	Status        string
	MarkCompleted bool
}

// UpdateWorkUnitState applies a transition's mutation and records it in the event log.
func (r Repo) UpdateWorkUnitState(ctx context.Context, id string, ch UnitChange, transitionType, sessionID string) (domain.WorkUnit, error) {
	var out domain.WorkUnit
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanWorkUnit(tx.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id=?`, id))
		if err != nil {
			return err
		}
		now := r.stamp()
		next := cur
		if ch.Phase != "" {
			next.CurrentPhase = ch.Phase
		}
		if ch.Status != "" {
			next.Status = ch.Status
		}
		if ch.MarkCompleted {
			next.CompletedAt = &now
		}
		next.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `UPDATE work_units SET current_phase=?, status=?, completed_at=?, updated_at=? WHERE id=?`,
			next.CurrentPhase, next.Status, nullableStringPtr(next.CompletedAt), next.UpdatedAt, id); err != nil {
			return err
		}
		if err := r.events().Append(ctx, tx, events.TransitionCompleted, "work_unit", id, sessionID, events.Payload{
			"transition": transitionType,
			"from_phase": cur.CurrentPhase,
			"to_phase":   next.CurrentPhase,
			"status":     next.Status,
		}); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// ConfirmTransition logs a transition that was already in effect, such as a
// repeated final approval. The unit itself is not touched.
func (r Repo) ConfirmTransition(ctx context.Context, id, transitionType, sessionID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanWorkUnit(tx.QueryRowContext(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE id=?`, id))
		if err != nil {
			return err
		}
		return r.events().Append(ctx, tx, events.TransitionConfirmed, "work_unit", id, sessionID, events.Payload{
			"transition": transitionType,
			"phase":      cur.CurrentPhase,
			"status":     cur.Status,
		})
	})
}

type WorkUnitFilter struct {
	Type     string
	Status   string
	Phase    string
	ParentID string
	Limit    int
}

func (r Repo) ListWorkUnits(ctx context.Context, f WorkUnitFilter) ([]domain.WorkUnit, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		clauses = append(clauses, "current_phase=?")
		args = append(args, f.Phase)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + workUnitColumns + ` FROM work_units`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryWorkUnits(ctx, query, args...)
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.WorkUnit, error) {
	return r.queryWorkUnits(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE parent_id=? ORDER BY created_at, id`, parentID)
}

// ListSiblings returns units sharing the parent of id, excluding id itself.
// Root units are siblings of every other root unit.
func (r Repo) ListSiblings(ctx context.Context, id string) ([]domain.WorkUnit, error) {
	w, err := r.GetWorkUnit(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.ParentID == nil {
		return r.queryWorkUnits(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE parent_id IS NULL AND id<>? ORDER BY created_at, id`, id)
	}
	return r.queryWorkUnits(ctx, `SELECT `+workUnitColumns+` FROM work_units WHERE parent_id=? AND id<>? ORDER BY created_at, id`, *w.ParentID, id)
}

func (r Repo) queryWorkUnits(ctx context.Context, query string, args ...any) ([]domain.WorkUnit, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkUnit
	for rows.Next() {
		w, err := scanWorkUnit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) InsertAttestation(ctx context.Context, a domain.Attestation) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO attestations(id,entity_kind,entity_id,kind,actor_id,ts,payload_json) VALUES (?,?,?,?,?,?,?)`,
			a.ID, a.EntityKind, a.EntityID, a.Kind, a.ActorID, a.TS, nullable(a.PayloadJSON)); err != nil {
			return err
		}
		return r.events().Append(ctx, tx, events.AttestationAdded, a.EntityKind, a.EntityID, a.ActorID, events.Payload{"kind": a.Kind})
	})
}

func (r Repo) ListAttestations(ctx context.Context, entityKind, entityID string) ([]domain.Attestation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,entity_kind,entity_id,kind,actor_id,ts,COALESCE(payload_json,'') FROM attestations WHERE entity_kind=? AND entity_id=? ORDER BY ts, id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attestation
	for rows.Next() {
		var a domain.Attestation
		if err := rows.Scan(&a.ID, &a.EntityKind, &a.EntityID, &a.Kind, &a.ActorID, &a.TS, &a.PayloadJSON); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestEvents returns the most recent events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
