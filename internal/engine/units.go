package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"phaseline/internal/claim"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// UnitCreateOptions are parameters for creating a work unit.
type UnitCreateOptions struct {
	ID                string
	Type              string
	Title             string
	ParentID          string
	ValidationProfile string
	ActorID           string
}

// CreateWorkUnit inserts a unit in the LEAD phase with draft status.
func (e *Engine) CreateWorkUnit(ctx context.Context, opts UnitCreateOptions) (domain.WorkUnit, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.WorkUnit{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = "feature"
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := domain.FormatTime(e.now())
	w := domain.WorkUnit{
		ID:                opts.ID,
		Type:              opts.Type,
		Title:             opts.Title,
		CurrentPhase:      domain.PhaseLead,
		Status:            domain.StatusDraft,
		ParentID:          optionalString(opts.ParentID),
		ValidationProfile: optionalString(opts.ValidationProfile),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.Repo.InsertWorkUnit(ctx, w, opts.ActorID); err != nil {
		return domain.WorkUnit{}, err
	}
	return w, nil
}

// AddAttestation records evidence against a work unit. Kinds outside the
// configured catalog are rejected.
func (e *Engine) AddAttestation(ctx context.Context, att domain.Attestation, actorID string) (domain.Attestation, error) {
	if att.Kind == "" {
		return domain.Attestation{}, errors.New("attestation kind is required")
	}
	if att.EntityKind == "" {
		att.EntityKind = "work_unit"
	}
	if att.PayloadJSON != "" && !json.Valid([]byte(att.PayloadJSON)) {
		return domain.Attestation{}, errors.New("invalid attestation payload: not JSON")
	}
	if e.Config != nil && len(e.Config.Attestations.Catalog) > 0 {
		if _, ok := e.Config.Attestations.Catalog[att.Kind]; !ok {
			return domain.Attestation{}, fmt.Errorf("unknown attestation kind %s", att.Kind)
		}
	}
	if att.EntityKind == "work_unit" {
		if _, err := e.Repo.GetWorkUnit(ctx, att.EntityID); err != nil {
			return domain.Attestation{}, err
		}
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if actorID == "" {
		actorID = "local-user"
	}
	att.ActorID = actorID
	att.TS = domain.FormatTime(e.now())
	if err := e.Repo.InsertAttestation(ctx, att); err != nil {
		return domain.Attestation{}, err
	}
	return att, nil
}

// SetGatePolicy stores a policy and drops the resolver cache so the change
// applies to the next attempt.
func (e *Engine) SetGatePolicy(ctx context.Context, p domain.GatePolicy, actorID string) (domain.GatePolicy, error) {
	if p.GateKey == "" {
		return domain.GatePolicy{}, errors.New("gate key is required")
	}
	p.Applicability = strings.ToUpper(p.Applicability)
	if !slices.Contains([]string{domain.ApplicabilityRequired, domain.ApplicabilityOptional, domain.ApplicabilityDisabled}, p.Applicability) {
		return domain.GatePolicy{}, fmt.Errorf("applicability must be REQUIRED, OPTIONAL or DISABLED, got %q", p.Applicability)
	}
	out, err := e.Repo.UpsertGatePolicy(ctx, p, actorID)
	if err != nil {
		return domain.GatePolicy{}, err
	}
	e.Policies.Invalidate()
	return out, nil
}

func (e *Engine) DeleteGatePolicy(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteGatePolicy(ctx, id, actorID); err != nil {
		return err
	}
	e.Policies.Invalidate()
	return nil
}

// ReleaseClaim releases the session's claim, or every open claim on the unit
// when force is set.
func (e *Engine) ReleaseClaim(ctx context.Context, workUnitID, sessionID, actorID string, force bool) error {
	if _, err := e.Repo.GetWorkUnit(ctx, workUnitID); err != nil {
		return err
	}
	if force {
		if rs, ok := e.Claims.(repo.Repo); ok {
			_, err := rs.ForceReleaseClaims(ctx, workUnitID, actorID)
			return err
		}
		claims, err := e.Claims.UnreleasedClaims(ctx, workUnitID)
		if err != nil {
			return err
		}
		for _, c := range claims {
			// A claim released or expired since the listing is already gone.
			if err := e.Claims.ReleaseClaim(ctx, workUnitID, c.SessionID); err != nil && !errors.Is(err, claim.ErrNotHeld) {
				return err
			}
		}
		return nil
	}
	if sessionID == "" {
		return errors.New("session id is required unless forcing")
	}
	return e.Claims.ReleaseClaim(ctx, workUnitID, sessionID)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
