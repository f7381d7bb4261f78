package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"phaseline/internal/domain"
)

// Event types written to the lifecycle log.
const (
	UnitCreated         = "unit.created"
	ClaimAcquired       = "claim.acquired"
	ClaimReleased       = "claim.released"
	AttestationAdded    = "attestation.added"
	PolicyUpserted      = "policy.upserted"
	PolicyDeleted       = "policy.deleted"
	TransitionCompleted = "transition.completed"
	TransitionConfirmed = "transition.confirmed"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records an event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
