package domain

import "time"

// TimeLayout is a fixed-width RFC3339 layout so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts any RFC3339 timestamp, with or without fractional seconds.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// Phases a work unit moves through.
const (
	PhaseLead      = "LEAD"
	PhasePlan      = "PLAN"
	PhaseExec      = "EXEC"
	PhaseCompleted = "COMPLETED"
)

// Work unit statuses.
const (
	StatusDraft           = "draft"
	StatusActive          = "active"
	StatusInProgress      = "in_progress"
	StatusVerification    = "verification"
	StatusPendingApproval = "pending_approval"
	StatusCompleted       = "completed"
)

type WorkUnit struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Title             string  `json:"title"`
	CurrentPhase      string  `json:"current_phase" enum:"LEAD,PLAN,EXEC,COMPLETED"`
	Status            string  `json:"status" enum:"draft,active,in_progress,verification,pending_approval,completed"`
	ParentID          *string `json:"parent_id,omitempty"`
	ValidationProfile *string `json:"validation_profile,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
	CompletedAt       *string `json:"completed_at,omitempty" format:"date-time"`
}

// Profile returns the validation profile or "" when unset.
func (w WorkUnit) Profile() string {
	if w.ValidationProfile == nil {
		return ""
	}
	return *w.ValidationProfile
}

type Claim struct {
	ID          string  `json:"id"`
	WorkUnitID  string  `json:"work_unit_id"`
	SessionID   string  `json:"session_id"`
	Hostname    string  `json:"hostname,omitempty"`
	ClaimedAt   string  `json:"claimed_at" format:"date-time"`
	HeartbeatAt string  `json:"heartbeat_at" format:"date-time"`
	ReleasedAt  *string `json:"released_at,omitempty" format:"date-time"`
}

type Session struct {
	ID          string `json:"id"`
	Hostname    string `json:"hostname"`
	PID         int    `json:"pid"`
	StartedAt   string `json:"started_at" format:"date-time"`
	HeartbeatAt string `json:"heartbeat_at" format:"date-time"`
}

// Gate policy applicability values.
const (
	ApplicabilityRequired = "REQUIRED"
	ApplicabilityOptional = "OPTIONAL"
	ApplicabilityDisabled = "DISABLED"
)

type GatePolicy struct {
	ID                string  `json:"id"`
	GateKey           string  `json:"gate_key"`
	WorkUnitType      *string `json:"work_unit_type,omitempty"`
	ValidationProfile *string `json:"validation_profile,omitempty"`
	Applicability     string  `json:"applicability" enum:"REQUIRED,OPTIONAL,DISABLED"`
	Reason            string  `json:"reason,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// Audit statuses.
const (
	AuditAccepted    = "accepted"
	AuditRejected    = "rejected"
	AuditSystemError = "system_error"
)

type TransitionAudit struct {
	ID             string `json:"id"`
	WorkUnitID     string `json:"work_unit_id"`
	TransitionType string `json:"transition_type"`
	SessionID      string `json:"session_id,omitempty"`
	Status         string `json:"status" enum:"accepted,rejected,system_error"`
	ReasonCode     string `json:"reason_code,omitempty"`
	Score          *int   `json:"score,omitempty"`
	DetailsJSON    string `json:"details_json,omitempty"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type TransitionStat struct {
	TransitionType string  `json:"transition_type"`
	Status         string  `json:"status"`
	Count          int     `json:"count"`
	AvgScore       float64 `json:"avg_score"`
}

type Attestation struct {
	ID          string `json:"id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	Kind        string `json:"kind"`
	ActorID     string `json:"actor_id"`
	TS          string `json:"ts" format:"date-time"`
	PayloadJSON string `json:"payload_json,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
