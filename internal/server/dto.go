package server

import (
	"phaseline/internal/domain"
)

// Request payloads

type CreateWorkUnitRequest struct {
	ID                *string `json:"id,omitempty"`
	Type              string  `json:"type,omitempty" example:"feature"`
	Title             string  `json:"title" minLength:"1"`
	ParentID          *string `json:"parent_id,omitempty"`
	ValidationProfile *string `json:"validation_profile,omitempty"`
}

type TransitionRequest struct {
	Bypass       bool           `json:"bypass,omitempty"`
	BypassReason string         `json:"bypass_reason,omitempty"`
	Values       map[string]any `json:"values,omitempty"`
}

type CreateAttestationRequest struct {
	ID      *string        `json:"id,omitempty"`
	Kind    string         `json:"kind" example:"ci.passed"`
	Payload map[string]any `json:"payload,omitempty"`
}

type GatePolicyRequest struct {
	GateKey           string  `json:"gate_key" example:"DESIGN_EVIDENCE"`
	WorkUnitType      *string `json:"work_unit_type,omitempty"`
	ValidationProfile *string `json:"validation_profile,omitempty"`
	Applicability     string  `json:"applicability" enum:"REQUIRED,OPTIONAL,DISABLED"`
	Reason            string  `json:"reason,omitempty"`
}

// Responses

type WorkUnitDetail struct {
	WorkUnit     domain.WorkUnit      `json:"work_unit"`
	Children     []domain.WorkUnit    `json:"children"`
	Attestations []domain.Attestation `json:"attestations"`
	Claims       []domain.Claim       `json:"claims"`
}

type workUnitList struct {
	Items []domain.WorkUnit `json:"items"`
}

type claimList struct {
	Items []domain.Claim `json:"items"`
}

type gatePolicyList struct {
	Items []domain.GatePolicy `json:"items"`
}

type auditList struct {
	Items []domain.TransitionAudit `json:"items"`
}

type statsResponse struct {
	Items []domain.TransitionStat `json:"items"`
}

type eventList struct {
	Items []domain.Event `json:"items"`
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
