// Package result defines the closed set of outcomes a transition attempt can produce.
package result

import (
	"errors"
	"fmt"
	"strings"

	"phaseline/internal/domain"
	"phaseline/internal/gate"
)

// Reason codes carried by non-success results.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeUnsupportedType = "UNSUPPORTED_TYPE"
	CodeClaimConflict   = "CLAIM_CONFLICT"
	CodeGateFailed      = "GATE_FAILED"
	CodeSystemError     = "SYSTEM_ERROR"
	CodeFieldError      = "FIELD_ERROR"
	CodeInvalidStatus   = "INVALID_STATUS"
	CodeSkipAndContinue = "SKIP_AND_CONTINUE"
)

// Result is the immutable outcome of one transition attempt.
type Result struct {
	Success     bool           `json:"success"`
	Rejected    bool           `json:"rejected,omitempty"`
	ReasonCode  string         `json:"reason_code,omitempty"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
	Score       *int           `json:"score,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Data        map[string]any `json:"data,omitempty"`

	// Err is the fault behind a system error. It is not serialized.
	Err error `json:"-"`
}

func Success(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Rejected is an expected business refusal. A blank remediation is replaced
// with a generic hint so every non-success result carries one.
func Rejected(code, message string, details map[string]any, remediation string) Result {
	if code == "" {
		code = CodeGateFailed
	}
	if remediation == "" {
		remediation = "Resolve the reported issue and retry the transition."
	}
	return Result{Rejected: true, ReasonCode: code, Message: message, Details: details, Remediation: remediation}
}

// GateFailure reports the first required gate that failed.
func GateFailure(gateName string, gr gate.Result, remediation string) Result {
	msg := fmt.Sprintf("gate %s failed", gateName)
	if len(gr.Issues) > 0 {
		msg += ": " + strings.Join(gr.Issues, "; ")
	}
	if remediation == "" {
		remediation = fmt.Sprintf("Address the issues reported by %s and retry.", gateName)
	}
	score := gr.Score
	details := map[string]any{
		"gate":      gateName,
		"score":     gr.Score,
		"max_score": gr.MaxScore,
		"issues":    gr.Issues,
	}
	for k, v := range gr.Details {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}
	r := Rejected(CodeGateFailed, msg, details, remediation)
	r.Score = &score
	r.Warnings = append(r.Warnings, gr.Warnings...)
	return r
}

// SystemError wraps an unexpected fault. It is not a rejection.
func SystemError(err error) Result {
	if err == nil {
		err = errors.New("unknown error")
	}
	return Result{
		ReasonCode:  CodeSystemError,
		Message:     err.Error(),
		Remediation: "An unexpected error occurred; check the logs and retry. Report the error if it persists.",
		Err:         err,
	}
}

func NotFound(entityType, id string) Result {
	return Rejected(CodeNotFound, fmt.Sprintf("%s %s not found", entityType, id),
		map[string]any{"entity_type": entityType, "id": id},
		fmt.Sprintf("Check the %s id; list existing ones before retrying.", entityType))
}

func UnsupportedType(given string, supported []string) Result {
	return Rejected(CodeUnsupportedType, fmt.Sprintf("unsupported transition type %q", given),
		map[string]any{"given": given, "supported": supported},
		"Use one of: "+strings.Join(supported, ", "))
}

func FieldError(entity, field, issue, fix string) Result {
	if fix == "" {
		fix = fmt.Sprintf("Provide a valid %s.%s.", entity, field)
	}
	return Rejected(CodeFieldError, fmt.Sprintf("%s.%s: %s", entity, field, issue),
		map[string]any{"entity": entity, "field": field, "issue": issue}, fix)
}

// WithWarnings returns a copy of r with ws appended.
func (r Result) WithWarnings(ws ...string) Result {
	if len(ws) == 0 {
		return r
	}
	out := r
	out.Warnings = append(append([]string(nil), r.Warnings...), ws...)
	return out
}

// AuditStatus maps the result onto the audit trail's status column.
func (r Result) AuditStatus() string {
	switch {
	case r.Success:
		return domain.AuditAccepted
	case r.ReasonCode == CodeSystemError:
		return domain.AuditSystemError
	default:
		return domain.AuditRejected
	}
}

func (r Result) String() string {
	if r.Success {
		return "success"
	}
	return fmt.Sprintf("%s: %s", r.ReasonCode, r.Message)
}
