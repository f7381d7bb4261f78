// Package gate runs ordered pass/fail validators against a shared context.
package gate

import (
	"context"
	"slices"

	"phaseline/internal/domain"
)

// DefaultMaxScore is used when a validator reports no maximum.
const DefaultMaxScore = 100

// Result is the outcome of one gate.
type Result struct {
	Passed   bool           `json:"passed"`
	Score    int            `json:"score"`
	MaxScore int            `json:"max_score"`
	Issues   []string       `json:"issues,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// Pass is a full-score passing result.
func Pass() Result {
	return Result{Passed: true, Score: DefaultMaxScore, MaxScore: DefaultMaxScore}
}

// Fail is a zero-score failing result.
func Fail(issues ...string) Result {
	return Result{Passed: false, Score: 0, MaxScore: DefaultMaxScore, Issues: issues}
}

// Validator inspects the context and reports a Result. Returning an error
// marks the gate failed with the error as its issue.
type Validator func(ctx context.Context, gc *Context) (Result, error)

// Gate is a named validator. Gates are required unless Optional is set.
type Gate struct {
	Name      string
	Validator Validator
	Optional  bool
	// Condition, when set and false, skips the gate entirely.
	Condition func(gc *Context) bool
}

// Names lists gate names in order.
func Names(gates []Gate) []string {
	out := make([]string, 0, len(gates))
	for _, g := range gates {
		out = append(out, g.Name)
	}
	return out
}

// Context is shared by every gate of one transition attempt.
type Context struct {
	WorkUnit       domain.WorkUnit
	TransitionType string
	SessionID      string
	Attestations   []domain.Attestation
	Children       []domain.WorkUnit
	Options        map[string]any
	// Values carries data from earlier gates to later ones.
	Values map[string]any
}

// HasAttestation reports whether an attestation of kind exists on the unit.
func (c *Context) HasAttestation(kind string) bool {
	return slices.ContainsFunc(c.Attestations, func(a domain.Attestation) bool { return a.Kind == kind })
}

func (c *Context) Set(key string, v any) {
	if c.Values == nil {
		c.Values = map[string]any{}
	}
	c.Values[key] = v
}

func (c *Context) Get(key string) (any, bool) {
	v, ok := c.Values[key]
	return v, ok
}
