// Package phaselinesdk is a minimal client for the Phaseline HTTP API.
package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// SessionID is sent as X-Session-Id on transition requests.
	SessionID  string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, sessionID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		SessionID: sessionID,
		Timeout:   10 * time.Second,
	}
}

// WorkUnit represents the API work unit model.
type WorkUnit struct {
	ID                string  `json:"id"`
	Type              string  `json:"type"`
	Title             string  `json:"title"`
	CurrentPhase      string  `json:"current_phase"`
	Status            string  `json:"status"`
	ParentID          *string `json:"parent_id,omitempty"`
	ValidationProfile *string `json:"validation_profile,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	CompletedAt       *string `json:"completed_at,omitempty"`
}

// Attestation represents an evidence entry.
type Attestation struct {
	ID          string `json:"id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id"`
	Kind        string `json:"kind"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json,omitempty"`
	TS          string `json:"ts"`
}

// TransitionResult is the outcome of one transition attempt.
type TransitionResult struct {
	Success     bool           `json:"success"`
	Rejected    bool           `json:"rejected"`
	ReasonCode  string         `json:"reason_code"`
	Message     string         `json:"message"`
	Details     map[string]any `json:"details"`
	Remediation string         `json:"remediation"`
	Score       *int           `json:"score"`
	Warnings    []string       `json:"warnings"`
	Data        map[string]any `json:"data"`
}

// AuditEntry is one row of the transition audit trail.
type AuditEntry struct {
	ID             string `json:"id"`
	WorkUnitID     string `json:"work_unit_id"`
	TransitionType string `json:"transition_type"`
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	ReasonCode     string `json:"reason_code"`
	Score          *int   `json:"score"`
	DetailsJSON    string `json:"details_json"`
	CreatedAt      string `json:"created_at"`
}

// TransitionStat aggregates attempts per transition type and status.
type TransitionStat struct {
	TransitionType string  `json:"transition_type"`
	Status         string  `json:"status"`
	Count          int     `json:"count"`
	AvgScore       float64 `json:"avg_score"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// TransitionOptions are optional transition parameters.
type TransitionOptions struct {
	Bypass       bool           `json:"bypass,omitempty"`
	BypassReason string         `json:"bypass_reason,omitempty"`
	Values       map[string]any `json:"values,omitempty"`
}

// CreateWorkUnit creates a work unit in the LEAD phase.
func (c *Client) CreateWorkUnit(ctx context.Context, title, unitType, parentID string) (WorkUnit, error) {
	body := map[string]any{
		"title": title,
		"type":  unitType,
	}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	var resp WorkUnit
	err := c.do(ctx, http.MethodPost, "v0/work-units", body, nil, &resp)
	return resp, err
}

// AddAttestation records evidence on a work unit.
func (c *Client) AddAttestation(ctx context.Context, workUnitID, kind string, payload map[string]any) (Attestation, error) {
	body := map[string]any{"kind": kind}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Attestation
	endpoint := fmt.Sprintf("v0/work-units/%s/attestations", url.PathEscape(workUnitID))
	err := c.do(ctx, http.MethodPost, endpoint, body, nil, &resp)
	return resp, err
}

// ExecuteTransition attempts a transition. Rejections are returned as a
// result, not an error; err is set only when no result could be read.
func (c *Client) ExecuteTransition(ctx context.Context, transitionType, workUnitID string, opts TransitionOptions) (TransitionResult, error) {
	endpoint := fmt.Sprintf("v0/work-units/%s/transitions/%s", url.PathEscape(workUnitID), url.PathEscape(transitionType))
	headers := map[string]string{}
	if c.SessionID != "" {
		headers["X-Session-Id"] = c.SessionID
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, endpoint, opts, headers, &resp)
	if apiErr, ok := err.(*APIError); ok {
		if jerr := json.Unmarshal([]byte(apiErr.Body), &resp); jerr == nil && resp.ReasonCode != "" {
			return resp, nil
		}
	}
	return resp, err
}

// ListAudit returns the audit trail, newest first. An empty workUnitID lists
// every unit.
func (c *Client) ListAudit(ctx context.Context, workUnitID string, limit int) ([]AuditEntry, error) {
	q := url.Values{}
	if workUnitID != "" {
		q.Set("work_unit_id", workUnitID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, &resp)
	return resp.Items, err
}

// Stats returns attempt counts and average scores.
func (c *Client) Stats(ctx context.Context) ([]TransitionStat, error) {
	var resp struct {
		Items []TransitionStat `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/stats", nil, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, headers map[string]string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
