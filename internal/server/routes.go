package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/repo"
	"phaseline/internal/result"
	"phaseline/internal/transition"
)

func registerWorkUnits(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-unit",
		Method:        http.MethodPost,
		Path:          "/work-units",
		Summary:       "Create work unit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkUnitRequest `json:"body"`
	}) (*struct {
		Body domain.WorkUnit `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		w, err := e.CreateWorkUnit(ctx, engine.UnitCreateOptions{
			ID:                strPtrValue(input.Body.ID),
			Type:              input.Body.Type,
			Title:             input.Body.Title,
			ParentID:          strPtrValue(input.Body.ParentID),
			ValidationProfile: strPtrValue(input.Body.ValidationProfile),
			ActorID:           actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkUnit `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-units",
		Method:      http.MethodGet,
		Path:        "/work-units",
		Summary:     "List work units",
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		Status   string `query:"status"`
		Phase    string `query:"phase"`
		ParentID string `query:"parent_id"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body workUnitList `json:"body"`
	}, error) {
		items, err := e.Repo.ListWorkUnits(ctx, repo.WorkUnitFilter{
			Type:     input.Type,
			Status:   input.Status,
			Phase:    input.Phase,
			ParentID: input.ParentID,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body workUnitList `json:"body"`
		}{Body: workUnitList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-unit",
		Method:      http.MethodGet,
		Path:        "/work-units/{id}",
		Summary:     "Show work unit with children, evidence and claims",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkUnitDetail `json:"body"`
	}, error) {
		w, err := e.Repo.GetWorkUnit(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		children, err := e.Repo.ListChildren(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		atts, err := e.Repo.ListAttestations(ctx, "work_unit", w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		claims, err := e.Claims.UnreleasedClaims(ctx, w.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkUnitDetail `json:"body"`
		}{Body: WorkUnitDetail{
			WorkUnit:     w,
			Children:     emptyIfNil(children),
			Attestations: emptyIfNil(atts),
			Claims:       emptyIfNil(claims),
		}}, nil
	})
}

func registerTransitions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "execute-transition",
		Method:      http.MethodPost,
		Path:        "/work-units/{id}/transitions/{type}",
		Summary:     "Execute a phase transition",
		Description: "Always answers with a transition result. The HTTP status reflects the reason code.",
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		Type      string `path:"type" example:"LEAD-TO-PLAN"`
		SessionID string `header:"X-Session-Id"`
		// Body is optional; a nil body runs the transition with no bypass.
		Body *TransitionRequest
	}) (*struct {
		Status int
		Body   result.Result `json:"body"`
	}, error) {
		sessionID := strings.TrimSpace(input.SessionID)
		if sessionID == "" {
			if p, ok := principalFromContext(ctx); ok {
				sessionID = p.ActorID
			}
		}
		var warnings []string
		if sessionID != "" {
			if _, err := e.Repo.UpsertSession(ctx, domain.Session{ID: sessionID, Hostname: remoteHost(ctx)}); err != nil {
				warnings = append(warnings, "session not registered: "+err.Error())
			}
		}
		// Callers without a session stay sessionless: any active claim blocks
		// them and they never claim the unit.
		opts := transition.Options{SessionID: sessionID, Anonymous: sessionID == ""}
		if input.Body != nil {
			opts.Bypass = input.Body.Bypass
			opts.BypassReason = input.Body.BypassReason
			opts.Values = input.Body.Values
		}
		res := e.ExecuteTransition(ctx, strings.ToUpper(input.Type), input.ID, opts).WithWarnings(warnings...)
		return &struct {
			Status int
			Body   result.Result `json:"body"`
		}{Status: statusForResult(res), Body: res}, nil
	})
}

func registerClaims(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-claims",
		Method:      http.MethodGet,
		Path:        "/work-units/{id}/claims",
		Summary:     "List claims on a work unit",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID              string `path:"id"`
		IncludeReleased bool   `query:"include_released"`
	}) (*struct {
		Body claimList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetWorkUnit(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		var (
			items []domain.Claim
			err   error
		)
		if rs, ok := e.Claims.(repo.Repo); ok {
			items, err = rs.ListClaims(ctx, input.ID, input.IncludeReleased)
		} else {
			items, err = e.Claims.UnreleasedClaims(ctx, input.ID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body claimList `json:"body"`
		}{Body: claimList{Items: emptyIfNil(items)}}, nil
	})
}

func registerAttestations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-attestation",
		Method:        http.MethodPost,
		Path:          "/work-units/{id}/attestations",
		Summary:       "Add attestation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body CreateAttestationRequest `json:"body"`
	}) (*struct {
		Body domain.Attestation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		payload := ""
		if input.Body.Payload != nil {
			b, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
			payload = string(b)
		}
		att, err := e.AddAttestation(ctx, domain.Attestation{
			ID:          strPtrValue(input.Body.ID),
			EntityKind:  "work_unit",
			EntityID:    input.ID,
			Kind:        input.Body.Kind,
			PayloadJSON: payload,
		}, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Attestation `json:"body"`
		}{Body: att}, nil
	})
}

func registerGatePolicies(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gate-policies",
		Method:      http.MethodGet,
		Path:        "/gate-policies",
		Summary:     "List gate policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body gatePolicyList `json:"body"`
	}, error) {
		items, err := e.Repo.ListGatePolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body gatePolicyList `json:"body"`
		}{Body: gatePolicyList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-gate-policy",
		Method:      http.MethodPut,
		Path:        "/gate-policies",
		Summary:     "Create or replace the policy for a gate scope",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body GatePolicyRequest `json:"body"`
	}) (*struct {
		Body domain.GatePolicy `json:"body"`
	}, error) {
		p, err := e.SetGatePolicy(ctx, domain.GatePolicy{
			GateKey:           input.Body.GateKey,
			WorkUnitType:      input.Body.WorkUnitType,
			ValidationProfile: input.Body.ValidationProfile,
			Applicability:     input.Body.Applicability,
			Reason:            input.Body.Reason,
		}, actorID(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GatePolicy `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-gate-policy",
		Method:        http.MethodDelete,
		Path:          "/gate-policies/{id}",
		Summary:       "Delete gate policy",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteGatePolicy(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAudit(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Transition audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		WorkUnitID     string `query:"work_unit_id"`
		TransitionType string `query:"transition_type"`
		Status         string `query:"status"`
		Limit          int    `query:"limit" default:"50"`
	}) (*struct {
		Body auditList `json:"body"`
	}, error) {
		items, err := e.Repo.ListAudit(ctx, repo.AuditFilter{
			WorkUnitID:     input.WorkUnitID,
			TransitionType: input.TransitionType,
			Status:         input.Status,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body auditList `json:"body"`
		}{Body: auditList{Items: emptyIfNil(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Attempt counts and average score per transition type and status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statsResponse `json:"body"`
	}, error) {
		items, err := e.Repo.TransitionStats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statsResponse `json:"body"`
		}{Body: statsResponse{Items: emptyIfNil(items)}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: eventList{Items: emptyIfNil(items)}}, nil
	})
}

func remoteHost(ctx context.Context) string {
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return "http"
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
