package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/gate"
	"github.com/alecgard/herse/internal/killswitch"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// admissionChecker runs the gate for one request.
type admissionChecker interface {
	Check(ctx context.Context, req gate.CheckRequest) (*gate.Decision, error)
}

// agentReader resolves external agent ids for read-only endpoints.
type agentReader interface {
	GetByExternalID(ctx context.Context, externalID string) (*agent.Agent, error)
}

// stopReader exposes the in-memory global stop snapshot.
type stopReader interface {
	GlobalStopState() killswitch.StopState
}

// admissionHandler groups the data-plane admission endpoints.
type admissionHandler struct {
	gate   admissionChecker
	agents agentReader
	stop   stopReader
	now    func() time.Time
}

func newAdmissionHandler(g admissionChecker, agents agentReader, stop stopReader) *admissionHandler {
	return &admissionHandler{gate: g, agents: agents, stop: stop, now: time.Now}
}

// admissionCheckRequest is the JSON body for an admission check.
type admissionCheckRequest struct {
	AgentID    string  `json:"agent_id"`
	Owner      string  `json:"owner"`
	CostAmount float64 `json:"cost_amount"`
}

// decisionResponse is the JSON shape for admission outcomes, allow and deny
// alike. Denials are policy outcomes, not errors, so they do not use the
// error envelope.
type decisionResponse struct {
	Allowed bool           `json:"allowed"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	AgentID string         `json:"agent_id,omitempty"`
	Status  string         `json:"status,omitempty"`
}

func toDecisionResponse(dec *gate.Decision, at time.Time) decisionResponse {
	resp := decisionResponse{
		Allowed: dec.Allowed,
		Code:    string(dec.Code),
		Message: dec.Message,
		Details: dec.Details,
	}
	if dec.Agent != nil {
		resp.AgentID = dec.Agent.ID
		resp.Status = string(dec.Agent.EffectiveStatus(at))
	}
	return resp
}

// writeDecision maps an admission decision to 200 (allow) or 403 (deny).
func writeDecision(w http.ResponseWriter, dec *gate.Decision, at time.Time) {
	status := http.StatusOK
	if !dec.Allowed {
		status = http.StatusForbidden
	}
	writeJSON(w, status, toDecisionResponse(dec, at))
}

// Check handles POST /api/v1/admission/check (service). It runs the gate
// only; kill-on-budget-breach and pause self-healing happen as side effects
// of the check itself, but nothing is recorded to the ledger.
func (h *admissionHandler) Check(w http.ResponseWriter, r *http.Request) {
	var req admissionCheckRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.CostAmount < 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "cost_amount must not be negative")
		return
	}

	dec, err := h.gate.Check(r.Context(), gate.CheckRequest{
		AgentID:    req.AgentID,
		Owner:      req.Owner,
		CostAmount: req.CostAmount,
	})
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "admission_unavailable", "admission check failed")
		return
	}

	writeDecision(w, dec, h.now())
}

// agentActiveResponse is what a caller needs to short-circuit work for an
// agent that would be denied anyway.
type agentActiveResponse struct {
	Active     bool   `json:"active"`
	Status     string `json:"status"`
	GlobalStop bool   `json:"global_stop"`
}

// AgentActive handles GET /api/v1/agents/{externalID}/active (service).
func (h *admissionHandler) AgentActive(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	if externalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "agent external id is required")
		return
	}

	ag, err := h.agents.GetByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "agent not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		return
	}

	stopped := h.stop.GlobalStopState().Active
	eff := ag.EffectiveStatus(h.now())

	writeJSON(w, http.StatusOK, agentActiveResponse{
		Active:     !stopped && eff == agent.StatusActive,
		Status:     string(eff),
		GlobalStop: stopped,
	})
}
