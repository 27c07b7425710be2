package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/audit"
	"github.com/alecgard/herse/internal/killswitch"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// killSwitchActions is the slice of the killswitch service the control
// surface uses.
type killSwitchActions interface {
	KillAgent(ctx context.Context, agentID, externalID, reason, actor string) (bool, error)
	PauseAgent(ctx context.Context, agentID, externalID string, minutes int, actor string) (time.Time, bool, error)
	ReviveAgent(ctx context.Context, agentID, externalID, actor string) (bool, error)
	KillCustomerAgents(ctx context.Context, owner, reason, actor string) (int, error)
	EnableEmergencyStop(ctx context.Context, reason, actor string, confirmed bool) (int64, error)
	DisableEmergencyStop(ctx context.Context, actor string) (bool, error)
	GlobalStopState() killswitch.StopState
}

// agentDirectory resolves external ids and renders status views.
type agentDirectory interface {
	GetByExternalID(ctx context.Context, externalID string) (*agent.Agent, error)
	List(ctx context.Context, params agent.ListParams) ([]*agent.Agent, string, error)
	CountByStatus(ctx context.Context) (map[agent.Status]int64, error)
}

// auditReader pages through the durable audit trail.
type auditReader interface {
	ListRecent(ctx context.Context, params audit.ListParams) ([]*audit.Record, string, error)
}

// killSwitchHandler groups the kill-switch control endpoints.
type killSwitchHandler struct {
	svc    killSwitchActions
	agents agentDirectory
	audits auditReader
	now    func() time.Time
}

func newKillSwitchHandler(svc killSwitchActions, agents agentDirectory, audits auditReader) *killSwitchHandler {
	return &killSwitchHandler{svc: svc, agents: agents, audits: audits, now: time.Now}
}

// lookupAgent resolves an external id or writes the appropriate error.
func (h *killSwitchHandler) lookupAgent(w http.ResponseWriter, r *http.Request, externalID string) (*agent.Agent, bool) {
	if externalID == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "agent external id is required")
		return nil, false
	}
	ag, err := h.agents.GetByExternalID(r.Context(), externalID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "agent not found")
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to get agent")
		}
		return nil, false
	}
	return ag, true
}

// KillAgent handles POST /api/v1/killswitch/agents/{externalID}/kill (admin).
// Killing an already-killed agent is a successful no-op.
func (h *killSwitchHandler) KillAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	ag, ok := h.lookupAgent(w, r, chi.URLParam(r, "externalID"))
	if !ok {
		return
	}

	applied, err := h.svc.KillAgent(r.Context(), ag.ID, ag.ExternalID, req.Reason, req.Actor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to kill agent")
		return
	}

	auditLog(r, "kill", "agent", ag.ExternalID, "actor", req.Actor, "applied", applied)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied": applied,
		"status":  agent.StatusKilled,
	})
}

// PauseAgent handles POST /api/v1/killswitch/agents/{externalID}/pause (admin).
func (h *killSwitchHandler) PauseAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
		Actor   string `json:"actor"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Minutes < killswitch.MinPauseMinutes || req.Minutes > killswitch.MaxPauseMinutes {
		writeError(w, http.StatusUnprocessableEntity, "validation_error",
			"minutes must be between "+strconv.Itoa(killswitch.MinPauseMinutes)+
				" and "+strconv.Itoa(killswitch.MaxPauseMinutes))
		return
	}

	ag, ok := h.lookupAgent(w, r, chi.URLParam(r, "externalID"))
	if !ok {
		return
	}

	until, applied, err := h.svc.PauseAgent(r.Context(), ag.ID, ag.ExternalID, req.Minutes, req.Actor)
	if err != nil {
		if errors.Is(err, killswitch.ErrPauseOutOfRange) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "minutes out of range")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to pause agent")
		return
	}

	auditLog(r, "pause", "agent", ag.ExternalID, "actor", req.Actor, "minutes", req.Minutes, "applied", applied)

	resp := map[string]interface{}{
		"applied": applied,
	}
	if applied {
		resp["status"] = agent.StatusPaused
		resp["pause_until"] = until
	} else {
		resp["status"] = h.currentStatus(r.Context(), ag)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ReviveAgent handles POST /api/v1/killswitch/agents/{externalID}/revive (admin).
func (h *killSwitchHandler) ReviveAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	ag, ok := h.lookupAgent(w, r, chi.URLParam(r, "externalID"))
	if !ok {
		return
	}

	applied, err := h.svc.ReviveAgent(r.Context(), ag.ID, ag.ExternalID, req.Actor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to revive agent")
		return
	}

	auditLog(r, "revive", "agent", ag.ExternalID, "actor", req.Actor, "applied", applied)

	resp := map[string]interface{}{
		"applied": applied,
	}
	if applied {
		resp["status"] = agent.StatusActive
	} else {
		resp["status"] = h.currentStatus(r.Context(), ag)
	}
	writeJSON(w, http.StatusOK, resp)
}

// currentStatus re-reads the agent's effective status after a no-op action.
// Falls back to the snapshot the handler already has if the read fails.
func (h *killSwitchHandler) currentStatus(ctx context.Context, ag *agent.Agent) agent.Status {
	fresh, err := h.agents.GetByExternalID(ctx, ag.ExternalID)
	if err != nil {
		return ag.EffectiveStatus(h.now())
	}
	return fresh.EffectiveStatus(h.now())
}

// KillCustomerAgents handles POST /api/v1/killswitch/customers/{owner}/kill (admin).
func (h *killSwitchHandler) KillCustomerAgents(w http.ResponseWriter, r *http.Request) {
	owner := chi.URLParam(r, "owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "invalid_params", "owner is required")
		return
	}

	var req struct {
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	killed, err := h.svc.KillCustomerAgents(r.Context(), owner, req.Reason, req.Actor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to kill customer agents")
		return
	}

	auditLog(r, "customer_kill", "customer", owner, "actor", req.Actor, "agents_killed", killed)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents_killed": killed,
	})
}

// EnableEmergencyStop handles POST /api/v1/killswitch/emergency-stop (admin).
func (h *killSwitchHandler) EnableEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason  string `json:"reason"`
		Actor   string `json:"actor"`
		Confirm bool   `json:"confirm"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	killed, err := h.svc.EnableEmergencyStop(r.Context(), req.Reason, req.Actor, req.Confirm)
	if err != nil {
		if errors.Is(err, killswitch.ErrConfirmationRequired) {
			writeError(w, http.StatusBadRequest, "confirmation_required", "emergency stop requires confirm=true")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to enable emergency stop")
		return
	}

	auditLog(r, "emergency_stop_enable", "system", "global", "actor", req.Actor, "agents_killed", killed)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"global_stop":   true,
		"agents_killed": killed,
	})
}

// DisableEmergencyStop handles DELETE /api/v1/killswitch/emergency-stop (admin).
// Clearing the stop does not revive any agents.
func (h *killSwitchHandler) DisableEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	if err := readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	changed, err := h.svc.DisableEmergencyStop(r.Context(), req.Actor)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to disable emergency stop")
		return
	}

	auditLog(r, "emergency_stop_disable", "system", "global", "actor", req.Actor, "changed", changed)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"global_stop": false,
		"changed":     changed,
	})
}

// agentStatusView decorates an agent with the status admission would observe
// right now.
type agentStatusView struct {
	*agent.Agent
	EffectiveStatus agent.Status `json:"effective_status"`
}

func (h *killSwitchHandler) statusViews(agents []*agent.Agent) []agentStatusView {
	at := h.now()
	views := make([]agentStatusView, len(agents))
	for i, ag := range agents {
		views[i] = agentStatusView{Agent: ag, EffectiveStatus: ag.EffectiveStatus(at)}
	}
	return views
}

// Status handles GET /api/v1/killswitch/status (admin).
func (h *killSwitchHandler) Status(w http.ResponseWriter, r *http.Request) {
	counts, err := h.agents.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to count agents")
		return
	}

	params := agent.ListParams{
		Owner:  r.URL.Query().Get("owner"),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if s := r.URL.Query().Get("status"); s != "" {
		status := agent.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_params", "unknown status filter")
			return
		}
		params.Status = status
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	agents, nextCursor, err := h.agents.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list agents")
		return
	}

	resp := map[string]interface{}{
		"global_stop":   h.svc.GlobalStopState(),
		"status_counts": counts,
		"agents":        h.statusViews(agents),
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListEvents handles GET /api/v1/killswitch/events (admin).
func (h *killSwitchHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	params := audit.ListParams{
		EventType:  r.URL.Query().Get("event_type"),
		TargetType: r.URL.Query().Get("target_type"),
		TargetID:   r.URL.Query().Get("target_id"),
		Cursor:     r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	records, nextCursor, err := h.audits.ListRecent(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit events")
		return
	}

	if records == nil {
		records = []*audit.Record{}
	}

	resp := map[string]interface{}{
		"events": records,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
