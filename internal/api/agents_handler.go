package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/spendcache"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// spendGetter reads the cached period spend for one agent.
type spendGetter interface {
	Get(ctx context.Context, agentID string, period spendcache.Period) (float64, bool, error)
}

// costReader aggregates ledger spend for one agent since a point in time.
type costReader interface {
	PeriodCost(ctx context.Context, agentID string, since time.Time) (float64, error)
}

// agentsHandler groups the read-only agent directory endpoints. Agent
// lifecycle (create, update, delete, key issuance) lives in the upstream
// provisioning system, not here.
type agentsHandler struct {
	agents agentDirectory
	cache  spendGetter
	ledger costReader
	now    func() time.Time
}

func newAgentsHandler(agents agentDirectory, cache spendGetter, ledger costReader) *agentsHandler {
	return &agentsHandler{agents: agents, cache: cache, ledger: ledger, now: time.Now}
}

// ListAgents handles GET /api/v1/agents (admin).
func (h *agentsHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
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
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
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

	at := h.now()
	views := make([]agentStatusView, len(agents))
	for i, ag := range agents {
		views[i] = agentStatusView{Agent: ag, EffectiveStatus: ag.EffectiveStatus(at)}
	}

	resp := map[string]interface{}{
		"agents": views,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAgent handles GET /api/v1/agents/{externalID} (admin).
func (h *agentsHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, agentStatusView{Agent: ag, EffectiveStatus: ag.EffectiveStatus(h.now())})
}

// GetSpend handles GET /api/v1/agents/{externalID}/spend (admin).
// Returns both the cached counter and the ledger aggregate for the current
// period so operators can spot drift between the two.
func (h *agentsHandler) GetSpend(w http.ResponseWriter, r *http.Request) {
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

	period := spendcache.MonthOf(h.now())

	cached, found, err := h.cache.Get(r.Context(), ag.ID, period)
	if err != nil {
		slog.Warn("spend cache read failed", "agent_id", ag.ID, "error", err)
		found = false
	}

	ledgerSpend, err := h.ledger.PeriodCost(r.Context(), ag.ID, period.Start())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to aggregate ledger spend")
		return
	}

	resp := map[string]interface{}{
		"agent_id":     ag.ID,
		"external_id":  ag.ExternalID,
		"period":       period.Key(),
		"cached_spend": cached,
		"cache_hit":    found,
		"ledger_spend": ledgerSpend,
	}
	if ag.MonthlyCostLimit != nil {
		resp["monthly_cost_limit"] = *ag.MonthlyCostLimit
	}
	writeJSON(w, http.StatusOK, resp)
}
