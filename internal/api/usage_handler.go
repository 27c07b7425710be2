package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alecgard/herse/internal/agent"
	"github.com/alecgard/herse/internal/gate"
	"github.com/alecgard/herse/internal/ledger"
	"github.com/alecgard/herse/internal/spendcache"
)

// agentEnsurer creates the agent row on first sight of an external id.
type agentEnsurer interface {
	EnsureByExternalID(ctx context.Context, externalID, owner string) (*agent.Agent, error)
}

// spendIncrementer adds accepted spend to the current period's cache entry.
type spendIncrementer interface {
	IncrementAndGet(ctx context.Context, agentID string, period spendcache.Period, delta float64) (float64, error)
}

// eventRecorder buffers accepted events for batched ledger writes.
type eventRecorder interface {
	Record(ev ledger.UsageEvent) string
}

// usageReader serves the read-side usage views.
type usageReader interface {
	GetSummary(ctx context.Context, q ledger.UsageQuery) (*ledger.UsageSummary, error)
	ListEvents(ctx context.Context, q ledger.UsageQuery) ([]*ledger.UsageEvent, string, error)
}

// usageHandler groups usage ingestion and usage query endpoints.
type usageHandler struct {
	gate     admissionChecker
	agents   agentEnsurer
	cache    spendIncrementer
	recorder eventRecorder
	ledger   usageReader
	now      func() time.Time
}

func newUsageHandler(g admissionChecker, agents agentEnsurer, cache spendIncrementer, rec eventRecorder, reader usageReader) *usageHandler {
	return &usageHandler{
		gate:     g,
		agents:   agents,
		cache:    cache,
		recorder: rec,
		ledger:   reader,
		now:      time.Now,
	}
}

// recordUsageRequest is the JSON body for reporting one usage event.
type recordUsageRequest struct {
	AgentID          string     `json:"agent_id"`
	Owner            string     `json:"owner"`
	CostAmount       float64    `json:"cost_amount"`
	InputTokens      int64      `json:"input_tokens"`
	OutputTokens     int64      `json:"output_tokens"`
	Model            string     `json:"model"`
	RequestSignature string     `json:"request_signature"`
	ErrorCode        string     `json:"error_code"`
	OccurredAt       *time.Time `json:"occurred_at"`
}

// RecordUsage handles POST /api/v1/usage (service). The gate decides first;
// only allowed requests reach the ledger and the cache.
func (h *usageHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req recordUsageRequest
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
	if !dec.Allowed {
		writeDecision(w, dec, h.now())
		return
	}

	ag := dec.Agent
	if ag == nil {
		// First event for this external id: provision the row.
		ag, err = h.agents.EnsureByExternalID(r.Context(), req.AgentID, req.Owner)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to ensure agent")
			return
		}
	}

	occurredAt := h.now()
	if req.OccurredAt != nil && !req.OccurredAt.IsZero() {
		occurredAt = *req.OccurredAt
	}

	eventID := h.recorder.Record(ledger.UsageEvent{
		AgentID:          ag.ID,
		OccurredAt:       occurredAt,
		CostAmount:       req.CostAmount,
		InputTokens:      req.InputTokens,
		OutputTokens:     req.OutputTokens,
		Model:            req.Model,
		RequestSignature: ledger.NormalizeSignature(req.RequestSignature),
		ErrorCode:        req.ErrorCode,
	})

	period := spendcache.MonthOf(occurredAt)
	resp := map[string]interface{}{
		"event_id": eventID,
		"agent_id": ag.ID,
		"period":   period.Key(),
	}

	// The cache increment runs ahead of the buffered ledger write so the
	// next admission check already sees this spend.
	total, cacheErr := h.cache.IncrementAndGet(r.Context(), ag.ID, period, req.CostAmount)
	if cacheErr != nil {
		slog.Warn("failed to increment spend cache",
			"agent_id", ag.ID,
			"period", period.Key(),
			"error", cacheErr,
		)
	} else {
		resp["period_spend"] = total
	}

	writeJSON(w, http.StatusAccepted, resp)
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildUsageQuery constructs a UsageQuery from query params. agent_id always
// means the external identifier at the API surface.
func buildUsageQuery(r *http.Request) (*ledger.UsageQuery, error) {
	q := &ledger.UsageQuery{
		AgentExternalID: r.URL.Query().Get("agent_id"),
		Owner:           r.URL.Query().Get("owner"),
		Cursor:          r.URL.Query().Get("cursor"),
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return nil, strconv.ErrSyntax
		}
		q.Limit = l
	}

	return q, nil
}

// GetSummary handles GET /api/v1/usage/summary (admin).
func (h *usageHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	summary, err := h.ledger.GetSummary(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListEvents handles GET /api/v1/usage/events (admin).
func (h *usageHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	events, nextCursor, err := h.ledger.ListEvents(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list usage events")
		return
	}

	if events == nil {
		events = []*ledger.UsageEvent{}
	}

	resp := map[string]interface{}{
		"events": events,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}
