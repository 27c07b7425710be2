package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/alecgard/herse/internal/trigger"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

// triggerStore is the trigger persistence surface the handlers use.
type triggerStore interface {
	Create(ctx context.Context, input trigger.CreateTriggerInput) (*trigger.Trigger, error)
	GetByID(ctx context.Context, id string) (*trigger.Trigger, error)
	List(ctx context.Context) ([]*trigger.Trigger, error)
	Update(ctx context.Context, id string, input trigger.UpdateTriggerInput) (*trigger.Trigger, error)
	Delete(ctx context.Context, id string) error
}

// triggersHandler groups trigger CRUD handlers.
type triggersHandler struct {
	store triggerStore
}

func newTriggersHandler(store triggerStore) *triggersHandler {
	return &triggersHandler{store: store}
}

// validateTriggerFields checks the scope/kind/threshold combination shared by
// create and update. Returns a message for the 422 response, or "".
func validateTriggerFields(scope trigger.Scope, scopeID string, kind trigger.Kind, threshold float64, windowUnit trigger.WindowUnit) string {
	if !scope.Valid() {
		return "scope must be one of global, customer, agent"
	}
	if scope != trigger.ScopeGlobal && scopeID == "" {
		return "scope_id is required for customer and agent scopes"
	}
	if !kind.Valid() {
		return "kind must be one of spend_rate, daily_spend, error_rate, duplicate_loop"
	}
	if threshold <= 0 {
		return "threshold must be greater than zero"
	}
	if windowUnit != "" && !windowUnit.Valid() {
		return "window_unit must be one of minute, hour, day"
	}
	if kind == trigger.KindSpendRate && windowUnit == "" {
		return "window_unit is required for spend_rate triggers"
	}
	return ""
}

// CreateTrigger handles POST /api/v1/triggers (admin).
func (h *triggersHandler) CreateTrigger(w http.ResponseWriter, r *http.Request) {
	var input trigger.CreateTriggerInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if msg := validateTriggerFields(input.Scope, input.ScopeID, input.Kind, input.Threshold, input.WindowUnit); msg != "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", msg)
		return
	}

	trg, err := h.store.Create(r.Context(), input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create trigger")
		return
	}

	auditLog(r, "create", "trigger", trg.ID, "kind", trg.Kind, "scope", trg.Scope)

	writeJSON(w, http.StatusCreated, trg)
}

// GetTrigger handles GET /api/v1/triggers/{id} (admin).
func (h *triggersHandler) GetTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "trigger id is required")
		return
	}

	trg, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "trigger not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get trigger")
		return
	}

	writeJSON(w, http.StatusOK, trg)
}

// ListTriggers handles GET /api/v1/triggers (admin).
func (h *triggersHandler) ListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list triggers")
		return
	}

	if triggers == nil {
		triggers = []*trigger.Trigger{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggers": triggers,
	})
}

// UpdateTrigger handles PUT /api/v1/triggers/{id} (admin).
func (h *triggersHandler) UpdateTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "trigger id is required")
		return
	}

	var input trigger.UpdateTriggerInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if input.Scope != nil && !input.Scope.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "scope must be one of global, customer, agent")
		return
	}
	if input.Kind != nil && !input.Kind.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "kind must be one of spend_rate, daily_spend, error_rate, duplicate_loop")
		return
	}
	if input.Threshold != nil && *input.Threshold <= 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "threshold must be greater than zero")
		return
	}
	if input.WindowUnit != nil && *input.WindowUnit != "" && !input.WindowUnit.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "window_unit must be one of minute, hour, day")
		return
	}

	trg, err := h.store.Update(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "trigger not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update trigger")
		return
	}

	auditLog(r, "update", "trigger", id)

	writeJSON(w, http.StatusOK, trg)
}

// DeleteTrigger handles DELETE /api/v1/triggers/{id} (admin).
func (h *triggersHandler) DeleteTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "trigger id is required")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "trigger not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete trigger")
		return
	}

	auditLog(r, "delete", "trigger", id)

	w.WriteHeader(http.StatusNoContent)
}
