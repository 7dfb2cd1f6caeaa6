package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/subscriptions/billing"
	"github.com/GoCodeAlone/subscriptions/lifecycle"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// IdempotencyKeyHeader carries the client-supplied idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

// SubscriptionHandler exposes the lifecycle engine over HTTP.
type SubscriptionHandler struct {
	engine    *lifecycle.Engine
	customers *billing.Customers
	logger    *slog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(engine *lifecycle.Engine, customers *billing.Customers, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{engine: engine, customers: customers, logger: logger}
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(r *http.Request, body string) string {
	if k := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)); k != "" {
		return k
	}
	return strings.TrimSpace(body)
}

// parseID parses the path value name as a UUID, writing a 400 on failure.
func parseID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// Purchase handles POST /api/v1/subscriptions. An authenticated caller may
// omit customer_id to purchase for their linked customer.
func (h *SubscriptionHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID     string `json:"customer_id"`
		PlanID         string `json:"plan_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	planID, err := uuid.Parse(req.PlanID)
	if err != nil {
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "plan_id is required")
		return
	}
	var customerID uuid.UUID
	switch {
	case req.CustomerID != "":
		if customerID, err = uuid.Parse(req.CustomerID); err != nil {
			WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid customer_id")
			return
		}
	case UserFromContext(r.Context()) != nil:
		c, err := h.customers.GetByUser(r.Context(), UserFromContext(r.Context()).ID)
		if err != nil {
			writeServiceError(w, h.logger, err)
			return
		}
		customerID = c.ID
	default:
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "customer_id is required")
		return
	}

	sub, err := h.engine.Purchase(r.Context(), lifecycle.PurchaseRequest{
		CustomerID:     customerID,
		PlanID:         planID,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sub)
}

// ChangePlan handles POST /api/v1/subscriptions/{id}/change-plan.
func (h *SubscriptionHandler) ChangePlan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		TargetPlanID   string `json:"target_plan_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	target, err := uuid.Parse(req.TargetPlanID)
	if err != nil {
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "target_plan_id is required")
		return
	}

	sub, err := h.engine.ChangePlan(r.Context(), lifecycle.ChangePlanRequest{
		SubscriptionID: id,
		TargetPlanID:   target,
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

// Cancel handles DELETE /api/v1/subscriptions/{id}.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.engine.Cancel(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

// Get handles GET /api/v1/subscriptions/{id}.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.engine.GetSubscription(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sub)
}

// List handles GET /api/v1/subscriptions with an optional customer_id.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	var f lifecycle.SubscriptionFilter
	if v := r.URL.Query().Get("customer_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid customer_id")
			return
		}
		f.CustomerID = &id
	}
	views, err := h.engine.ListSubscriptions(r.Context(), f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if views == nil {
		views = []*store.SubscriptionView{}
	}
	WriteJSON(w, http.StatusOK, views)
}
