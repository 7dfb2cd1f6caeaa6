package api

import (
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/subscriptions/billing"
	"github.com/google/uuid"
)

// CheckoutHandler handles checkout session endpoints.
type CheckoutHandler struct {
	checkout *billing.Checkout
	logger   *slog.Logger
}

// NewCheckoutHandler creates a new CheckoutHandler.
func NewCheckoutHandler(checkout *billing.Checkout, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, logger: logger}
}

// Create handles POST /api/v1/checkout-sessions.
func (h *CheckoutHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id"`
		PlanID     string `json:"plan_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	customerID, err1 := uuid.Parse(req.CustomerID)
	planID, err2 := uuid.Parse(req.PlanID)
	if err1 != nil || err2 != nil {
		WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "customer_id and plan_id are required")
		return
	}
	sess, err := h.checkout.CreateSession(r.Context(), customerID, planID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, sess)
}

// Get handles GET /api/v1/checkout-sessions/{id}.
func (h *CheckoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	sess, err := h.checkout.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}

// Complete handles POST /api/v1/checkout-sessions/{id}/complete. The body
// is optional.
func (h *CheckoutHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		IdempotencyKey string `json:"idempotency_key"`
	}
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	sess, err := h.checkout.Complete(r.Context(), id, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, sess)
}
