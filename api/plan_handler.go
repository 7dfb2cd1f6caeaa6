package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/subscriptions/billing"
	"github.com/GoCodeAlone/subscriptions/store"
)

// PlanHandler handles plan catalog endpoints.
type PlanHandler struct {
	catalog *billing.Catalog
	logger  *slog.Logger
}

// NewPlanHandler creates a new PlanHandler.
func NewPlanHandler(catalog *billing.Catalog, logger *slog.Logger) *PlanHandler {
	return &PlanHandler{catalog: catalog, logger: logger}
}

// List handles GET /api/v1/plans. Only active plans are returned unless
// active=false or include_inactive=true is given.
func (h *PlanHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	onlyActive := !strings.EqualFold(q.Get("active"), "false") && !strings.EqualFold(q.Get("include_inactive"), "true")
	plans, err := h.catalog.ListPlans(r.Context(), onlyActive)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if plans == nil {
		plans = []*store.Plan{}
	}
	WriteJSON(w, http.StatusOK, plans)
}

// Get handles GET /api/v1/plans/{id}.
func (h *PlanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.catalog.GetPlan(r.Context(), id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

// Create handles POST /api/v1/plans.
func (h *PlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in billing.PlanInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.catalog.CreatePlan(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, p)
}

// Update handles PUT /api/v1/plans/{id}.
func (h *PlanHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var upd billing.PlanUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	p, err := h.catalog.UpdatePlan(r.Context(), id, upd)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}
