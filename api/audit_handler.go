package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/subscriptions/audit"
	"github.com/GoCodeAlone/subscriptions/store"
	"github.com/google/uuid"
)

// AuditHandler handles audit log query endpoints.
type AuditHandler struct {
	audit  *audit.Writer
	logger *slog.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(aw *audit.Writer, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: aw, logger: logger}
}

// Query handles GET /api/v1/admin/audit.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		EventType:      q.Get("event_type"),
		IdempotencyKey: q.Get("idempotency_key"),
		Pagination:     store.DefaultPagination(),
	}
	for name, dst := range map[string]**uuid.UUID{
		"customer_id":     &filter.CustomerID,
		"plan_id":         &filter.PlanID,
		"subscription_id": &filter.SubscriptionID,
	} {
		if v := q.Get(name); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				WriteErrorCode(w, http.StatusBadRequest, "invalid_input", "invalid "+name)
				return
			}
			*dst = &id
		}
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err == nil {
			filter.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err == nil {
			filter.Until = &t
		}
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 500 {
		filter.Pagination.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n >= 0 {
		filter.Pagination.Offset = n
	}

	entries, err := h.audit.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	WritePaginated(w, entries, len(entries), filter.Pagination.Limit, filter.Pagination.Offset)
}
