package scheduler

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Handler provides admin HTTP endpoints for the expiration sweeper.
type Handler struct {
	sweeper *Sweeper
}

// NewHandler creates a new sweeper HTTP handler.
func NewHandler(sweeper *Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

// RegisterRoutes registers sweeper routes on mux, each wrapped by wrap when
// it is non-nil.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	if wrap == nil {
		wrap = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("GET /api/v1/admin/sweeper/runs", wrap(http.HandlerFunc(h.listRuns)))
	mux.Handle("POST /api/v1/admin/sweeper/run", wrap(http.HandlerFunc(h.runNow)))
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	recs := h.sweeper.History()
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < len(recs) {
			recs = recs[:n]
		}
	}
	cfg := h.sweeper.Config()
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"items":     recs,
		"total":     len(recs),
		"interval":  cfg.Interval.String(),
		"batchSize": cfg.BatchSize,
	}})
}

func (h *Handler) runNow(w http.ResponseWriter, r *http.Request) {
	rec := h.sweeper.RunOnce(r.Context())
	status := http.StatusOK
	switch rec.Status {
	case ExecStatusSkipped:
		status = http.StatusConflict
	case ExecStatusFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]any{"data": rec})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
