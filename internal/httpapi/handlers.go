package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ryabkov82/crm-bulk-upsert/internal/job"
	"github.com/ryabkov82/crm-bulk-upsert/internal/metrics"
	"github.com/ryabkov82/crm-bulk-upsert/internal/version"
)

// Handler serves the status of the current run
type Handler struct {
	store    *job.Store
	recorder *metrics.Recorder
}

// NewHandler creates a handler. recorder may be nil.
func NewHandler(store *job.Store, recorder *metrics.Recorder) *Handler {
	return &Handler{store: store, recorder: recorder}
}

// GetVersion handles GET /version
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Info())
}

// GetRun handles GET /run
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run := h.store.Snapshot()
	if run.Batches == nil {
		run.Batches = []job.BatchStatus{}
	}
	writeJSON(w, http.StatusOK, run)
}

// GetMetrics handles GET /metrics
func (h *Handler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.recorder.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
