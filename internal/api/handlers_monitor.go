package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shohag/calrelay/internal/models"
)

const defaultAlertLimit = 50

type MonitorHandler struct {
	ops Operator
}

func NewMonitorHandler(ops Operator) *MonitorHandler {
	return &MonitorHandler{ops: ops}
}

func (h *MonitorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ops.MetricsReport())
}

func (h *MonitorHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.ops.ResetMetrics()
	w.WriteHeader(http.StatusNoContent)
}

// Health answers 503 when the system is unhealthy so load balancers can act on it.
func (h *MonitorHandler) Health(w http.ResponseWriter, r *http.Request) {
	summary := h.ops.SystemHealth()
	status := http.StatusOK
	if summary.Overall == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, summary)
}

func (h *MonitorHandler) Probe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	writeJSON(w, http.StatusOK, h.ops.PerformHealthCheck(r.Context(), name))
}

func (h *MonitorHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": h.ops.Alerts(limit),
	})
}

func (h *MonitorHandler) Acknowledge(w http.ResponseWriter, r *http.Request) {
	h.ops.AcknowledgeAlerts()
	w.WriteHeader(http.StatusNoContent)
}
