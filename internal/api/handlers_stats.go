package api

import (
	"net/http"
)

type StatsHandler struct {
	invites Invites
}

func NewStatsHandler(invites Invites) *StatsHandler {
	return &StatsHandler{invites: invites}
}

func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "calrelay",
	})
}

func (h *StatsHandler) Queue(w http.ResponseWriter, r *http.Request) {
	stats, err := h.invites.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
