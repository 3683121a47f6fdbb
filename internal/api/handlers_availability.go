package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shohag/calrelay/internal/models"
)

type AvailabilityHandler struct {
	invites Invites
}

func NewAvailabilityHandler(invites Invites) *AvailabilityHandler {
	return &AvailabilityHandler{invites: invites}
}

func (h *AvailabilityHandler) Sync(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var rng models.TimeRange
	if err := json.NewDecoder(r.Body).Decode(&rng); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := h.invites.SyncAvailability(r.Context(), name, rng)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID})
}

// Get returns the busy intervals stored for ?start=&end= (RFC 3339).
func (h *AvailabilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be an RFC 3339 timestamp")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be an RFC 3339 timestamp")
		return
	}

	busy, err := h.invites.Availability(r.Context(), name, models.TimeRange{Start: start, End: end})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get availability")
		return
	}
	if busy == nil {
		writeError(w, http.StatusNotFound, "range has not been synced")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": name,
		"start":    start,
		"end":      end,
		"busy":     busy,
	})
}
