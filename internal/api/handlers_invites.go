package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shohag/calrelay/internal/models"
)

const maxBodySize = 64 * 1024

type InviteHandler struct {
	invites Invites
}

func NewInviteHandler(invites Invites) *InviteHandler {
	return &InviteHandler{invites: invites}
}

type sendInviteRequest struct {
	Appointment models.Appointment         `json:"appointment"`
	Preferences models.CalendarPreferences `json:"preferences"`
}

type jobResponse struct {
	JobID         string `json:"job_id,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

func (h *InviteHandler) Send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req sendInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Appointment.ID == "" {
		writeError(w, http.StatusBadRequest, "appointment.id is required")
		return
	}

	jobID, err := h.invites.SendInvite(r.Context(), req.Appointment, req.Preferences)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, AppointmentID: req.Appointment.ID})
}

func (h *InviteHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var changes models.AppointmentChanges
	if err := json.NewDecoder(r.Body).Decode(&changes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	jobID, err := h.invites.UpdateInvite(r.Context(), id, changes)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, AppointmentID: id})
}

func (h *InviteHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")

	jobID, err := h.invites.CancelInvite(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{JobID: jobID, AppointmentID: id})
}

func (h *InviteHandler) Integration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "appointmentID")

	rec, err := h.invites.Integration(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get integration")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "integration not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
