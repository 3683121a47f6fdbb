package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shohag/calrelay/internal/integration"
	"github.com/shohag/calrelay/internal/provider"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeServiceError maps errors from the integration layer to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var pe *provider.Error
	switch {
	case errors.As(err, &pe):
		status := http.StatusInternalServerError
		switch pe.Code {
		case provider.CodeValidation:
			status = http.StatusUnprocessableEntity
		case provider.CodeUnsupported:
			status = http.StatusConflict
		case provider.CodeNotFound:
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: pe.Message, Code: string(pe.Code)})
	case errors.Is(err, integration.ErrNoIntegration):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, provider.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
