package server

import (
	"encoding/json"
	"net/http"

	"github.com/tjfontaine/travel-agent-relay/internal/core/domain"
)

// ErrorResponse is the JSON body of a rejected request.
type ErrorResponse struct {
	Error domain.ErrorData `json:"error"`
}

// WriteError writes err as a JSON error body with the status of its kind.
func WriteError(w http.ResponseWriter, err error) {
	WriteErrorStatus(w, domain.AsError(err).HTTPStatusCode(), err)
}

// WriteErrorStatus writes err as a JSON error body with an explicit status.
func WriteErrorStatus(w http.ResponseWriter, status int, err error) {
	WriteJSON(w, status, ErrorResponse{Error: domain.NewErrorData(err)})
}

// WriteJSON writes payload as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
