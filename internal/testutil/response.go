package testutil

import (
	"encoding/json"
	"net/http"

	"github.com/cjenaro/opencode-acp/internal/gateway"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an opencode error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, gateway.ErrorResponse{
		Error: gateway.ErrorDetail{Code: code, Message: message},
	})
}
