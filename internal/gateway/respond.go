package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	outsync "github.com/outpost-sync/outpost/internal/sync"
)

// WriteJSON writes a 200 JSON response.
func WriteJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// WriteError writes the uniform {success:false, error:…} envelope with the
// HTTP status reflecting the error class: 401 authentication, 400 malformed
// input, 5xx internal.
func WriteError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(outsync.ErrorResponse{Success: false, Error: message}); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
