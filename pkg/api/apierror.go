// Package api exposes the platform over HTTP: credential exchange,
// permission checks, webhook intake, and the public JWKS document.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/authcore-labs/authcore/pkg/platform"
)

// errorBody is the wire shape of every API error. Codes are part of
// the API contract and never change between releases.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes a stable-code error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}

// WriteKindError maps a platform error kind onto the HTTP surface.
// Internal details are logged, never exposed.
func WriteKindError(w http.ResponseWriter, err error) {
	kind := platform.KindOf(err)
	switch kind {
	case platform.KindInvalidRequest:
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case platform.KindUnauthenticated:
		WriteError(w, http.StatusUnauthorized, "invalid_api_key", "API key is invalid or expired")
	case platform.KindForbidden:
		WriteError(w, http.StatusForbidden, "forbidden", "Insufficient permissions")
	case platform.KindNotFound:
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case platform.KindConflict:
		WriteError(w, http.StatusConflict, "conflict", err.Error())
	case platform.KindSignatureInvalid:
		WriteError(w, http.StatusUnauthorized, "signature_invalid", "Request signature verification failed")
	case platform.KindIdempotencyDuplicate:
		// Replays are acknowledged, not failed, so the provider stops
		// resending.
		WriteJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
	default:
		slog.Error("internal server error", "kind", kind, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
