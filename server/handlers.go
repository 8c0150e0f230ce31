// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/casi-app/backend/session"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db  *sql.DB
	svc *session.Service
	ctx context.Context
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, svc *session.Service) *Handlers {
	return &Handlers{
		db:  db,
		svc: svc,
		ctx: ctx,
	}
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// errorBody is the JSON error shape shared by every endpoint.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps a session error kind onto the HTTP status and the shared
// error body. Datastore details are preserved for diagnostics.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch session.KindOf(err) {
	case session.KindBadRequest:
		status = http.StatusBadRequest
	case session.KindNotFound:
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorBody{Error: session.Message(err), Details: session.Details(err)})
}
