package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/alfredjeanlab/switchboard/internal/bus"
	"github.com/alfredjeanlab/switchboard/internal/directory"
)

const healthTimeout = 2 * time.Second

// NewHTTPHandler returns an http.Handler with all routes registered.
// Everything except GET /health and POST /events/publish requires a user
// token; publishing requires the service token and is only routed when one
// is configured.
func (s *Server) NewHTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /events/stream", s.RequireUser(http.HandlerFunc(s.handleEventStream)))
	mux.Handle("GET /events/resync", s.RequireUser(http.HandlerFunc(s.handleResync)))
	mux.Handle("GET /events/sequence", s.RequireUser(http.HandlerFunc(s.handleSequence)))
	if s.serviceToken != "" {
		mux.Handle("POST /events/publish", AuthMiddleware(s.serviceToken, http.HandlerFunc(s.handlePublish)))
	}
	if s.gateway != nil {
		mux.Handle("GET /gateway", s.RequireUser(s.gateway))
	}
	return RecoveryMiddleware(mux)
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	resp := map[string]any{"status": "ok"}
	failing := map[string]string{}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			slog.Warn("health check failed", "check", name, "error", err)
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		status = http.StatusServiceUnavailable
		resp["status"] = "degraded"
		resp["failing"] = failing
	}
	writeJSON(w, status, resp)
}

// inputError indicates invalid user input.
// Transport layers map this to 400.
type inputError string

func (e inputError) Error() string { return string(e) }

// writeErr maps err onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	var ie inputError
	switch {
	case errors.As(err, &ie):
		writeError(w, http.StatusBadRequest, ie.Error())
	case errors.Is(err, bus.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	default:
		slog.Warn("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
