package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/taskdirector/internal/dispatcher"
)

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDispatchError maps a dispatcher error to its HTTP status.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("dispatch", "error", err)
	}
	s.writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrUnknownTaskType):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, dispatcher.ErrExecutionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatcher.ErrCancelled), errors.Is(err, dispatcher.ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrInitializationFailed), errors.Is(err, dispatcher.ErrProtocolViolation):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
