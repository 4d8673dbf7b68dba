package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/auth"
	"github.com/vibeai/vibe-core/internal/command"
	"github.com/vibeai/vibe-core/internal/middleware"
)

// Error codes returned in the "error" field.
const (
	codeInvalidRequest      = "invalid_request"
	codeMalformedCommand    = "malformed_command"
	codeInsufficientCredits = "insufficient_credits"
	codeUnauthenticated     = "unauthenticated"
	codeForbidden           = "forbidden"
	codeNotFound            = "not_found"
	codeConflict            = "conflict"
	codeCommandFailed       = "command_failed"
	codeUnavailable         = "generation_unavailable"
	codeInternal            = "internal_error"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Error     string           `json:"error"`
	Message   string           `json:"message,omitempty"`
	RequestID string           `json:"requestId,omitempty"`
	CommandID string           `json:"commandId,omitempty"`
	Required  *int             `json:"required,omitempty"`
	Remaining *int             `json:"remaining,omitempty"`
	Command   *command.Command `json:"command,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, apiErr APIError) {
	apiErr.RequestID = middleware.RequestIDFromContext(r.Context())
	if status >= 500 {
		s.logger.Error("request failed",
			zap.String("request_id", apiErr.RequestID),
			zap.String("path", r.URL.Path),
			zap.String("error", apiErr.Error),
			zap.String("message", apiErr.Message))
	}
	writeJSON(w, status, apiErr)
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	s.writeError(w, r, http.StatusBadRequest, APIError{Error: codeInvalidRequest, Message: msg})
}

// authError maps an Authorizer failure to 401, 403 or 500.
func (s *Server) authError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		s.writeError(w, r, http.StatusUnauthorized, APIError{Error: codeUnauthenticated, Message: "Authentication required"})
	case errors.Is(err, auth.ErrForbidden):
		s.writeError(w, r, http.StatusForbidden, APIError{Error: codeForbidden, Message: "Insufficient permissions"})
	default:
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}
