package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/auth"
	"github.com/vibeai/vibe-core/internal/command"
	"github.com/vibeai/vibe-core/internal/ledger"
)

// SubmitCommandRequest is the body of POST /api/v1/commands.
type SubmitCommandRequest struct {
	AccountID string   `json:"accountId"`
	TargetIDs []string `json:"targetIds,omitempty"`
	Text      string   `json:"text"`
	Stream    bool     `json:"stream,omitempty"`
}

// handleSubmitCommand runs a command in batch mode, or as an SSE stream when
// stream is set in the body or query.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req SubmitCommandRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		s.badRequest(w, r, "accountId is required")
		return
	}
	if v := r.URL.Query().Get("stream"); v != "" {
		stream, err := strconv.ParseBool(v)
		if err != nil {
			s.badRequest(w, r, "stream must be a boolean")
			return
		}
		req.Stream = req.Stream || stream
	}

	userID, err := s.authz.Authorize(r.Context(), req.AccountID, auth.RoleMember)
	if err != nil {
		s.authError(w, r, err)
		return
	}
	if !s.orch.Ready() {
		s.writeError(w, r, http.StatusServiceUnavailable, APIError{
			Error:   codeUnavailable,
			Message: command.ErrGeneratorUnavailable.Error(),
		})
		return
	}

	creq := command.Request{
		AccountID: req.AccountID,
		UserID:    userID,
		TargetIDs: req.TargetIDs,
		Text:      req.Text,
	}
	if req.Stream {
		s.streamCommand(w, r, creq)
		return
	}

	cmd, err := s.orch.Submit(r.Context(), creq)
	if err != nil {
		s.submitError(w, r, err)
		return
	}
	if cmd.Status != command.StatusCompleted {
		s.writeError(w, r, http.StatusInternalServerError, APIError{
			Error:     codeCommandFailed,
			Message:   cmd.ErrorReason,
			CommandID: cmd.ID,
			Command:   cmd,
		})
		return
	}
	writeJSON(w, http.StatusCreated, cmd)
}

// submitError maps an admission error to its response.
func (s *Server) submitError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected     *command.RejectedError
		insufficient *ledger.InsufficientCreditsError
	)
	errors.As(err, &rejected)
	cmdID := ""
	if rejected != nil {
		cmdID = rejected.CommandID
	}

	switch {
	case errors.As(err, &insufficient):
		required, remaining := insufficient.Required, insufficient.Remaining
		s.writeError(w, r, http.StatusPaymentRequired, APIError{
			Error:     codeInsufficientCredits,
			Message:   insufficient.Error(),
			CommandID: cmdID,
			Required:  &required,
			Remaining: &remaining,
		})
	case errors.Is(err, command.ErrMalformedCommand):
		s.writeError(w, r, http.StatusBadRequest, APIError{
			Error:     codeMalformedCommand,
			Message:   "command text is empty or exceeds the maximum length",
			CommandID: cmdID,
		})
	case errors.Is(err, command.ErrAccountNotFound):
		s.writeError(w, r, http.StatusNotFound, APIError{Error: codeNotFound, Message: err.Error()})
	default:
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
	}
}

// handleGetCommand returns one command record.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["commandId"]
	cmd, err := s.orch.Get(r.Context(), id)
	if errors.Is(err, command.ErrCommandNotFound) {
		s.writeError(w, r, http.StatusNotFound, APIError{Error: codeNotFound, Message: err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
		return
	}
	if _, err := s.authz.Authorize(r.Context(), cmd.AccountID, auth.RoleViewer); err != nil {
		s.authError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleListCommands lists an account's commands, newest first.
func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	if limit > 200 {
		limit = 200
	}
	cmds, err := s.orch.List(r.Context(), accountID, limit, offset)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"commands": cmds,
		"count":    len(cmds),
		"limit":    limit,
		"offset":   offset,
	})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// sseSink writes a command's progress as server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (k *sseSink) event(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}

func (k *sseSink) Admitted(cmd *command.Command) error {
	h := k.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	k.w.WriteHeader(http.StatusOK)
	k.started = true
	return k.event(map[string]interface{}{
		"commandId":    cmd.ID,
		"category":     cmd.Category,
		"priceCredits": cmd.PriceCredits,
	})
}

func (k *sseSink) Chunk(text string) error {
	return k.event(map[string]string{"content": text})
}

func (s *Server) streamCommand(w http.ResponseWriter, r *http.Request, req command.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: "streaming unsupported"})
		return
	}
	sink := &sseSink{w: w, flusher: flusher}

	cmd, err := s.orch.Stream(r.Context(), req, sink)
	if err != nil {
		if !sink.started {
			s.submitError(w, r, err)
			return
		}
		_ = sink.event(map[string]string{"error": err.Error()})
		return
	}

	var final interface{}
	if cmd.Status == command.StatusCompleted {
		final = map[string]interface{}{"creditsUsed": cmd.CreditsUsed, "commandId": cmd.ID}
	} else {
		final = map[string]interface{}{"error": cmd.ErrorReason, "commandId": cmd.ID}
	}
	if err := sink.event(final); err != nil {
		s.logger.Debug("stream closed before final event", zap.String("command_id", cmd.ID), zap.Error(err))
	}
}
