package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/auth"
	"github.com/vibeai/vibe-core/internal/command"
	"github.com/vibeai/vibe-core/internal/db"
	"github.com/vibeai/vibe-core/internal/ledger"
)

// CreateAccountRequest is the body of POST /api/v1/accounts.
type CreateAccountRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
	Plan string `json:"plan,omitempty"`
}

// SetMemberRequest is the body of PUT /api/v1/accounts/{accountId}/members/{userId}.
type SetMemberRequest struct {
	Role string `json:"role"`
}

// TopUpRequest is the body of POST /api/v1/accounts/{accountId}/credits/topup.
type TopUpRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) ledgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, command.ErrAccountNotFound):
		s.writeError(w, r, http.StatusNotFound, APIError{Error: codeNotFound, Message: err.Error()})
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrBelowMinimumTopUp):
		s.badRequest(w, r, err.Error())
	default:
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
	}
}

// handleGetCredits returns the account's current balance.
func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	balance, err := s.ledger.Snapshot(r.Context(), mux.Vars(r)["accountId"])
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// handleTopUp buys credits for the account.
func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	var req TopUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	purchase, err := s.ledger.Purchase(r.Context(), accountID, auth.UserID(r.Context()), req.Amount)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purchase)
}

// handleTransactions lists the account's credit movements.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	if limit == 0 || limit > 500 {
		limit = 500
	}
	txs, err := s.ledger.Transactions(r.Context(), accountID, limit)
	if err != nil {
		s.ledgerError(w, r, err)
		return
	}
	if txs == nil {
		txs = []*db.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accountId":    accountID,
		"transactions": txs,
		"count":        len(txs),
	})
}

// handleUsage aggregates completed commands over ?start and ?end.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	from, err := parseTimeParam(r, "start")
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	to, err := parseTimeParam(r, "end")
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	report, err := s.orch.Usage(r.Context(), accountID, from, to)
	if errors.Is(err, command.ErrAccountNotFound) {
		s.ledgerError(w, r, err)
		return
	}
	if err != nil {
		s.badRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// parseTimeParam accepts RFC3339 or a bare YYYY-MM-DD date (midnight UTC).
// A missing parameter yields the zero time.
func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("%s must be RFC3339 or YYYY-MM-DD", key)
}

// handleCreateAccount opens an account on the default plan. The caller, when
// known, becomes its owner.
func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.badRequest(w, r, "name is required")
		return
	}
	userID := auth.UserID(r.Context())
	if s.authz.Enabled() && userID == "" {
		s.authError(w, r, auth.ErrUnauthenticated)
		return
	}
	// Signup always opens on the default plan; other plans are billed upgrades.
	plan := s.ledger.DefaultPlan()
	if req.Plan != "" && req.Plan != plan {
		s.writeError(w, r, http.StatusForbidden, APIError{
			Error:   codeForbidden,
			Message: fmt.Sprintf("new accounts open on the %q plan", plan),
		})
		return
	}

	balance, err := s.ledger.OpenAccount(r.Context(), strings.TrimSpace(req.ID), req.Name, plan)
	if errors.Is(err, db.ErrConflict) {
		s.writeError(w, r, http.StatusConflict, APIError{Error: codeConflict, Message: "account already exists"})
		return
	}
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
		return
	}

	if userID != "" {
		member := &db.MemberRecord{
			AccountID: balance.AccountID,
			UserID:    userID,
			Role:      auth.RoleOwner,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.store.SetMember(r.Context(), member); err != nil {
			s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusCreated, balance)
}

// handleSetMember grants userId a role on the account. Admins manage members;
// only an owner can grant owner.
func (s *Server) handleSetMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	accountID, userID := vars["accountId"], strings.TrimSpace(vars["userId"])

	var req SetMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.badRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	req.Role = strings.ToLower(strings.TrimSpace(req.Role))
	if !auth.ValidRole(req.Role) {
		s.badRequest(w, r, fmt.Sprintf("unknown role %q", req.Role))
		return
	}
	if req.Role == auth.RoleOwner {
		if _, err := s.authz.Authorize(r.Context(), accountID, auth.RoleOwner); err != nil {
			s.authError(w, r, err)
			return
		}
	}
	if _, err := s.store.GetAccount(r.Context(), accountID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.writeError(w, r, http.StatusNotFound, APIError{Error: codeNotFound, Message: "account not found"})
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
		return
	}

	member := &db.MemberRecord{AccountID: accountID, UserID: userID, Role: req.Role, CreatedAt: time.Now().UTC()}
	if err := s.store.SetMember(r.Context(), member); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, APIError{Error: codeInternal, Message: err.Error()})
		return
	}
	s.logger.Info("account member updated",
		zap.String("account_id", accountID),
		zap.String("user_id", userID),
		zap.String("role", req.Role),
		zap.String("by", auth.UserID(r.Context())))
	writeJSON(w, http.StatusOK, member)
}

// handleInvalidateContext drops cached context for the account. Collaborator
// and brand edits are made outside this service and call this hook.
func (s *Server) handleInvalidateContext(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["accountId"]
	s.cache.Invalidate(accountID)
	s.logger.Debug("context invalidated", zap.String("account_id", accountID))
	w.WriteHeader(http.StatusNoContent)
}
