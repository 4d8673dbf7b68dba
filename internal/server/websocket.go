package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vibeai/vibe-core/internal/auth"
	"github.com/vibeai/vibe-core/internal/command"
	"github.com/vibeai/vibe-core/internal/ledger"
	"github.com/vibeai/vibe-core/internal/metrics"
)

// WebSocket message types
const (
	MessageTypeAdmitted  = "admitted"
	MessageTypeText      = "text"
	MessageTypeError     = "error"
	MessageTypeComplete  = "complete"
	MessageTypeHeartbeat = "heartbeat"
)

const (
	heartbeatInterval = 30 * time.Second
	writeWait         = 10 * time.Second
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type         string    `json:"type"`
	CommandID    string    `json:"commandId,omitempty"`
	Category     string    `json:"category,omitempty"`
	PriceCredits int       `json:"priceCredits,omitempty"`
	Content      string    `json:"content,omitempty"`
	CreditsUsed  *int      `json:"creditsUsed,omitempty"`
	Error        string    `json:"error,omitempty"`
	Required     *int      `json:"required,omitempty"`
	Remaining    *int      `json:"remaining,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// WSRequest is one command submitted over the socket.
type WSRequest struct {
	AccountID string   `json:"accountId"`
	TargetIDs []string `json:"targetIds,omitempty"`
	Text      string   `json:"text"`
}

// newUpgrader checks the Origin header against the configured CORS origins.
// Requests without an Origin (non-browser clients) are accepted.
func newUpgrader(allowed []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSConnection represents an active WebSocket connection
type WSConnection struct {
	conn      *websocket.Conn
	server    *Server
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string
}

// handleWebSocket streams commands over a WebSocket connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	// The request context carries the caller's claims; server shutdown ends it too.
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	wsConn := &WSConnection{
		conn:      conn,
		server:    s,
		ctx:       ctx,
		cancel:    cancel,
		sessionID: "ws-" + uuid.NewString(),
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()
	s.logger.Info("WebSocket connection established", zap.String("session_id", wsConn.sessionID))

	wsConn.handle()
}

// handle manages the WebSocket connection lifecycle
func (wsc *WSConnection) handle() {
	defer func() {
		wsc.cancel()
		wsc.conn.Close()
		wsc.server.logger.Info("WebSocket connection closed", zap.String("session_id", wsc.sessionID))
	}()

	go wsc.heartbeat()

	// Closing the socket unblocks ReadJSON on shutdown.
	go func() {
		<-wsc.ctx.Done()
		wsc.conn.Close()
	}()

	for {
		var req WSRequest
		if err := wsc.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && wsc.ctx.Err() == nil {
				wsc.server.logger.Debug("WebSocket read error", zap.String("session_id", wsc.sessionID), zap.Error(err))
			}
			return
		}
		metrics.WebSocketMessagesTotal.WithLabelValues("inbound").Inc()
		wsc.handleCommand(&req)
	}
}

// handleCommand runs one command as a stream over the socket.
func (wsc *WSConnection) handleCommand(req *WSRequest) {
	s := wsc.server
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		wsc.sendError(codeInvalidRequest, "")
		return
	}
	userID, err := s.authz.Authorize(wsc.ctx, accountID, auth.RoleMember)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			wsc.sendError(codeUnauthenticated, "")
		} else if errors.Is(err, auth.ErrForbidden) {
			wsc.sendError(codeForbidden, "")
		} else {
			wsc.sendError(codeInternal, "")
		}
		return
	}
	if !s.orch.Ready() {
		wsc.sendError(codeUnavailable, "")
		return
	}

	sink := &wsSink{conn: wsc}
	cmd, err := s.orch.Stream(wsc.ctx, command.Request{
		AccountID: accountID,
		UserID:    userID,
		TargetIDs: req.TargetIDs,
		Text:      req.Text,
	}, sink)
	if err != nil {
		wsc.sendAdmissionError(err)
		return
	}

	if cmd.Status == command.StatusCompleted {
		used := cmd.CreditsUsed
		_ = wsc.send(&WSMessage{Type: MessageTypeComplete, CommandID: cmd.ID, CreditsUsed: &used, Timestamp: time.Now()})
		return
	}
	wsc.sendError(cmd.ErrorReason, cmd.ID)
}

func (wsc *WSConnection) sendAdmissionError(err error) {
	var (
		rejected     *command.RejectedError
		insufficient *ledger.InsufficientCreditsError
	)
	msg := &WSMessage{Type: MessageTypeError, Timestamp: time.Now()}
	if errors.As(err, &rejected) {
		msg.CommandID = rejected.CommandID
	}
	switch {
	case errors.As(err, &insufficient):
		required, remaining := insufficient.Required, insufficient.Remaining
		msg.Error = codeInsufficientCredits
		msg.Required, msg.Remaining = &required, &remaining
	case errors.Is(err, command.ErrMalformedCommand):
		msg.Error = codeMalformedCommand
	case errors.Is(err, command.ErrAccountNotFound):
		msg.Error = codeNotFound
	default:
		msg.Error = codeInternal
	}
	_ = wsc.send(msg)
}

// send sends a message to the client
func (wsc *WSConnection) send(msg *WSMessage) error {
	wsc.mu.Lock()
	defer wsc.mu.Unlock()

	wsc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := wsc.conn.WriteJSON(msg); err != nil {
		return err
	}
	metrics.WebSocketMessagesTotal.WithLabelValues("outbound").Inc()
	return nil
}

// sendError sends an error message to the client
func (wsc *WSConnection) sendError(reason, commandID string) {
	_ = wsc.send(&WSMessage{
		Type:      MessageTypeError,
		CommandID: commandID,
		Error:     reason,
		Timestamp: time.Now(),
	})
}

// heartbeat sends periodic heartbeat messages
func (wsc *WSConnection) heartbeat() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wsc.ctx.Done():
			return
		case <-ticker.C:
			_ = wsc.send(&WSMessage{Type: MessageTypeHeartbeat, Timestamp: time.Now()})
		}
	}
}

// wsSink relays a command's stream as WebSocket messages.
type wsSink struct {
	conn *WSConnection
}

func (k *wsSink) Admitted(cmd *command.Command) error {
	return k.conn.send(&WSMessage{
		Type:         MessageTypeAdmitted,
		CommandID:    cmd.ID,
		Category:     cmd.Category,
		PriceCredits: cmd.PriceCredits,
		Timestamp:    time.Now(),
	})
}

func (k *wsSink) Chunk(text string) error {
	return k.conn.send(&WSMessage{Type: MessageTypeText, Content: text, Timestamp: time.Now()})
}
