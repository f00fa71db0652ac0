package server

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"kaiwa/internal/chat"
	"kaiwa/internal/domain"
	"kaiwa/internal/generate"
	"kaiwa/internal/identity"
	"kaiwa/internal/store"

	"github.com/coder/websocket"
)

// WebSocketHandler serves the chat protocol over a WebSocket connection.
// One connection maps to one session; messages are handled one at a time in
// arrival order, so actions on the socket are naturally serialized.
type WebSocketHandler struct {
	repo          store.Repository
	sessions      *SessionRegistry
	limiter       *RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket chat handler.
func NewWebSocketHandler(repo store.Repository, sessions *SessionRegistry, limiter *RateLimiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		repo:          repo,
		sessions:      sessions,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// wsRequest is a client-to-server chat protocol message.
type wsRequest struct {
	Type         string                   `json:"type"`
	Message      string                   `json:"message,omitempty"`
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	Sampling     *generate.SamplingConfig `json:"sampling,omitempty"`
}

func (m wsRequest) params() chat.Params {
	p := chat.Params{SystemPrompt: m.SystemPrompt}
	if m.Sampling != nil {
		p.Sampling = *m.Sampling
	}
	return p
}

// wsReply is a server-to-client chat protocol message.
type wsReply struct {
	Type       string        `json:"type"`
	Response   string        `json:"response,omitempty"`
	Turns      []domain.Turn `json:"turns,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Draft      string        `json:"draft,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func historyReply(msgType string, ctrl *chat.Controller) wsReply {
	turns := ctrl.Turns()
	return wsReply{
		Type:       msgType,
		Turns:      turns,
		Transcript: domain.Transcript(turns),
		Draft:      ctrl.Draft(),
	}
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ctrl := h.sessions.Get(ctx, userID, sessionID)
	if err := h.writeJSON(ws, historyReply("history", ctrl)); err != nil {
		slog.Debug("Failed to send initial history", "error", err, "user_id", userID)
		return
	}

	h.readLoop(ctx, ws, ctrl, userID, sessionID)
	slog.Info("Chat session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, ctrl *chat.Controller, userID, sessionID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsRequest
		if err := json.Unmarshal(message, &msg); err != nil {
			if err := h.writeJSON(ws, wsReply{Type: "error", Error: "invalid message"}); err != nil {
				slog.Debug("Failed to send parse error", "error", err)
				return
			}
			continue
		}

		if !h.dispatch(ctx, ws, ctrl, userID, sessionID, msg) {
			return
		}

		// Update last seen asynchronously with timeout.
		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("Failed to update last seen", "error", err)
			}
		}()
	}
}

// dispatch handles one protocol message. It returns false when the
// connection should be torn down.
func (h *WebSocketHandler) dispatch(ctx context.Context, ws *websocket.Conn, ctrl *chat.Controller, userID, sessionID string, msg wsRequest) bool {
	switch msg.Type {
	case "submit":
		if !h.limiter.Allow(userID) {
			return h.sendError(ws, "rate limit exceeded")
		}
		return h.streamAction(ctx, ws, ctrl, userID, sessionID, ctrl.Submit(ctx, msg.Message, msg.params()))
	case "retry":
		if !h.limiter.Allow(userID) {
			return h.sendError(ws, "rate limit exceeded")
		}
		return h.streamAction(ctx, ws, ctrl, userID, sessionID, ctrl.Retry(ctx, msg.params()))
	case "undo":
		ctrl.Undo()
		h.save(userID, sessionID, ctrl)
		return h.send(ws, historyReply("draft", ctrl))
	case "clear":
		ctrl.Clear()
		h.sessions.Discard(ctx, userID, sessionID)
		return h.send(ws, historyReply("cleared", ctrl))
	case "ping":
		return h.send(ws, wsReply{Type: "pong"})
	default:
		return h.sendError(ws, "unknown message type")
	}
}

// streamAction forwards generation output as chunk replies, then a done reply
// with the final history. The websocket read loop waits for this to return,
// which is what serializes actions per session.
func (h *WebSocketHandler) streamAction(ctx context.Context, ws *websocket.Conn, ctrl *chat.Controller, userID, sessionID string, gen iter.Seq2[string, error]) bool {
	defer h.save(userID, sessionID, ctrl)

	for partial, err := range gen {
		if err != nil {
			return h.sendError(ws, err.Error())
		}
		if !h.send(ws, wsReply{Type: "chunk", Response: partial}) {
			return false
		}
	}
	return h.send(ws, historyReply("done", ctrl))
}

func (h *WebSocketHandler) save(userID, sessionID string, ctrl *chat.Controller) {
	saveCtx, cancel := saveContext()
	defer cancel()
	h.sessions.Save(saveCtx, userID, sessionID, ctrl)
}

func (h *WebSocketHandler) send(ws *websocket.Conn, reply wsReply) bool {
	if err := h.writeJSON(ws, reply); err != nil {
		slog.Debug("Failed to send reply", "type", reply.Type, "error", err)
		return false
	}
	return true
}

func (h *WebSocketHandler) sendError(ws *websocket.Conn, message string) bool {
	return h.send(ws, wsReply{Type: "error", Error: message})
}

func (h *WebSocketHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
