package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"kaiwa/internal/chat"
	"kaiwa/internal/domain"
	"kaiwa/internal/generate"
	"kaiwa/internal/identity"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const maxRequestBodySize = 1 << 20 // 1 MiB

// ChatRequest is the body of POST /api/chat and /api/chat/retry.
type ChatRequest struct {
	Message      string                   `json:"message"`
	SystemPrompt string                   `json:"system_prompt,omitempty"`
	Sampling     *generate.SamplingConfig `json:"sampling,omitempty"`
}

func (r ChatRequest) params() chat.Params {
	p := chat.Params{SystemPrompt: r.SystemPrompt}
	if r.Sampling != nil {
		p.Sampling = *r.Sampling
	}
	return p
}

// HistoryResponse is the body of GET /api/chat/history and the undo/clear
// replies.
type HistoryResponse struct {
	Turns      []domain.Turn `json:"turns"`
	Transcript string        `json:"transcript"`
	Draft      string        `json:"draft"`
}

func historyOf(ctrl *chat.Controller) HistoryResponse {
	turns := ctrl.Turns()
	return HistoryResponse{
		Turns:      turns,
		Transcript: domain.Transcript(turns),
		Draft:      ctrl.Draft(),
	}
}

// HandleChat handles POST /api/chat: validates and streams the assistant
// response for a new user message via SSE.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	req, ctrl, ok := h.beginAction(w, r, true)
	if !ok {
		return
	}
	h.stream(w, r, ctrl.Submit(r.Context(), req.Message, req.params()), ctrl)
}

// HandleRetry handles POST /api/chat/retry: pops the last turn and re-submits
// its user message, streaming the new response via SSE. The body may carry
// system_prompt and sampling overrides; its message field is ignored.
func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	req, ctrl, ok := h.beginAction(w, r, false)
	if !ok {
		return
	}
	h.stream(w, r, ctrl.Retry(r.Context(), req.params()), ctrl)
}

// HandleUndo handles POST /api/chat/undo: pops the last turn and returns its
// user message as an editable draft.
func (h *Handler) HandleUndo(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctrl := h.sessions.Get(r.Context(), userID, sessionID)
	ctrl.Undo()
	h.sessions.Save(r.Context(), userID, sessionID, ctrl)
	JSON(w, http.StatusOK, historyOf(ctrl))
}

// HandleClear handles POST /api/chat/clear: resets the conversation.
func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctrl := h.sessions.Get(r.Context(), userID, sessionID)
	ctrl.Clear()
	h.sessions.Discard(r.Context(), userID, sessionID)
	JSON(w, http.StatusOK, historyOf(ctrl))
}

// HandleHistory handles GET /api/chat/history.
func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ctrl := h.sessions.Get(r.Context(), userID, sessionID)
	JSON(w, http.StatusOK, historyOf(ctrl))
}

// beginAction runs the shared preamble of the streaming endpoints: identity,
// rate limit, body decode, and the message-required check for submit.
func (h *Handler) beginAction(w http.ResponseWriter, r *http.Request, requireMessage bool) (ChatRequest, *chat.Controller, bool) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return ChatRequest{}, nil, false
	}

	// Rate-limit by userID only (not userID:sessionID) so clients cannot
	// bypass throttling by rotating session IDs.
	if !h.limiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return ChatRequest{}, nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return ChatRequest{}, nil, false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return ChatRequest{}, nil, false
	}

	if requireMessage && req.Message == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return ChatRequest{}, nil, false
	}

	reqID := chiMiddleware.GetReqID(r.Context())
	slog.Info("chat action",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"request_id", reqID,
	)

	return req, h.sessions.Get(r.Context(), userID, sessionID), true
}

// stream forwards cumulative response chunks as SSE events: "chunk" per
// partial, then "done" with the final history snapshot, or "error". The first
// error before any chunk is reported as a plain HTTP error so validation
// failures keep their status codes.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, gen iter.Seq2[string, error], ctrl *chat.Controller) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	headersSent := false
	sendHeaders := func() {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		headersSent = true
	}

	defer func() {
		saveCtx, cancel := saveContext()
		defer cancel()
		h.sessions.Save(saveCtx, userID, sessionID, ctrl)
	}()

	for partial, err := range gen {
		if err != nil {
			if !headersSent {
				Error(w, errorStatus(err), err.Error())
				return
			}
			if writeErr := writeSSE(w, "error", err.Error()); writeErr != nil {
				slog.Warn("failed to write SSE error event", "error", writeErr)
				return
			}
			flusher.Flush()
			return
		}

		if !headersSent {
			sendHeaders()
		}
		data, err := json.Marshal(map[string]string{"response": partial})
		if err != nil {
			slog.Warn("failed to marshal chat chunk", "error", err)
			return
		}
		if err := writeSSE(w, "chunk", string(data)); err != nil {
			slog.Warn("failed to write SSE chunk event", "error", err)
			return
		}
		flusher.Flush()
	}

	if !headersSent {
		sendHeaders()
	}
	final, err := json.Marshal(historyOf(ctrl))
	if err != nil {
		slog.Warn("failed to marshal final history", "error", err)
		return
	}
	if err := writeSSE(w, "done", string(final)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

func saveContext() (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
