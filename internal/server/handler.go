// Package server provides the HTTP and WebSocket surface for the chat API.
package server

import (
	"encoding/json"
	"net/http"

	"kaiwa/internal/chat"
	"kaiwa/internal/config"
	"kaiwa/internal/generate"
	"kaiwa/internal/store"

	"github.com/go-chi/chi/v5"
)

// Handler provides the chat HTTP endpoints.
type Handler struct {
	repo     store.Repository
	sessions *SessionRegistry
	limiter  *RateLimiter
	gen      generate.Generator
	cfg      *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *SessionRegistry, limiter *RateLimiter, gen generate.Generator, cfg *config.Config) *Handler {
	return &Handler{
		repo:     repo,
		sessions: sessions,
		limiter:  limiter,
		gen:      gen,
		cfg:      cfg,
	}
}

// RegisterRoutes registers the chat routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Post("/retry", h.HandleRetry)
		r.Post("/undo", h.HandleUndo)
		r.Post("/clear", h.HandleClear)
		r.Get("/history", h.HandleHistory)
	})
	r.Route("/api/examples", func(r chi.Router) {
		r.Get("/", h.HandleExamples)
		r.Post("/run", h.HandleRunExample)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// errorStatus maps a pipeline error to an HTTP status code.
func errorStatus(err error) int {
	if chat.IsValidationError(err) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
