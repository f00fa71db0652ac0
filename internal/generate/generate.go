// Package generate wraps the external inference service behind a streaming
// Generator interface.
package generate

import (
	"context"
	"iter"

	"kaiwa/internal/domain"
)

// Request describes one generation call.
type Request struct {
	// Message is the newest user message, not yet part of History.
	Message string
	// History holds the completed turns preceding Message.
	History []domain.Turn
	// SystemPrompt is prepended to the conversation.
	SystemPrompt string
	Sampling     SamplingConfig
}

// Generator produces model responses for a conversation.
// This interface is implemented by the vLLM and Anthropic clients.
type Generator interface {
	// Generate streams the response. Each yielded string is the full
	// response so far, so consumers always observe monotonically growing
	// text. Chunks are delivered in order; cancelling ctx stops the stream.
	Generate(ctx context.Context, req Request) iter.Seq2[string, error]

	// CountTokens returns the token length of the combined input
	// (system prompt, history, and the new message).
	CountTokens(ctx context.Context, message string, history []domain.Turn, systemPrompt string) (int, error)

	// Close releases resources.
	Close()
}

// Once drains a generation stream and returns the final response text.
// Used for non-interactive calls such as running a canned example.
func Once(ctx context.Context, g Generator, req Request) (string, error) {
	var final string
	for chunk, err := range g.Generate(ctx, req) {
		if err != nil {
			return final, err
		}
		final = chunk
	}
	return final, nil
}
