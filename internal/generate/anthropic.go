package generate

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"kaiwa/internal/domain"
)

// AnthropicClient runs generations against the Anthropic Messages API.
// It is the alternative provider for deployments without a local vLLM server.
type AnthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
	logger *slog.Logger
}

// NewAnthropicClient creates a client for the given model. An empty apiKey
// falls back to the ANTHROPIC_API_KEY environment variable.
func NewAnthropicClient(apiKey string, model string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(3)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
		logger: logger,
	}
}

func (c *AnthropicClient) messageParams(message string, history []domain.Turn) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(history)*2+1)
	for _, t := range history {
		params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(t.User)))
		params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Assistant)))
	}
	params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(message)))
	return params
}

// Generate streams a response, yielding accumulated text per delta.
func (c *AnthropicClient) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := req.Sampling.Validate(); err != nil {
			yield("", fmt.Errorf("invalid sampling config: %w", err))
			return
		}

		params := anthropic.MessageNewParams{
			Model:     c.model,
			MaxTokens: int64(req.Sampling.MaxNewTokens),
			System: []anthropic.TextBlockParam{
				{Text: req.SystemPrompt},
			},
			Messages: c.messageParams(req.Message, req.History),
		}
		if req.Sampling.DoSample {
			// The Messages API caps temperature at 1.0; the panel allows
			// more, so clamp rather than reject.
			params.Temperature = anthropic.Float(min(req.Sampling.Temperature, 1.0))
			params.TopP = anthropic.Float(req.Sampling.TopP)
			params.TopK = anthropic.Int(int64(req.Sampling.TopK))
		}

		var acc strings.Builder
		stream := c.client.Messages.NewStreaming(ctx, params)
		for stream.Next() {
			event := stream.Current()
			switch eventVariant := event.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					acc.WriteString(deltaVariant.Text)
					if !yield(acc.String(), nil) {
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(acc.String(), fmt.Errorf("anthropic stream: %w", err))
		}
	}
}

// CountTokens asks the API for the combined input token count.
func (c *AnthropicClient) CountTokens(ctx context.Context, message string, history []domain.Turn, systemPrompt string) (int, error) {
	resp, err := c.client.Messages.CountTokens(ctx, anthropic.MessageCountTokensParams{
		Model:    c.model,
		Messages: c.messageParams(message, history),
		System: anthropic.MessageCountTokensParamsSystemUnion{
			OfTextBlockArray: []anthropic.TextBlockParam{{Text: systemPrompt}},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return int(resp.InputTokens), nil
}

// Close releases resources.
func (c *AnthropicClient) Close() {}

var _ Generator = (*AnthropicClient)(nil)
