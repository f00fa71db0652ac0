package generate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kaiwa/internal/domain"
)

var errVLLMStatus = errors.New("inference server returned an error")

// VLLMClient talks to a vLLM OpenAI-compatible completions server.
type VLLMClient struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// VLLMConfig holds configuration for the vLLM client.
type VLLMConfig struct {
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
}

// DefaultVLLMConfig returns default configuration.
func DefaultVLLMConfig() VLLMConfig {
	return VLLMConfig{
		BaseURL:        "http://localhost:8000",
		Model:          "elyza/ELYZA-japanese-Llama-2-13b-instruct",
		RequestTimeout: 120 * time.Second,
	}
}

// NewVLLMClient creates a client for the given inference server.
func NewVLLMClient(cfg VLLMConfig, logger *slog.Logger) *VLLMClient {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultVLLMConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	return &VLLMClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		// No client-level timeout: streamed completions can legitimately
		// run for minutes. Per-call deadlines come from ctx.
		http:   &http.Client{},
		logger: logger,
	}
}

// completionRequest is the /v1/completions payload. TopK and
// RepetitionPenalty are vLLM extensions to the OpenAI schema.
type completionRequest struct {
	Model             string  `json:"model"`
	Prompt            string  `json:"prompt"`
	Stream            bool    `json:"stream"`
	MaxTokens         int     `json:"max_tokens"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p,omitempty"`
	TopK              int     `json:"top_k,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
}

type completionChunk struct {
	Choices []struct {
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type tokenizeRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type tokenizeResponse struct {
	Count int `json:"count"`
}

// Generate streams a completion. Each yielded string is the accumulated
// response so far.
func (c *VLLMClient) Generate(ctx context.Context, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := req.Sampling.Validate(); err != nil {
			yield("", fmt.Errorf("invalid sampling config: %w", err))
			return
		}

		body := completionRequest{
			Model:     c.model,
			Prompt:    BuildPrompt(req.Message, req.History, req.SystemPrompt),
			Stream:    true,
			MaxTokens: req.Sampling.MaxNewTokens,
		}
		if req.Sampling.DoSample {
			body.Temperature = req.Sampling.Temperature
			body.TopP = req.Sampling.TopP
			body.TopK = req.Sampling.TopK
		}
		// Temperature 0 selects greedy decoding when do_sample is off.
		body.RepetitionPenalty = req.Sampling.RepetitionPenalty

		resp, err := c.post(ctx, "/v1/completions", body)
		if err != nil {
			yield("", err)
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				c.logger.Debug("failed to close completion stream", "error", closeErr)
			}
		}()

		var acc strings.Builder
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				return
			}

			var chunk completionChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				yield(acc.String(), fmt.Errorf("decode completion chunk: %w", err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			acc.WriteString(chunk.Choices[0].Text)
			if !yield(acc.String(), nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
			yield(acc.String(), fmt.Errorf("completion stream: %w", err))
		}
	}
}

// CountTokens tokenizes the full assembled prompt on the inference server.
func (c *VLLMClient) CountTokens(ctx context.Context, message string, history []domain.Turn, systemPrompt string) (int, error) {
	body := tokenizeRequest{
		Model:  c.model,
		Prompt: BuildPrompt(message, history, systemPrompt),
	}

	resp, err := c.post(ctx, "/tokenize", body)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close tokenize response", "error", closeErr)
		}
	}()

	var out tokenizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode tokenize response: %w", err)
	}
	return out.Count, nil
}

func (c *VLLMClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close error response", "error", closeErr)
		}
		return nil, fmt.Errorf("%w: %s: %s", errVLLMStatus, resp.Status, strings.TrimSpace(string(detail)))
	}
	return resp, nil
}

// Close releases resources.
func (c *VLLMClient) Close() {
	c.http.CloseIdleConnections()
}

var _ Generator = (*VLLMClient)(nil)
