package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"kaiwa/internal/domain"
)

func newTestVLLM(t *testing.T, handler http.Handler) *VLLMClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewVLLMClient(VLLMConfig{BaseURL: srv.URL, Model: "test-model"}, nil)
}

func TestVLLMGenerateAccumulatesChunks(t *testing.T) {
	t.Parallel()

	client := newTestVLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/completions" {
			http.NotFound(w, r)
			return
		}
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.Stream || req.Model != "test-model" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, text := range []string{"Hel", "lo ", "there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"text\":%q}]}\n\n", text)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	var chunks []string
	for chunk, err := range client.Generate(context.Background(), Request{
		Message:  "hi",
		Sampling: DefaultSamplingConfig(),
	}) {
		if err != nil {
			t.Fatalf("unexpected stream error: %v", err)
		}
		chunks = append(chunks, chunk)
	}

	want := []string{"Hel", "Hello ", "Hello there"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d: %v", len(chunks), len(want), chunks)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %q, want %q", i, chunks[i], want[i])
		}
	}
}

func TestVLLMGenerateRejectsInvalidSampling(t *testing.T) {
	t.Parallel()

	client := NewVLLMClient(VLLMConfig{BaseURL: "http://unused.invalid"}, nil)
	req := Request{Message: "hi", Sampling: SamplingConfig{MaxNewTokens: MaxMaxNewTokens + 1}}

	for _, err := range client.Generate(context.Background(), req) {
		if err == nil {
			t.Fatal("expected a validation error")
		}
		return
	}
	t.Fatal("stream yielded nothing")
}

func TestVLLMGenerateSurfacesServerError(t *testing.T) {
	t.Parallel()

	client := newTestVLLM(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))

	sawErr := false
	for _, err := range client.Generate(context.Background(), Request{Message: "hi", Sampling: DefaultSamplingConfig()}) {
		if err != nil {
			sawErr = true
		}
	}
	if !sawErr {
		t.Fatal("expected the server error to surface")
	}
}

func TestVLLMCountTokens(t *testing.T) {
	t.Parallel()

	client := newTestVLLM(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokenize" {
			http.NotFound(w, r)
			return
		}
		var req tokenizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Prompt == "" {
			http.Error(w, "empty prompt", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(tokenizeResponse{Count: 42})
	}))

	count, err := client.CountTokens(context.Background(), "hi", []domain.Turn{{User: "a", Assistant: "A"}}, "sys")
	if err != nil {
		t.Fatalf("CountTokens failed: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}
