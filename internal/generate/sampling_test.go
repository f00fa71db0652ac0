package generate

import (
	"strings"
	"testing"
)

func TestDefaultSamplingConfigIsValid(t *testing.T) {
	t.Parallel()

	if err := DefaultSamplingConfig().Validate(); err != nil {
		t.Fatalf("defaults failed validation: %v", err)
	}
}

func TestSamplingConfigValidateBounds(t *testing.T) {
	t.Parallel()

	base := DefaultSamplingConfig()
	cases := []struct {
		name    string
		mutate  func(*SamplingConfig)
		wantErr string
	}{
		{"max tokens zero", func(c *SamplingConfig) { c.MaxNewTokens = 0 }, "max_new_tokens"},
		{"max tokens over cap", func(c *SamplingConfig) { c.MaxNewTokens = MaxMaxNewTokens + 1 }, "max_new_tokens"},
		{"temperature low", func(c *SamplingConfig) { c.Temperature = 0.05 }, "temperature"},
		{"temperature high", func(c *SamplingConfig) { c.Temperature = 4.5 }, "temperature"},
		{"top_p low", func(c *SamplingConfig) { c.TopP = 0.01 }, "top_p"},
		{"top_p high", func(c *SamplingConfig) { c.TopP = 1.5 }, "top_p"},
		{"top_k zero", func(c *SamplingConfig) { c.TopK = 0 }, "top_k"},
		{"top_k high", func(c *SamplingConfig) { c.TopK = 1001 }, "top_k"},
		{"repetition penalty low", func(c *SamplingConfig) { c.RepetitionPenalty = 0.9 }, "repetition_penalty"},
		{"repetition penalty high", func(c *SamplingConfig) { c.RepetitionPenalty = 11 }, "repetition_penalty"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestSamplingConfigBoundaryValuesValid(t *testing.T) {
	t.Parallel()

	cfg := SamplingConfig{
		MaxNewTokens:      MaxMaxNewTokens,
		Temperature:       MinTemperature,
		TopP:              MaxTopP,
		TopK:              MinTopK,
		DoSample:          true,
		RepetitionPenalty: MaxRepetitionPenalty,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("boundary values rejected: %v", err)
	}
}
