package generate

import "fmt"

// Hard limits for the sampling controls, matching the details panel bounds.
const (
	MaxMaxNewTokens      = 2048
	DefaultMaxNewTokens  = 512
	MinTemperature       = 0.1
	MaxTemperature       = 4.0
	MinTopP              = 0.05
	MaxTopP              = 1.0
	MinTopK              = 1
	MaxTopK              = 1000
	MinRepetitionPenalty = 1.0
	MaxRepetitionPenalty = 10.0
)

// SamplingConfig holds the per-request decoding parameters exposed by the
// details panel.
type SamplingConfig struct {
	MaxNewTokens      int     `json:"max_new_tokens"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
	TopK              int     `json:"top_k"`
	DoSample          bool    `json:"do_sample"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
}

// DefaultSamplingConfig returns the UI defaults.
func DefaultSamplingConfig() SamplingConfig {
	return SamplingConfig{
		MaxNewTokens:      DefaultMaxNewTokens,
		Temperature:       1.0,
		TopP:              0.95,
		TopK:              50,
		DoSample:          false,
		RepetitionPenalty: 1.0,
	}
}

// Validate checks every field against the panel bounds. MaxNewTokens above
// the hard cap is rejected even if a client bypasses the UI slider.
func (c SamplingConfig) Validate() error {
	if c.MaxNewTokens < 1 || c.MaxNewTokens > MaxMaxNewTokens {
		return fmt.Errorf("max_new_tokens must be in [1, %d], got %d", MaxMaxNewTokens, c.MaxNewTokens)
	}
	if c.Temperature < MinTemperature || c.Temperature > MaxTemperature {
		return fmt.Errorf("temperature must be in [%g, %g], got %g", MinTemperature, MaxTemperature, c.Temperature)
	}
	if c.TopP < MinTopP || c.TopP > MaxTopP {
		return fmt.Errorf("top_p must be in [%g, %g], got %g", MinTopP, MaxTopP, c.TopP)
	}
	if c.TopK < MinTopK || c.TopK > MaxTopK {
		return fmt.Errorf("top_k must be in [%d, %d], got %d", MinTopK, MaxTopK, c.TopK)
	}
	if c.RepetitionPenalty < MinRepetitionPenalty || c.RepetitionPenalty > MaxRepetitionPenalty {
		return fmt.Errorf("repetition_penalty must be in [%g, %g], got %g", MinRepetitionPenalty, MaxRepetitionPenalty, c.RepetitionPenalty)
	}
	return nil
}
