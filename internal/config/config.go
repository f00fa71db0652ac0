// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is unset.
const DefaultSystemPrompt = "あなたは誠実で優秀な日本人のアシスタントです。"

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	SessionTTL  time.Duration

	Inference InferenceConfig
	Audit     AuditConfig

	SystemPrompt             string
	MaxInputTokens           int
	MaxConcurrentGenerations int

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// InferenceConfig selects and configures the generation backend.
type InferenceConfig struct {
	Provider       string // "vllm" or "anthropic"
	VLLMURL        string
	VLLMModel      string
	AnthropicModel string
}

// AuditConfig controls CSV audit record persistence.
type AuditConfig struct {
	Enabled   bool
	Backend   string // "object" or "bolt"
	Dir       string
	BoltPath  string
	Bucket    string
	KeyPrefix string
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("AUDIT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/kaiwa.db"),
		SessionTTL:  getEnvDuration("SESSION_TTL", 60*time.Minute),
		Inference: InferenceConfig{
			Provider:       getEnv("INFERENCE_PROVIDER", "vllm"),
			VLLMURL:        getEnv("VLLM_URL", "http://localhost:8000"),
			VLLMModel:      getEnv("VLLM_MODEL", "elyza/ELYZA-japanese-Llama-2-13b-instruct"),
			AnthropicModel: getEnv("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		},
		Audit: AuditConfig{
			Enabled:   getEnvBool("AUDIT_ENABLED", true),
			Backend:   getEnv("AUDIT_BACKEND", "object"),
			Dir:       getEnv("AUDIT_DIR", "./data/audit"),
			BoltPath:  getEnv("AUDIT_BOLT_PATH", "./data/audit.db"),
			Bucket:    getEnv("AUDIT_BUCKET", "kaiwa-logs"),
			KeyPrefix: getEnv("AUDIT_KEY_PREFIX", "chat"),
			QueueSize: queueSize,
		},
		SystemPrompt:             getEnv("SYSTEM_PROMPT", DefaultSystemPrompt),
		MaxInputTokens:           getEnvInt("MAX_INPUT_TOKENS", 4000),
		MaxConcurrentGenerations: getEnvInt("MAX_CONCURRENT_GENERATIONS", 5),
		RateLimitRequests:        getEnvInt("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:          getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Inference.Provider {
	case "vllm":
		if c.Inference.VLLMURL == "" {
			return fmt.Errorf("VLLM_URL cannot be empty")
		}
		if c.Inference.VLLMModel == "" {
			return fmt.Errorf("VLLM_MODEL cannot be empty")
		}
	case "anthropic":
		if c.Inference.AnthropicModel == "" {
			return fmt.Errorf("ANTHROPIC_MODEL cannot be empty")
		}
		if os.Getenv("ANTHROPIC_API_KEY") == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY must be set for the anthropic provider")
		}
	default:
		return fmt.Errorf("INFERENCE_PROVIDER must be \"vllm\" or \"anthropic\", got %q", c.Inference.Provider)
	}
	if c.Audit.Enabled {
		switch c.Audit.Backend {
		case "object":
			if c.Audit.Dir == "" {
				return fmt.Errorf("AUDIT_DIR cannot be empty")
			}
		case "bolt":
			if c.Audit.BoltPath == "" {
				return fmt.Errorf("AUDIT_BOLT_PATH cannot be empty")
			}
		default:
			return fmt.Errorf("AUDIT_BACKEND must be \"object\" or \"bolt\", got %q", c.Audit.Backend)
		}
		if c.Audit.Bucket == "" {
			return fmt.Errorf("AUDIT_BUCKET cannot be empty")
		}
		if c.Audit.QueueSize <= 0 {
			return fmt.Errorf("AUDIT_QUEUE_SIZE must be > 0")
		}
	}
	if c.MaxInputTokens <= 0 {
		return fmt.Errorf("MAX_INPUT_TOKENS must be > 0")
	}
	if c.MaxConcurrentGenerations <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_GENERATIONS must be > 0")
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
