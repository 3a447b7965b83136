// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	GRPCPort        string
	FrontendURL     string
	DBPath          string
	SessionTTL      time.Duration
	PolicyFile      string
	MaxRequestBody  int64
	LLM             LLMConfig
	Retrieval       RetrievalConfig
	RateLimit       RateLimitConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig selects and configures the completion backend.
type LLMConfig struct {
	Provider string // "openai" (any OpenAI-compatible endpoint, Ollama by default) or "gemini"
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// RetrievalConfig configures the web search backend.
type RetrievalConfig struct {
	Provider  string // "valyu" or "none"
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	RateLimit float64 // requests per second
}

// RateLimitConfig bounds chat turns per user.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxSizeMB     int
	MaxBackups    int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", "openai"))
	defaultModel := "gemma3"
	if provider == "gemini" {
		defaultModel = "gemini-2.5-flash"
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCPort:       getEnv("GRPC_PORT", "9090"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/mandry.db"),
		SessionTTL:     getEnvDuration("SESSION_TTL", 60*time.Minute),
		PolicyFile:     getEnv("POLICY_FILE", ""),
		MaxRequestBody: int64(getEnvInt("MAX_REQUEST_BODY", 64*1024)),
		LLM: LLMConfig{
			Provider: provider,
			BaseURL:  getEnv("LLM_BASE_URL", "http://127.0.0.1:11434/v1"),
			Model:    getEnv("LLM_MODEL", defaultModel),
			APIKey:   getEnv("LLM_API_KEY", "ollama"),
			Timeout:  getEnvDuration("LLM_TIMEOUT", 20*time.Second),
		},
		Retrieval: RetrievalConfig{
			Provider:  strings.ToLower(getEnv("RETRIEVAL_PROVIDER", "valyu")),
			BaseURL:   getEnv("VALYU_BASE_URL", "https://api.valyu.network/v1/deepsearch"),
			APIKey:    getEnv("VALYU_API_KEY", ""),
			Timeout:   getEnvDuration("RETRIEVAL_TIMEOUT", 8*time.Second),
			RateLimit: getEnvFloat("RETRIEVAL_RATE_LIMIT", 2),
		},
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
			MaxSizeMB:     getEnvInt("CONVERSATION_LOG_MAX_SIZE_MB", 50),
			MaxBackups:    getEnvInt("CONVERSATION_LOG_MAX_BACKUPS", 5),
		},
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
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be > 0")
	}
	if c.MaxRequestBody <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY must be > 0")
	}
	switch c.LLM.Provider {
	case "openai":
		if c.LLM.BaseURL == "" {
			return fmt.Errorf("LLM_BASE_URL cannot be empty for the openai provider")
		}
	case "gemini":
		if c.LLM.APIKey == "" || c.LLM.APIKey == "ollama" {
			return fmt.Errorf("LLM_API_KEY is required for the gemini provider")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be openai or gemini, got %q", c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM_MODEL cannot be empty")
	}
	if c.LLM.Timeout <= 0 || c.Retrieval.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT and RETRIEVAL_TIMEOUT must be > 0")
	}
	switch c.Retrieval.Provider {
	case "valyu", "none":
	default:
		return fmt.Errorf("RETRIEVAL_PROVIDER must be valyu or none, got %q", c.Retrieval.Provider)
	}
	if c.Retrieval.RateLimit <= 0 {
		return fmt.Errorf("RETRIEVAL_RATE_LIMIT must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
