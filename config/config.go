package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Counter store backends for the admission controller.
const (
	CounterStorePostgres = "postgres"
	CounterStoreRedis    = "redis"
	CounterStoreMemory   = "memory"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Upstream provider
	AnthropicAPIKey  string
	AnthropicBaseURL string // default: https://api.anthropic.com/v1
	PrimaryModel     string
	SecondaryModel   string
	MaxTokens        int // default: 1024

	// Fallback caller
	UpstreamTimeout    time.Duration // default: 30s
	MaxRetriesPerModel int           // default: 2
	BreakerFailures    int           // consecutive failures before a model's breaker opens, 0 disables
	UpstreamTPM        int64         // tokens per minute per model, 0 disables

	// Prompt & safety assets
	SystemPromptPath string
	SafetyRulesPath  string // empty uses the embedded rules

	// Quotas
	QuotaLocation *time.Location // default: UTC
	CounterStore  string         // postgres, redis or memory

	// Ledger
	LedgerQueueSize    int
	LedgerWorkers      int
	LedgerWriteTimeout time.Duration

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string
	LogFormat            string // "json" or "console"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:     getEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
		PrimaryModel:         getEnv("PRIMARY_MODEL", "claude-sonnet-4-20250514"),
		SecondaryModel:       getEnv("SECONDARY_MODEL", "claude-3-5-haiku-20241022"),
		SystemPromptPath:     os.Getenv("SYSTEM_PROMPT_PATH"),
		SafetyRulesPath:      os.Getenv("SAFETY_RULES_PATH"),
		CounterStore:         getEnv("COUNTER_STORE", CounterStorePostgres),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.MaxTokens, err = getEnvInt("MAX_TOKENS", 1024); err != nil {
		return nil, err
	}
	if cfg.MaxRetriesPerModel, err = getEnvInt("MAX_RETRIES_PER_MODEL", 2); err != nil {
		return nil, err
	}
	if cfg.BreakerFailures, err = getEnvInt("BREAKER_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.LedgerQueueSize, err = getEnvInt("LEDGER_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.LedgerWorkers, err = getEnvInt("LEDGER_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.UpstreamTimeout, err = getEnvMillis("UPSTREAM_TIMEOUT_MS", 30000); err != nil {
		return nil, err
	}
	if cfg.LedgerWriteTimeout, err = getEnvMillis("LEDGER_WRITE_TIMEOUT_MS", 2000); err != nil {
		return nil, err
	}

	tpmStr := getEnv("UPSTREAM_TPM", "0")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_TPM: %w", err)
	}
	cfg.UpstreamTPM = tpm

	loc, err := time.LoadLocation(getEnv("QUOTA_TIMEZONE", "UTC"))
	if err != nil {
		return nil, fmt.Errorf("invalid QUOTA_TIMEZONE: %w", err)
	}
	cfg.QuotaLocation = loc

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.AnthropicAPIKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if cfg.MaxRetriesPerModel < 1 {
		return nil, fmt.Errorf("MAX_RETRIES_PER_MODEL must be at least 1")
	}
	switch cfg.CounterStore {
	case CounterStorePostgres, CounterStoreRedis, CounterStoreMemory:
	default:
		return nil, fmt.Errorf("invalid COUNTER_STORE %q", cfg.CounterStore)
	}

	return cfg, nil
}

// SystemPrompt reads the opaque system prompt. An unset path yields an empty prompt.
func (c *Config) SystemPrompt() (string, error) {
	if c.SystemPromptPath == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.SystemPromptPath)
	if err != nil {
		return "", fmt.Errorf("failed to read system prompt: %w", err)
	}
	return string(b), nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvMillis(key string, fallback int) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
