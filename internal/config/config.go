package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	DBMinConns  int32  `envconfig:"VOFC_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"VOFC_DB_MAX_CONNS" default:"8"`

	ExtractionProvider       string        `envconfig:"EXTRACTION_PROVIDER" default:"local"`
	ExtractionEndpoint       string        `envconfig:"EXTRACTION_ENDPOINT" default:"http://127.0.0.1:8845/v1"`
	ExtractionModel          string        `envconfig:"EXTRACTION_MODEL" default:"llama3.1:8b-instruct"`
	OllamaEndpoint           string        `envconfig:"OLLAMA_ENDPOINT" default:"http://127.0.0.1:11434"`
	GeminiAPIKey             string        `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel              string        `envconfig:"GEMINI_MODEL" default:"gemini-2.0-flash"`
	ExtractionTimeout        time.Duration `envconfig:"EXTRACTION_TIMEOUT" default:"30s"`
	ExtractionMinTextLength  int           `envconfig:"EXTRACTION_MIN_TEXT_LENGTH" default:"200"`
	ExtractionMaxPromptChars int           `envconfig:"EXTRACTION_MAX_PROMPT_CHARS" default:"24000"`

	DuplicateThreshold float64       `envconfig:"DUPLICATE_THRESHOLD" default:"0.7"`
	BatchSource        string        `envconfig:"BATCH_SOURCE" default:"sync"`
	BatchLimit         int           `envconfig:"BATCH_LIMIT" default:"100"`
	BatchPacing        time.Duration `envconfig:"BATCH_PACING" default:"300ms"`
	BatchCron          string        `envconfig:"BATCH_CRON" default:""`
	BatchStaleClaim    time.Duration `envconfig:"BATCH_STALE_CLAIM" default:"15m"`
	DisciplinesFile    string        `envconfig:"DISCIPLINES_FILE" default:""`

	S3Endpoint     string `envconfig:"S3_ENDPOINT" default:""`
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3AccessKey    string `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey    string `envconfig:"S3_SECRET_KEY" default:""`
	S3Bucket       string `envconfig:"S3_BUCKET" default:""`
	S3UsePathStyle bool   `envconfig:"S3_USE_PATH_STYLE" default:"true"`

	AuthJWTSecret       string `envconfig:"AUTH_JWT_SECRET" default:""`
	SchedulerAPIKeyHash string `envconfig:"SCHEDULER_API_KEY_HASH" default:""`
	CORSAllowedOrigins  string `envconfig:"CORS_ALLOWED_ORIGINS" default:""`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("VOFC_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("VOFC_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("VOFC_DB_MIN_CONNS (%d) cannot exceed VOFC_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ExtractionTimeout <= 0 {
		return fmt.Errorf("EXTRACTION_TIMEOUT must be > 0")
	}
	if c.ExtractionMinTextLength < 0 {
		return fmt.Errorf("EXTRACTION_MIN_TEXT_LENGTH must be >= 0")
	}
	if c.ExtractionMaxPromptChars < 1000 {
		return fmt.Errorf("EXTRACTION_MAX_PROMPT_CHARS must be >= 1000")
	}
	if c.DuplicateThreshold <= 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("DUPLICATE_THRESHOLD must be in (0, 1]")
	}
	if strings.TrimSpace(c.BatchSource) == "" {
		return fmt.Errorf("BATCH_SOURCE is required")
	}
	if c.BatchLimit < 1 {
		return fmt.Errorf("BATCH_LIMIT must be >= 1")
	}
	if c.BatchPacing < 0 {
		return fmt.Errorf("BATCH_PACING must be >= 0")
	}
	if c.BatchStaleClaim < time.Minute {
		return fmt.Errorf("BATCH_STALE_CLAIM must be >= 1m")
	}
	if c.ObjectStoreEnabled() && strings.TrimSpace(c.S3Region) == "" {
		return fmt.Errorf("S3_REGION is required when S3_BUCKET is set")
	}
	return nil
}

// ObjectStoreEnabled reports whether document bytes can be fetched from S3.
func (c *Config) ObjectStoreEnabled() bool {
	return c != nil && strings.TrimSpace(c.S3Bucket) != ""
}

func (c *Config) CORSAllowedOriginsList() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.CORSAllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		if _, exists := seen[origin]; exists {
			continue
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	return origins
}
