package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the askbase server.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Blob      BlobConfig
	Embedding EmbeddingConfig
	Generator GeneratorConfig
	Ingest    IngestConfig
	Retrieval RetrievalConfig
	Query     QueryConfig
	Widget    WidgetConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Retention RetentionConfig
	Notify    NotifyConfig
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store (zero-config development).
	URL            string
	MaxConnections int
}

type BlobConfig struct {
	// Dir empty selects the in-memory blob store.
	Dir string
}

type EmbeddingConfig struct {
	// Driver: "hash" (deterministic, offline) or "openai".
	Driver    string
	ModelID   string
	Dim       int
	APIKey    string
	BatchSize int
}

type GeneratorConfig struct {
	// Driver: "canned" (offline) or "openai".
	Driver  string
	ModelID string
	APIKey  string
}

type IngestConfig struct {
	Workers           int
	MaxAttempts       int
	AttemptTimeout    time.Duration
	VisibilityTimeout time.Duration
	MaxFileSizeBytes  int64
	// QueueHighWater caps ready jobs before uploads are refused.
	QueueHighWater int
}

type RetrievalConfig struct {
	CacheTTL time.Duration
	// RedisURL empty selects the in-process TTL cache.
	RedisURL string
	Alpha    float64
	DenseK   int
	LexicalK int
}

type QueryConfig struct {
	Deadline         time.Duration
	RetrievalBudget  time.Duration
	MaxContextLength int
}

type WidgetConfig struct {
	IdleTimeout        time.Duration
	RateLimitPerMinute int
	MaxConnections     int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

type AuthConfig struct {
	// APIKeys is the comma-separated staff API key list (ASKBASE_API_KEYS).
	APIKeys string
}

type RetentionConfig struct {
	Enabled  bool
	Interval time.Duration
	// IdleSessionAfter ends active sessions with no activity in the window.
	IdleSessionAfter time.Duration
	// PurgeSessionsAfter archives and purges ended sessions past the window.
	PurgeSessionsAfter time.Duration
	// ArchiveDir empty disables archiving; expired sessions are purged only.
	ArchiveDir      string
	CompressArchive bool
}

type NotifyConfig struct {
	// WebhookURL empty disables ingestion webhooks.
	WebhookURL string
	// Secret signs webhook payloads with HMAC-SHA256 when set.
	Secret string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ASKBASE_PORT", 8080),
		Version: envStr("ASKBASE_VERSION", "0.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Blob: BlobConfig{
			Dir: envStr("BLOB_DIR", ""),
		},
		Embedding: EmbeddingConfig{
			Driver:    envStr("EMBEDDING_DRIVER", "hash"),
			ModelID:   envStr("EMBEDDING_MODEL_ID", "askbase-hash-v1"),
			Dim:       envInt("EMBEDDING_DIM", 384),
			APIKey:    envStr("OPENAI_API_KEY", ""),
			BatchSize: envInt("EMBEDDING_BATCH_SIZE", 64),
		},
		Generator: GeneratorConfig{
			Driver:  envStr("GENERATOR_DRIVER", "canned"),
			ModelID: envStr("GENERATOR_MODEL_ID", "gpt-4o-mini"),
			APIKey:  envStr("OPENAI_API_KEY", ""),
		},
		Ingest: IngestConfig{
			Workers:           envInt("INGEST_WORKERS", 2),
			MaxAttempts:       envInt("INGEST_MAX_ATTEMPTS", 5),
			AttemptTimeout:    envDur("INGEST_ATTEMPT_TIMEOUT_SEC", 300),
			VisibilityTimeout: envDur("INGEST_VISIBILITY_TIMEOUT_SEC", 60),
			MaxFileSizeBytes:  envInt64("MAX_FILE_SIZE_BYTES", 50<<20),
			QueueHighWater:    envInt("INGEST_QUEUE_HIGH_WATER", 1000),
		},
		Retrieval: RetrievalConfig{
			CacheTTL: envDur("RETRIEVAL_CACHE_TTL_SEC", 300),
			RedisURL: envStr("REDIS_URL", ""),
			Alpha:    envFloat("RETRIEVAL_HYBRID_ALPHA", 0.6),
			DenseK:   envInt("RETRIEVAL_DENSE_K", 20),
			LexicalK: envInt("RETRIEVAL_LEXICAL_K", 20),
		},
		Query: QueryConfig{
			Deadline:         time.Duration(envInt("QUERY_DEADLINE_MS", 30_000)) * time.Millisecond,
			RetrievalBudget:  time.Duration(envInt("QUERY_RETRIEVAL_BUDGET_MS", 5_000)) * time.Millisecond,
			MaxContextLength: envInt("QUERY_MAX_CONTEXT_LENGTH", 4_000),
		},
		Widget: WidgetConfig{
			IdleTimeout:        envDur("WEBSOCKET_IDLE_TIMEOUT_SEC", 120),
			RateLimitPerMinute: envInt("WIDGET_RATE_LIMIT_PER_MINUTE", 60),
			MaxConnections:     envInt("WIDGET_MAX_CONNECTIONS", 10_000),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "askbase"),
		},
		Auth: AuthConfig{
			APIKeys: envStr("ASKBASE_API_KEYS", ""),
		},
		Retention: RetentionConfig{
			Enabled:            envBool("RETENTION_ENABLED", true),
			Interval:           envDur("RETENTION_INTERVAL_SEC", 3600),
			IdleSessionAfter:   time.Duration(envInt("RETENTION_IDLE_SESSION_DAYS", 30)) * 24 * time.Hour,
			PurgeSessionsAfter: time.Duration(envInt("RETENTION_PURGE_SESSION_DAYS", 90)) * 24 * time.Hour,
			ArchiveDir:         envStr("RETENTION_ARCHIVE_DIR", ""),
			CompressArchive:    envBool("RETENTION_ARCHIVE_COMPRESS", false),
		},
		Notify: NotifyConfig{
			WebhookURL: envStr("ASKBASE_WEBHOOK_URL", ""),
			Secret:     envStr("ASKBASE_WEBHOOK_SECRET", ""),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDur reads a seconds-valued env var into a time.Duration.
func envDur(key string, fallbackSec int) time.Duration {
	return time.Duration(envInt(key, fallbackSec)) * time.Second
}
