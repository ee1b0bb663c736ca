// Package config provides centralized configuration management for all LeakHawk services.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	globalConfig *Config
	once         sync.Once
)

// Config is the master configuration struct shared by every service.
type Config struct {
	Detection  DetectionConfig  `mapstructure:"detection"`
	Similarity SimilarityConfig `mapstructure:"similarity"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Realtime   RealtimeConfig   `mapstructure:"realtime"`

	// Shared infrastructure
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DetectionConfig tunes the duplicate detector.
type DetectionConfig struct {
	AmountToleranceCents int64 `mapstructure:"amount_tolerance_cents"`
	DateToleranceSeconds int64 `mapstructure:"date_tolerance_seconds"`
	HistoricalKeyCap     int   `mapstructure:"historical_key_cap"`
	HistoricalMatchLimit int   `mapstructure:"historical_match_limit"`
	TopClustersPerRule   int   `mapstructure:"top_clusters_per_rule"`
	ExamplesPerRule      int   `mapstructure:"examples_per_rule"`
}

// SimilarityConfig tunes nearest-neighbour matching.
type SimilarityConfig struct {
	NearDuplicateThreshold float64 `mapstructure:"near_duplicate_threshold"`
	SuspiciousThreshold    float64 `mapstructure:"suspicious_threshold"`
	MinScore               float64 `mapstructure:"min_score"`
	TopK                   int     `mapstructure:"top_k"`
	BatchSize              int     `mapstructure:"batch_size"`
	Concurrency            int     `mapstructure:"concurrency"`
	FallbackSampleSize     int     `mapstructure:"fallback_sample_size"`
	SelfMatchScore         float64 `mapstructure:"self_match_score"`
}

// EmbeddingConfig configures the embedding provider and batching.
type EmbeddingConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// WorkerConfig configures the embedding worker consumer.
type WorkerConfig struct {
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
	Prefetch     int           `mapstructure:"prefetch"`
	AckWait      time.Duration `mapstructure:"ack_wait"`
	ConsumerName string        `mapstructure:"consumer_name"`
}

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	Environment    string        `mapstructure:"environment"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Prefetch       int           `mapstructure:"prefetch"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RealtimeConfig configures the pub/sub fan-out.
type RealtimeConfig struct {
	PublishRetries int           `mapstructure:"publish_retries"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	Channels       []string      `mapstructure:"channels"`
	SSEKeepalive   time.Duration `mapstructure:"sse_keepalive"`
	ClientBuffer   int           `mapstructure:"client_buffer"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres      PostgresConfig `mapstructure:"postgres"`
	MigrationsDir string         `mapstructure:"migrations_dir"`
	AutoMigrate   bool           `mapstructure:"auto_migrate"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// DSN builds a pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// NATSConfig holds NATS message broker configuration. MaxReconnects bounds the
// manager's own reconnection loop; the client library never reconnects by itself.
type NATSConfig struct {
	URL              string        `mapstructure:"url"`
	Name             string        `mapstructure:"name"`
	MaxReconnects    int           `mapstructure:"max_reconnects"`
	ReconnectWait    time.Duration `mapstructure:"reconnect_wait"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
	AcquireTimeout   time.Duration `mapstructure:"acquire_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	MaxRetries int    `mapstructure:"max_retries"`
	PoolSize   int    `mapstructure:"pool_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MustLoad loads the configuration and panics on error.
// This initializes the global singleton.
func MustLoad(path string) {
	once.Do(func() {
		cfg, err := Load(path)
		if err != nil {
			panic(fmt.Sprintf("failed to load config: %v", err))
		}
		globalConfig = cfg
	})
}

// GetConfig returns the global configuration singleton.
// Panics if MustLoad has not been called first.
func GetConfig() *Config {
	if globalConfig == nil {
		panic("config not initialized - call MustLoad first")
	}
	return globalConfig
}

// Load reads configuration from path (or $LEAKHAWK_CONFIG_DIR/config.yaml when
// path is empty) and LEAKHAWK_* environment variables. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		configDir := os.Getenv("LEAKHAWK_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/leakhawk"
		}
		path = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("LEAKHAWK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults(v *viper.Viper) {
	// Duplicate detection
	v.SetDefault("detection.amount_tolerance_cents", 1)
	v.SetDefault("detection.date_tolerance_seconds", 300)
	v.SetDefault("detection.historical_key_cap", 1000)
	v.SetDefault("detection.historical_match_limit", 50)
	v.SetDefault("detection.top_clusters_per_rule", 5)
	v.SetDefault("detection.examples_per_rule", 3)

	// Similarity
	v.SetDefault("similarity.near_duplicate_threshold", 0.85)
	v.SetDefault("similarity.suspicious_threshold", 0.75)
	v.SetDefault("similarity.min_score", 0.7)
	v.SetDefault("similarity.top_k", 5)
	v.SetDefault("similarity.batch_size", 10)
	v.SetDefault("similarity.concurrency", 10)
	v.SetDefault("similarity.fallback_sample_size", 1000)
	v.SetDefault("similarity.self_match_score", 0.9999)

	// Embedding provider
	v.SetDefault("embedding.url", "https://api.openai.com/v1/embeddings")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_delay", "1s")
	v.SetDefault("embedding.timeout", "30s")

	// Embedding worker
	v.SetDefault("worker.lock_ttl", "1h")
	v.SetDefault("worker.prefetch", 8)
	v.SetDefault("worker.ack_wait", "65m")
	v.SetDefault("worker.consumer_name", "embedding-worker")

	// Webhook delivery
	v.SetDefault("webhook.environment", "production")
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.initial_backoff", "1s")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.prefetch", 8)
	v.SetDefault("webhook.user_agent", "LeakHawk-Webhooks/1.0")

	// Realtime fan-out
	v.SetDefault("realtime.publish_retries", 3)
	v.SetDefault("realtime.publish_timeout", "2s")
	v.SetDefault("realtime.retry_backoff", "100ms")
	v.SetDefault("realtime.channels", []string{"alerts", "upload_status", "threat_updates"})
	v.SetDefault("realtime.sse_keepalive", "25s")
	v.SetDefault("realtime.client_buffer", 64)

	// Server defaults (port varies by service)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.idle_timeout", "60s")

	// Database defaults
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "leakhawk")
	v.SetDefault("database.postgres.user", "leakhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 20)
	v.SetDefault("database.migrations_dir", "file://migrations")
	v.SetDefault("database.auto_migrate", true)

	// NATS defaults
	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.name", "leakhawk")
	v.SetDefault("nats.max_reconnects", 10)
	v.SetDefault("nats.reconnect_wait", "1s")
	v.SetDefault("nats.max_reconnect_wait", "30s")
	v.SetDefault("nats.acquire_timeout", "5s")
	v.SetDefault("nats.drain_timeout", "10s")

	// Redis defaults
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
