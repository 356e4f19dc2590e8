// Package config loads the process configuration in layers:
// defaults -> base.yaml -> {profile}.yaml -> APP_ env vars.
package config

import "time"

// Transport and store kinds.
const (
	TransportLocal = "local"
	TransportRedis = "redis"
	TransportGRPC  = "grpc"

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

type Config struct {
	Server      ServerConfig      `koanf:"server"`
	GRPC        GRPCConfig        `koanf:"grpc"`
	Log         LogConfig         `koanf:"log"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Redis       RedisConfig       `koanf:"redis"`
	SQLite      SQLiteConfig      `koanf:"sqlite"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Saga        SagaConfig        `koanf:"saga"`
	Gateway     GatewayConfig     `koanf:"gateway"`
	Aggregates  AggregatesConfig  `koanf:"aggregates"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Payment     PaymentConfig     `koanf:"payment"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// GRPCConfig is the participant gRPC listener.
type GRPCConfig struct {
	Port int `koanf:"port"`
}

// LogConfig selects level, format and an optional rotated log file. An empty
// File logs to stderr.
type LogConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	Environment string  `koanf:"environment"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type PostgresConfig struct {
	DSN string `koanf:"dsn"`
}

// SagaConfig controls the execution manager and its store.
type SagaConfig struct {
	Store         string        `koanf:"store"`
	ReplyTimeout  time.Duration `koanf:"reply_timeout"`
	SweepSchedule string        `koanf:"sweep_schedule"`
	Retention     time.Duration `koanf:"retention"`
}

// GatewayConfig selects how commands reach participants.
type GatewayConfig struct {
	Transport    string            `koanf:"transport"`
	StreamPrefix string            `koanf:"stream_prefix"`
	ConsumerName string            `koanf:"consumer_name"`
	Targets      map[string]string `koanf:"targets"`
	CallTimeout  time.Duration     `koanf:"call_timeout"`
	Retry        RetryConfig       `koanf:"retry"`
	Breaker      BreakerConfig     `koanf:"breaker"`
	RateLimit    RateLimitConfig   `koanf:"rate_limit"`
}

type RetryConfig struct {
	MaxRetries uint64        `koanf:"max_retries"`
	Base       time.Duration `koanf:"base"`
}

type BreakerConfig struct {
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout"`
}

// RateLimitConfig limits outbound commands. Zero RPS disables the limiter.
type RateLimitConfig struct {
	RPS   float64 `koanf:"rps"`
	Burst int     `koanf:"burst"`
}

// AggregatesConfig selects the aggregate repository. PublishChanges streams
// change records to Redis.
type AggregatesConfig struct {
	Store          string `koanf:"store"`
	PublishChanges bool   `koanf:"publish_changes"`
}

type IdempotencyConfig struct {
	Enabled bool          `koanf:"enabled"`
	TTL     time.Duration `koanf:"ttl"`
}

type PaymentConfig struct {
	Limit float64 `koanf:"limit"`
	// CardTTL bounds how long card data is kept for an unfinished order.
	CardTTL time.Duration `koanf:"card_ttl"`
}
