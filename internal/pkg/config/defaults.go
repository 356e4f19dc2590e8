package config

const (
	defaultServerPort = 8080
	defaultGRPCPort   = 9090

	defaultLogMaxSizeMB  = 100
	defaultLogMaxBackups = 3
	defaultLogMaxAgeDays = 28

	defaultRetryMax         = 3
	defaultBreakerFailures  = 5
	defaultRateLimitBurst   = 50
	defaultPaymentLimit     = 500.0
	defaultTraceSampleRatio = 1.0
)

// defaults is the lowest configuration layer.
func defaults() map[string]any {
	return map[string]any{
		"server.host":             "0.0.0.0",
		"server.port":             defaultServerPort,
		"server.read_timeout":     "5s",
		"server.write_timeout":    "10s",
		"server.shutdown_timeout": "10s",

		"grpc.port": defaultGRPCPort,

		"log.level":        "info",
		"log.format":       "json",
		"log.file":         "",
		"log.max_size_mb":  defaultLogMaxSizeMB,
		"log.max_backups":  defaultLogMaxBackups,
		"log.max_age_days": defaultLogMaxAgeDays,

		"telemetry.enabled":      false,
		"telemetry.endpoint":     "localhost:4317",
		"telemetry.service_name": "saga-coordinator",
		"telemetry.environment":  "local",
		"telemetry.sample_ratio": defaultTraceSampleRatio,

		"redis.addr":     "localhost:6379",
		"redis.password": "",
		"redis.db":       0,

		"sqlite.path": "sagas.db",

		"postgres.dsn": "",

		"saga.store":          StoreMemory,
		"saga.reply_timeout":  "30s",
		"saga.sweep_schedule": "@every 10s",
		"saga.retention":      "168h",

		"gateway.transport":            TransportLocal,
		"gateway.stream_prefix":        "saga",
		"gateway.consumer_name":        "",
		"gateway.call_timeout":         "10s",
		"gateway.retry.max_retries":    defaultRetryMax,
		"gateway.retry.base":           "100ms",
		"gateway.breaker.max_failures": defaultBreakerFailures,
		"gateway.breaker.open_timeout": "30s",
		"gateway.rate_limit.rps":       0,
		"gateway.rate_limit.burst":     defaultRateLimitBurst,

		"aggregates.store":           StoreMemory,
		"aggregates.publish_changes": false,

		"idempotency.enabled": false,
		"idempotency.ttl":     "24h",

		"payment.limit":    defaultPaymentLimit,
		"payment.card_ttl": "15m",
	}
}
