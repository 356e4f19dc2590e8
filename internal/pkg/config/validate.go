package config

import (
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Validate checks every section and returns the aggregated errors.
func (c *Config) Validate() error {
	return errors.Join(
		c.Server.validate(),
		c.GRPC.validate(),
		c.Log.validate(),
		c.Telemetry.validate(),
		c.Saga.validate(c),
		c.Gateway.validate(c),
		c.Aggregates.validate(c),
		c.Idempotency.validate(c),
		c.Payment.validate(),
	)
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func (s *ServerConfig) validate() error {
	var errs []error

	errs = append(errs, validPort("server.port", s.Port))
	if s.ReadTimeout <= 0 {
		errs = append(errs, errors.New("server.read_timeout must be positive"))
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.write_timeout must be positive"))
	}
	if s.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}

	return errors.Join(errs...)
}

func (g *GRPCConfig) validate() error {
	return validPort("grpc.port", g.Port)
}

func (l *LogConfig) validate() error {
	var errs []error

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", l.Level))
	}
	switch l.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be one of: json, text; got %q", l.Format))
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("log.max_size_mb must be >= 1, got %d", l.MaxSizeMB))
	}

	return errors.Join(errs...)
}

func (t *TelemetryConfig) validate() error {
	if !t.Enabled {
		return nil
	}

	var errs []error
	if t.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint must not be empty when telemetry is enabled"))
	}
	if t.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name must not be empty when telemetry is enabled"))
	}
	if t.SampleRatio <= 0 || t.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio must be in (0, 1], got %g", t.SampleRatio))
	}
	return errors.Join(errs...)
}

func (s *SagaConfig) validate(c *Config) error {
	var errs []error

	switch s.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path must not be empty for saga.store=sqlite"))
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr must not be empty for saga.store=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("saga.store must be one of: memory, sqlite, redis; got %q", s.Store))
	}
	if s.ReplyTimeout <= 0 {
		errs = append(errs, errors.New("saga.reply_timeout must be positive"))
	}
	if s.SweepSchedule != "" {
		if _, err := cron.ParseStandard(s.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("saga.sweep_schedule: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (g *GatewayConfig) validate(c *Config) error {
	var errs []error

	switch g.Transport {
	case TransportLocal:
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr must not be empty for gateway.transport=redis"))
		}
		if g.StreamPrefix == "" {
			errs = append(errs, errors.New("gateway.stream_prefix must not be empty"))
		}
	case TransportGRPC:
		if len(g.Targets) == 0 {
			errs = append(errs, errors.New("gateway.targets must not be empty for gateway.transport=grpc"))
		}
		for name, target := range g.Targets {
			if target == "" {
				errs = append(errs, fmt.Errorf("gateway.targets.%s must not be empty", name))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("gateway.transport must be one of: local, redis, grpc; got %q", g.Transport))
	}
	if g.CallTimeout <= 0 {
		errs = append(errs, errors.New("gateway.call_timeout must be positive"))
	}
	if g.Retry.Base <= 0 {
		errs = append(errs, errors.New("gateway.retry.base must be positive"))
	}
	if g.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("gateway.breaker.max_failures must be >= 1, got %d", g.Breaker.MaxFailures))
	}
	if g.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("gateway.rate_limit.rps must not be negative, got %g", g.RateLimit.RPS))
	}
	if g.RateLimit.RPS > 0 && g.RateLimit.Burst < 1 {
		errs = append(errs, fmt.Errorf("gateway.rate_limit.burst must be >= 1, got %d", g.RateLimit.Burst))
	}

	return errors.Join(errs...)
}

func (a *AggregatesConfig) validate(c *Config) error {
	var errs []error

	switch a.Store {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn must not be empty for aggregates.store=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("aggregates.store must be one of: memory, postgres; got %q", a.Store))
	}
	if a.Store == StoreMemory && c.Gateway.Transport != TransportLocal {
		errs = append(errs, fmt.Errorf("aggregates.store=memory cannot be shared with remote participants (gateway.transport=%s)", c.Gateway.Transport))
	}
	if a.PublishChanges && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr must not be empty when aggregates.publish_changes is set"))
	}

	return errors.Join(errs...)
}

func (i *IdempotencyConfig) validate(c *Config) error {
	if !i.Enabled {
		return nil
	}
	var errs []error
	if i.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive when idempotency is enabled"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr must not be empty when idempotency is enabled"))
	}
	return errors.Join(errs...)
}

func (p *PaymentConfig) validate() error {
	var errs []error
	if p.Limit <= 0 {
		errs = append(errs, fmt.Errorf("payment.limit must be positive, got %g", p.Limit))
	}
	if p.CardTTL <= 0 {
		errs = append(errs, fmt.Errorf("payment.card_ttl must be positive, got %s", p.CardTTL))
	}
	return errors.Join(errs...)
}
