package participant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
)

type outcome struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Idempotent remembers the outcome of every command by correlation id, so a
// redelivered command returns the first outcome without running the handler
// again. Cache errors are logged and the handler runs.
func Idempotent(c cache.Cache, ttl time.Duration, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, cmd coordinator.Command) (any, error) {
			key := c.GenerateKey(cmd.Participant, cmd.CorrelationID.String())

			cached, err := c.Get(ctx, key)
			if err != nil {
				logger.WarnContext(ctx, "idempotency lookup failed", slog.String("key", key), slog.Any("error", err))
			}
			if cached != "" {
				var o outcome
				if err := json.Unmarshal([]byte(cached), &o); err == nil {
					logger.InfoContext(ctx, "replaying recorded participant outcome",
						slog.String("participant", cmd.Participant),
						slog.String("correlation_id", cmd.CorrelationID.String()),
					)
					return o.result()
				}
			}

			out, herr := next.Handle(ctx, cmd)

			o := outcome{}
			if herr != nil {
				o.Error = herr.Error()
			} else if out != nil {
				raw, err := json.Marshal(out)
				if err != nil {
					return nil, err
				}
				o.Payload = raw
				out = json.RawMessage(raw)
			}
			data, err := json.Marshal(o)
			if err == nil {
				err = c.Set(ctx, key, string(data), ttl)
			}
			if err != nil {
				logger.WarnContext(ctx, "idempotency record failed", slog.String("key", key), slog.Any("error", err))
			}
			return out, herr
		})
	}
}

func (o outcome) result() (any, error) {
	if o.Error != "" {
		return nil, errors.New(o.Error)
	}
	if len(o.Payload) == 0 {
		return nil, nil
	}
	return o.Payload, nil
}
