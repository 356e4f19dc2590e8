package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
)

// Worker is the participant side: it consumes the command streams of the
// given participants and publishes the replies to forward commands.
type Worker struct {
	client       *stream.Client
	dispatcher   participant.Dispatcher
	participants []string
	cfg          config
}

func NewWorker(rdb redis.UniversalClient, d participant.Dispatcher, participants []string, opts ...Option) *Worker {
	return &Worker{
		client:       stream.NewClient(rdb),
		dispatcher:   d,
		participants: participants,
		cfg:          newConfig(opts),
	}
}

// Run consumes commands until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.participants) == 0 {
		return errors.New("redisstream: worker has no participants")
	}
	streams := make([]string, 0, len(w.participants))
	for _, p := range w.participants {
		streams = append(streams, CommandStream(w.cfg.prefix, p))
	}

	consumer := stream.NewConsumer(w.client, participantsGroup, w.cfg.consumerName,
		streams, w.onMessage, w.cfg.consumerOpts, w.cfg.logger)
	w.cfg.logger.InfoContext(ctx, "consuming saga commands",
		slog.Any("participants", w.participants),
		slog.String("consumer", w.cfg.consumerName),
	)
	return consumer.Start(ctx)
}

func (w *Worker) onMessage(ctx context.Context, msg *stream.Message) error {
	var cmd coordinator.Command
	if err := msg.Decode(&cmd); err != nil {
		w.cfg.logger.ErrorContext(ctx, "dropping malformed saga command",
			slog.String("stream", msg.Stream),
			slog.String("id", msg.ID),
			slog.Any("error", err),
		)
		return nil
	}

	reply := w.dispatcher.Dispatch(ctx, cmd)
	if cmd.Kind == coordinator.KindCompensation {
		if err := reply.Err(); err != nil {
			w.cfg.logger.ErrorContext(ctx, "compensation failed at participant",
				slog.String("participant", cmd.Participant),
				slog.String("execution_id", cmd.ExecutionID.String()),
				slog.Any("error", err),
			)
		}
		return nil
	}

	// A publish error leaves the command pending; the redelivery is answered
	// from the idempotency cache when one is configured.
	if _, err := w.client.Publish(ctx, ReplyStream(w.cfg.prefix), reply); err != nil {
		return fmt.Errorf("redisstream: publish reply %s: %w", reply.CorrelationID, err)
	}
	return nil
}
