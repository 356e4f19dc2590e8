// Package redisstream carries saga commands and replies over Redis Streams.
//
// Commands for participant P are appended to "<prefix>:commands:P"; every
// reply goes to "<prefix>:replies". Both sides read through consumer groups,
// so several coordinator or participant processes can share the load.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
)

const (
	DefaultPrefix     = "saga"
	coordinatorGroup  = "coordinator"
	participantsGroup = "participants"
)

func CommandStream(prefix, participant string) string {
	return fmt.Sprintf("%s:commands:%s", prefix, participant)
}

func ReplyStream(prefix string) string {
	return prefix + ":replies"
}

type config struct {
	prefix       string
	consumerName string
	consumerOpts stream.ConsumerOptions
	logger       *slog.Logger
}

type Option func(*config)

// WithPrefix namespaces every stream key. Defaults to DefaultPrefix.
func WithPrefix(prefix string) Option {
	return func(c *config) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithConsumerName names this process inside its consumer group. Defaults
// to the hostname plus a random suffix.
func WithConsumerName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.consumerName = name
		}
	}
}

func WithConsumerOptions(o stream.ConsumerOptions) Option {
	return func(c *config) { c.consumerOpts = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

func newConfig(opts []Option) config {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	c := config{
		prefix:       DefaultPrefix,
		consumerName: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Gateway is the coordinator side: it publishes commands and consumes
// replies. Run must be running for replies to reach the manager.
type Gateway struct {
	client *stream.Client
	cfg    config

	mu      sync.RWMutex
	handler coordinator.ReplyHandler
}

func New(rdb redis.UniversalClient, opts ...Option) *Gateway {
	return &Gateway{client: stream.NewClient(rdb), cfg: newConfig(opts)}
}

func (g *Gateway) Name() string { return "redis-stream-gateway" }

func (g *Gateway) HealthCheck(ctx context.Context) error {
	return g.client.Ping(ctx)
}

func (g *Gateway) OnReply(h coordinator.ReplyHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

// Send appends cmd to its participant's command stream.
func (g *Gateway) Send(ctx context.Context, cmd coordinator.Command) error {
	if _, err := g.client.Publish(ctx, CommandStream(g.cfg.prefix, cmd.Participant), cmd); err != nil {
		return fmt.Errorf("redisstream: send %s: %w", cmd.Participant, err)
	}
	return nil
}

// Run consumes the reply stream until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	consumer := stream.NewConsumer(g.client, coordinatorGroup, g.cfg.consumerName,
		[]string{ReplyStream(g.cfg.prefix)}, g.onMessage, g.cfg.consumerOpts, g.cfg.logger)
	g.cfg.logger.InfoContext(ctx, "consuming saga replies",
		slog.String("stream", ReplyStream(g.cfg.prefix)),
		slog.String("consumer", g.cfg.consumerName),
	)
	return consumer.Start(ctx)
}

func (g *Gateway) onMessage(ctx context.Context, msg *stream.Message) error {
	var reply coordinator.Reply
	if err := msg.Decode(&reply); err != nil {
		// Undecodable replies can never succeed; drop them.
		g.cfg.logger.ErrorContext(ctx, "dropping malformed saga reply",
			slog.String("id", msg.ID),
			slog.Any("error", err),
		)
		return nil
	}

	g.mu.RLock()
	h := g.handler
	g.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("redisstream: no reply handler for %s", reply.CorrelationID)
	}
	h(ctx, reply)
	return nil
}
