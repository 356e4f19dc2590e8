// Package stream wraps Redis Streams: JSON publishing and consumer groups
// with pending-message reclaim and a dead-letter stream.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const dataField = "data"

// DeadLetterSuffix is appended to a stream name to form its dead-letter stream.
const DeadLetterSuffix = ":dlq"

type Client struct {
	rdb redis.UniversalClient
}

func NewClient(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Publish appends msg, JSON encoded, to stream.
func (c *Client) Publish(ctx context.Context, stream string, msg any) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("stream: marshal message: %w", err)
	}

	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{dataField: string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd %s: %w", stream, err)
	}
	return id, nil
}

// Len returns the number of entries in stream.
func (c *Client) Len(ctx context.Context, stream string) (int64, error) {
	return c.rdb.XLen(ctx, stream).Result()
}

// Trim caps stream at maxLen entries.
func (c *Client) Trim(ctx context.Context, stream string, maxLen int64) error {
	return c.rdb.XTrimMaxLen(ctx, stream, maxLen).Err()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

type Message struct {
	ID     string
	Stream string
	Data   []byte
}

// Decode unmarshals the message payload into dst.
func (m *Message) Decode(dst any) error {
	return json.Unmarshal(m.Data, dst)
}

// MessageHandler processes one message. A nil error acknowledges it.
type MessageHandler func(ctx context.Context, msg *Message) error

type ConsumerOptions struct {
	BatchSize    int
	BlockTime    time.Duration
	MaxRetries   int
	ClaimMinIdle time.Duration
	// PendingCheckInterval is how often unacknowledged messages are reclaimed.
	PendingCheckInterval time.Duration
}

var DefaultConsumerOptions = ConsumerOptions{
	BatchSize:            10,
	BlockTime:            5 * time.Second,
	MaxRetries:           3,
	ClaimMinIdle:         30 * time.Second,
	PendingCheckInterval: 30 * time.Second,
}

func (o ConsumerOptions) withDefaults() ConsumerOptions {
	d := DefaultConsumerOptions
	if o.BatchSize > 0 {
		d.BatchSize = o.BatchSize
	}
	if o.BlockTime > 0 {
		d.BlockTime = o.BlockTime
	}
	if o.MaxRetries != 0 {
		d.MaxRetries = max(o.MaxRetries, 0)
	}
	if o.ClaimMinIdle > 0 {
		d.ClaimMinIdle = o.ClaimMinIdle
	}
	if o.PendingCheckInterval > 0 {
		d.PendingCheckInterval = o.PendingCheckInterval
	}
	return d
}

type Consumer struct {
	client   *Client
	group    string
	consumer string
	streams  []string
	handler  MessageHandler
	opts     ConsumerOptions
	logger   *slog.Logger
}

// NewConsumer creates a consumer named consumer in group. Zero option fields
// take their DefaultConsumerOptions value; a negative MaxRetries disables the
// dead-letter stream.
func NewConsumer(client *Client, group, consumer string, streams []string, handler MessageHandler, opts ConsumerOptions, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Consumer{
		client:   client,
		group:    group,
		consumer: consumer,
		streams:  streams,
		handler:  handler,
		opts:     opts.withDefaults(),
		logger:   logger.With(slog.String("group", group), slog.String("consumer", consumer)),
	}
}

// Start creates the consumer groups, reclaims pending messages and consumes
// new ones until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	for _, stream := range c.streams {
		err := c.client.rdb.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("stream: create group %s on %s: %w", c.group, stream, err)
		}
	}

	if err := c.processPending(ctx); err != nil {
		return fmt.Errorf("stream: process pending: %w", err)
	}
	return c.consume(ctx)
}

// processPending claims messages idle for at least ClaimMinIdle, one batch
// per stream. Messages delivered more than MaxRetries times go to the
// dead-letter stream.
func (c *Consumer) processPending(ctx context.Context) error {
	for _, stream := range c.streams {
		pending, err := c.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Start:  "-",
			End:    "+",
			Count:  int64(c.opts.BatchSize),
		}).Result()
		if err != nil {
			return fmt.Errorf("xpending %s: %w", stream, err)
		}

		ids := make([]string, 0, len(pending))
		dlq := make(map[string]int64)
		for _, p := range pending {
			if p.Idle < c.opts.ClaimMinIdle {
				continue
			}
			ids = append(ids, p.ID)
			if c.opts.MaxRetries > 0 && p.RetryCount > int64(c.opts.MaxRetries) {
				dlq[p.ID] = p.RetryCount
			}
		}
		if len(ids) == 0 {
			continue
		}

		messages, err := c.client.rdb.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.opts.ClaimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return fmt.Errorf("xclaim %s: %w", stream, err)
		}

		for _, m := range messages {
			if retries, ok := dlq[m.ID]; ok {
				c.deadLetter(ctx, stream, m, fmt.Sprintf("max retries exceeded: %d", retries))
				continue
			}
			if err := c.processMessage(ctx, stream, m); err != nil {
				c.logger.WarnContext(ctx, "pending stream message failed",
					slog.String("stream", stream),
					slog.String("id", m.ID),
					slog.Any("error", err),
				)
			}
		}
	}
	return nil
}

func (c *Consumer) consume(ctx context.Context) error {
	args := make([]string, 0, len(c.streams)*2)
	args = append(args, c.streams...)
	for range c.streams {
		args = append(args, ">")
	}

	pendingTicker := time.NewTicker(c.opts.PendingCheckInterval)
	defer pendingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pendingTicker.C:
			if err := c.processPending(ctx); err != nil && ctx.Err() == nil {
				c.logger.ErrorContext(ctx, "process pending stream messages", slog.Any("error", err))
			}
		default:
		}

		results, err := c.client.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  args,
			Count:    int64(c.opts.BatchSize),
			Block:    c.opts.BlockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream: xreadgroup: %w", err)
		}

		for _, result := range results {
			for _, m := range result.Messages {
				if err := c.processMessage(ctx, result.Stream, m); err != nil {
					c.logger.WarnContext(ctx, "stream message failed",
						slog.String("stream", result.Stream),
						slog.String("id", m.ID),
						slog.Any("error", err),
					)
				}
			}
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, stream string, m redis.XMessage) error {
	data, ok := m.Values[dataField].(string)
	if !ok {
		// Not ours; acknowledge so it is never redelivered.
		return c.Ack(ctx, stream, m.ID)
	}

	msg := &Message{ID: m.ID, Stream: stream, Data: []byte(data)}
	if err := c.handler(ctx, msg); err != nil {
		if c.opts.MaxRetries > 0 && c.exhausted(ctx, stream, m.ID) {
			c.deadLetter(ctx, stream, m, err.Error())
			return nil
		}
		return err
	}
	return c.Ack(ctx, stream, m.ID)
}

func (c *Consumer) exhausted(ctx context.Context, stream, id string) bool {
	pending, err := c.client.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	return err == nil && len(pending) == 1 && pending[0].RetryCount > int64(c.opts.MaxRetries)
}

func (c *Consumer) deadLetter(ctx context.Context, stream string, m redis.XMessage, reason string) {
	_, err := c.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream + DeadLetterSuffix,
		Values: map[string]any{
			"stream":   stream,
			"msgId":    m.ID,
			"reason":   reason,
			dataField:  m.Values[dataField],
			"tsMs":     time.Now().UnixMilli(),
			"group":    c.group,
			"consumer": c.consumer,
		},
	}).Result()
	if err != nil {
		c.logger.ErrorContext(ctx, "dead-letter stream message",
			slog.String("stream", stream),
			slog.String("id", m.ID),
			slog.Any("error", err),
		)
		return
	}
	c.logger.WarnContext(ctx, "stream message dead-lettered",
		slog.String("stream", stream),
		slog.String("id", m.ID),
		slog.String("reason", reason),
	)
	if err := c.Ack(ctx, stream, m.ID); err != nil {
		c.logger.ErrorContext(ctx, "ack dead-lettered message", slog.String("id", m.ID), slog.Any("error", err))
	}
}

// Ack acknowledges a message manually.
func (c *Consumer) Ack(ctx context.Context, stream, id string) error {
	return c.client.rdb.XAck(ctx, stream, c.group, id).Err()
}
