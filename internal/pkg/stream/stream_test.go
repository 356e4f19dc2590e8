package stream_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/stream"
)

type event struct {
	Kind string `json:"kind"`
	N    int    `json:"n"`
}

func newClient(t *testing.T) (*stream.Client, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return stream.NewClient(rdb), rdb
}

var fastOptions = stream.ConsumerOptions{
	BatchSize:            10,
	BlockTime:            10 * time.Millisecond,
	MaxRetries:           1,
	ClaimMinIdle:         time.Millisecond,
	PendingCheckInterval: 10 * time.Millisecond,
}

func startConsumer(t *testing.T, c *stream.Consumer) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop")
		}
	})
}

func TestConsumer_DeliversPublishedMessages(t *testing.T) {
	t.Parallel()

	client, _ := newClient(t)
	ctx := context.Background()

	got := make(chan event, 4)
	consumer := stream.NewConsumer(client, "workers", "w-1", []string{"events"},
		func(_ context.Context, msg *stream.Message) error {
			var e event
			if err := msg.Decode(&e); err != nil {
				return err
			}
			got <- e
			return nil
		}, fastOptions, nil)
	startConsumer(t, consumer)

	for i := 1; i <= 3; i++ {
		_, err := client.Publish(ctx, "events", event{Kind: "reserved", N: i})
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		select {
		case e := <-got:
			assert.Equal(t, event{Kind: "reserved", N: i}, e)
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
}

func TestConsumer_FailingMessageIsDeadLettered(t *testing.T) {
	t.Parallel()

	client, rdb := newClient(t)
	ctx := context.Background()

	consumer := stream.NewConsumer(client, "workers", "w-1", []string{"payments"},
		func(context.Context, *stream.Message) error {
			return errors.New("downstream unavailable")
		}, fastOptions, nil)
	startConsumer(t, consumer)

	id, err := client.Publish(ctx, "payments", event{Kind: "charge", N: 1})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := client.Len(ctx, "payments"+stream.DeadLetterSuffix)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	entries, err := rdb.XRange(ctx, "payments"+stream.DeadLetterSuffix, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].Values["msgId"])
	assert.Equal(t, "payments", entries[0].Values["stream"])
	assert.Contains(t, entries[0].Values["reason"], "downstream unavailable")

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "payments", "workers").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConsumer_AcknowledgesForeignEntries(t *testing.T) {
	t.Parallel()

	client, rdb := newClient(t)
	ctx := context.Background()

	called := make(chan struct{}, 1)
	consumer := stream.NewConsumer(client, "workers", "w-1", []string{"mixed"},
		func(context.Context, *stream.Message) error {
			called <- struct{}{}
			return nil
		}, fastOptions, nil)
	startConsumer(t, consumer)

	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: "mixed",
		Values: map[string]any{"other": "x"},
	}).Err())
	_, err := client.Publish(ctx, "mixed", event{Kind: "ok"})
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}

	require.Eventually(t, func() bool {
		pending, err := rdb.XPending(ctx, "mixed", "workers").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClient_TrimAndPing(t *testing.T) {
	t.Parallel()

	client, _ := newClient(t)
	ctx := context.Background()
	require.NoError(t, client.Ping(ctx))

	for i := range 5 {
		_, err := client.Publish(ctx, "log", event{N: i})
		require.NoError(t, err)
	}
	n, err := client.Len(ctx, "log")
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	require.NoError(t, client.Trim(ctx, "log", 5))
}
