package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/app"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/order-service/domain"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/cache"
)

func TestCacheVault(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	v := app.NewCacheVault(cache.NewRedisCache(client, "coordinator"), time.Minute)

	ctx := context.Background()
	card := domain.PaymentDetail{CardHolder: "Ada", CardNumber: "4242424242424242", CardExpire: "12/30", CardCVC: "123"}
	require.NoError(t, v.Put(ctx, "t-1", card))

	got, err := v.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, card, got)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))

	require.NoError(t, v.Delete(ctx, "t-1"))
	_, err = v.Get(ctx, "t-1")
	require.ErrorIs(t, err, domain.ErrCardUnavailable)

	require.NoError(t, v.Put(ctx, "t-2", card))
	mr.FastForward(2 * time.Minute)
	_, err = v.Get(ctx, "t-2")
	require.ErrorIs(t, err, domain.ErrCardUnavailable)
}
