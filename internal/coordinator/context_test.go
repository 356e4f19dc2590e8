package coordinator_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
)

type shipment struct {
	Name string `json:"name"`
	Zip  int    `json:"zip"`
}

func TestSagaContext_WithDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()

	base := coordinator.MustContext(map[string]any{"cart_uuid": "c-1"})
	next, err := base.With("total", 12.5)
	require.NoError(t, err)

	assert.False(t, base.Has("total"))
	assert.True(t, next.Has("total"))
	assert.True(t, next.Has("cart_uuid"))
}

func TestSagaContext_ZeroValueIsUsable(t *testing.T) {
	t.Parallel()

	var sc coordinator.SagaContext
	assert.Equal(t, 0, sc.Len())

	next, err := sc.With("k", "v")
	require.NoError(t, err)

	v, err := coordinator.Get[string](next, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestSagaContext_MergeAddsAndReplacesOnly(t *testing.T) {
	t.Parallel()

	a := coordinator.MustContext(map[string]any{"x": 1, "y": 2})
	b := coordinator.MustContext(map[string]any{"y": 3, "z": 4})

	merged := a.Merge(b)
	assert.Equal(t, []string{"x", "y", "z"}, merged.Keys())

	y, err := coordinator.Get[int](merged, "y")
	require.NoError(t, err)
	assert.Equal(t, 3, y)

	// Merging an empty context keeps every key.
	assert.Equal(t, merged.Keys(), merged.Merge(coordinator.SagaContext{}).Keys())
}

func TestGet_TypedValues(t *testing.T) {
	t.Parallel()

	sc := coordinator.MustContext(map[string]any{
		"shipment": shipment{Name: "Ada", Zip: 8001},
		"items":    []string{"p-1", "p-2"},
	})

	s, err := coordinator.Get[shipment](sc, "shipment")
	require.NoError(t, err)
	assert.Equal(t, shipment{Name: "Ada", Zip: 8001}, s)

	items, err := coordinator.Get[[]string](sc, "items")
	require.NoError(t, err)
	assert.Equal(t, []string{"p-1", "p-2"}, items)

	_, err = coordinator.Get[int](sc, "missing")
	require.ErrorIs(t, err, coordinator.ErrContextKeyMissing)

	_, err = coordinator.Get[int](sc, "shipment")
	require.Error(t, err)
}

func TestSagaContext_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	sc := coordinator.MustContext(map[string]any{
		"shipment": shipment{Name: "Ada", Zip: 8001},
		"amount":   99.95,
	})

	data, err := json.Marshal(sc)
	require.NoError(t, err)

	var back coordinator.SagaContext
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, sc.Keys(), back.Keys())
	s, err := coordinator.Get[shipment](back, "shipment")
	require.NoError(t, err)
	assert.Equal(t, 8001, s.Zip)

	empty, err := json.Marshal(coordinator.SagaContext{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(empty))
}

func TestNewContext_RejectsUnencodableValues(t *testing.T) {
	t.Parallel()

	_, err := coordinator.NewContext(map[string]any{"ch": make(chan int)})
	require.Error(t, err)

	_, err = coordinator.SagaContext{}.With("fn", func() {})
	require.Error(t, err)
}
