package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator"
	sagamemory "github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/memory"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/gateway/local"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/participant"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/pkg/metrics"
)

func TestObserverCounters(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	m.ExecutionStarted("CreateOrder")
	m.StepDispatched("CreateOrder", "LockCart", coordinator.KindForward)
	m.ExecutionFinished("CreateOrder", coordinator.StatusSucceeded, 1500*time.Millisecond)
	m.CompensationFailed("CreateOrder", "UnlockCart")
	m.ReplyIgnored()

	assert.InDelta(t, 1, testutil.ToFloat64(m.ExecutionsStarted.WithLabelValues("CreateOrder")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("CreateOrder", string(coordinator.StatusSucceeded))), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ExecutionsActive), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StepsDispatched.WithLabelValues("CreateOrder", "LockCart", string(coordinator.KindForward))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CompensationFailures.WithLabelValues("CreateOrder", "UnlockCart")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RepliesIgnored), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(m.ExecutionDuration))
}

func TestManagerFeedsObserver(t *testing.T) {
	t.Parallel()

	mux := participant.NewMux(nil)
	mux.HandleFunc("Charge", func(context.Context, coordinator.Command) (any, error) {
		return nil, errors.New("card declined")
	})
	mux.HandleFunc("Reserve", func(context.Context, coordinator.Command) (any, error) { return map[string]int{"n": 1}, nil })
	mux.HandleFunc("Release", func(context.Context, coordinator.Command) (any, error) { return nil, nil })

	store, err := sagamemory.New()
	require.NoError(t, err)
	m := metrics.New(prometheus.NewRegistry())
	gw := local.New(mux, local.WithSynchronous())
	manager := coordinator.NewManager(store, gw, coordinator.WithObserver(m))
	t.Cleanup(manager.Close)

	def := coordinator.NewSaga("Checkout").
		Step().InvokeParticipant("Reserve", nil).WithCompensation("Release", nil).
		Step().InvokeParticipant("Charge", nil).WithCompensation("Refund", nil).
		MustCommit(nil)

	exec, err := manager.Run(context.Background(), def, coordinator.SagaContext{}, coordinator.WithRaiseOnError(false))
	require.NoError(t, err)
	require.Equal(t, coordinator.StatusCompensated, exec.Status)

	assert.InDelta(t, 1, testutil.ToFloat64(m.ExecutionsFinished.WithLabelValues("Checkout", string(coordinator.StatusCompensated))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StepsDispatched.WithLabelValues("Checkout", "Release", string(coordinator.KindCompensation))), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.ExecutionsActive), 0)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := metrics.New(nil)
	m.ExecutionStarted("AddCartItem")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `saga_executions_started_total{saga="AddCartItem"} 1`)
}
