package sqlite_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog"
	"github.com/jcmexdev/ecommerce-saga-engine/internal/coordinator/sagalog/sqlite"
)

func openRepo(t *testing.T) *sqlite.Repository {
	t.Helper()

	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "saga.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func sampleRecord() *sagalog.Record {
	now := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	return &sagalog.Record{
		ExecutionID:          "3f7a8c1e-0000-4000-8000-000000000001",
		DefinitionName:       "CreateOrder",
		Status:               sagalog.StatusPaused,
		Cursor:               1,
		CompletedSteps:       []int{0},
		Context:              json.RawMessage(`{"cart_uuid":"c-1","total":12.5}`),
		PendingCorrelationID: "corr-1",
		Deadline:             now.Add(30 * time.Second),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func TestSaveAndGet_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openRepo(t)
	rec := sampleRecord()

	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, rec.DefinitionName, got.DefinitionName)
	assert.Equal(t, sagalog.StatusPaused, got.Status)
	assert.Equal(t, 1, got.Cursor)
	assert.Equal(t, []int{0}, got.CompletedSteps)
	assert.JSONEq(t, string(rec.Context), string(got.Context))
	assert.Equal(t, "corr-1", got.PendingCorrelationID)
	assert.True(t, rec.Deadline.Equal(got.Deadline))
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
	assert.Empty(t, got.CompensationErrors)
}

func TestGet_NotFound(t *testing.T) {
	t.Parallel()

	_, err := openRepo(t).Get(context.Background(), "missing")
	require.ErrorIs(t, err, sagalog.ErrNotFound)
}

func TestGetByCorrelation_FollowsLatestSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openRepo(t)
	rec := sampleRecord()
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.GetByCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ExecutionID, got.ExecutionID)

	rec.Status = sagalog.StatusRunning
	rec.PendingCorrelationID = ""
	rec.Deadline = time.Time{}
	rec.UpdatedAt = rec.UpdatedAt.Add(time.Second)
	require.NoError(t, repo.Save(ctx, rec))

	_, err = repo.GetByCorrelation(ctx, "corr-1")
	require.ErrorIs(t, err, sagalog.ErrNotFound)

	got, err = repo.Get(ctx, rec.ExecutionID)
	require.NoError(t, err)
	assert.True(t, got.Deadline.IsZero())
}

func TestListByStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openRepo(t)

	paused := sampleRecord()
	done := sampleRecord()
	done.ExecutionID = "3f7a8c1e-0000-4000-8000-000000000002"
	done.Status = sagalog.StatusSucceeded
	done.PendingCorrelationID = ""
	failed := sampleRecord()
	failed.ExecutionID = "3f7a8c1e-0000-4000-8000-000000000003"
	failed.Status = sagalog.StatusFailed
	failed.PendingCorrelationID = ""
	failed.CompensationErrors = []string{"ReserveProducts: send: boom"}

	for _, r := range []*sagalog.Record{paused, done, failed} {
		require.NoError(t, repo.Save(ctx, r))
	}

	got, err := repo.ListByStatus(ctx, sagalog.StatusPaused, sagalog.StatusFailed)
	require.NoError(t, err)
	require.Len(t, got, 2)

	ids := []string{got[0].ExecutionID, got[1].ExecutionID}
	assert.ElementsMatch(t, []string{paused.ExecutionID, failed.ExecutionID}, ids)

	none, err := repo.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestHistory_AppendsEveryTransition(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openRepo(t)
	rec := sampleRecord()

	for _, s := range []sagalog.Status{sagalog.StatusCreated, sagalog.StatusRunning, sagalog.StatusPaused} {
		rec.Status = s
		require.NoError(t, repo.Save(ctx, rec))
	}

	hist, err := repo.History(ctx, rec.ExecutionID)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, sagalog.StatusCreated, hist[0].Status)
	assert.Equal(t, sagalog.StatusPaused, hist[2].Status)

	_, err = repo.History(ctx, "missing")
	require.ErrorIs(t, err, sagalog.ErrNotFound)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	repo := openRepo(t)
	assert.Equal(t, "sqlite", repo.Name())
	assert.NoError(t, repo.HealthCheck(context.Background()))
}

func TestSave_RejectsStaleVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openRepo(t)
	require.NoError(t, repo.Save(ctx, sampleRecord()))

	reply, err := repo.Get(ctx, sampleRecord().ExecutionID)
	require.NoError(t, err)
	timer, err := repo.Get(ctx, sampleRecord().ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reply.Version)

	reply.Status = sagalog.StatusRunning
	reply.PendingCorrelationID = ""
	require.NoError(t, repo.Save(ctx, reply))
	assert.Equal(t, int64(2), reply.Version)

	timer.Status = sagalog.StatusFailed
	timer.PendingCorrelationID = ""
	require.ErrorIs(t, repo.Save(ctx, timer), sagalog.ErrConflict)

	got, err := repo.Get(ctx, reply.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, sagalog.StatusRunning, got.Status)

	hist, err := repo.History(ctx, reply.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	require.ErrorIs(t, repo.Save(ctx, sampleRecord()), sagalog.ErrConflict)
}
