package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lexure-intelligence/cash-application/internal/models"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return NewGormStore(db, zap.NewNop())
}

func TestCreateRunCollapsesDuplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := &models.WorkflowRun{ID: "run-1", Name: "cash_application", State: models.RunStatePending}
	got, created, err := store.CreateRun(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "run-1", got.ID)

	dup := &models.WorkflowRun{ID: "run-1", Name: "cash_application", State: models.RunStatePending}
	got, created, err = store.CreateRun(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "run-1", got.ID)
}

func TestAppendEventAssignsSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateRun(ctx, &models.WorkflowRun{ID: "run-2", Name: "cash_application", State: models.RunStatePending})
	require.NoError(t, err)

	for _, kind := range []string{models.EventStepStarted, models.EventHeartbeat, models.EventStepCompleted} {
		require.NoError(t, store.AppendEvent(ctx, "run-2", &models.RunEvent{Kind: kind, StepID: "extract_document"}))
	}

	events, err := store.Events(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
		assert.Equal(t, models.EventSchemaVersion, ev.SchemaVersion)
		assert.False(t, ev.At.IsZero())
	}
	assert.Equal(t, models.EventStepStarted, events[0].Kind)
	assert.Equal(t, models.EventStepCompleted, events[2].Kind)
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRequestCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateRun(ctx, &models.WorkflowRun{ID: "run-3", Name: "cash_application", State: models.RunStateRunning})
	require.NoError(t, err)

	require.NoError(t, store.RequestCancel(ctx, "run-3"))
	run, err := store.GetRun(ctx, "run-3")
	require.NoError(t, err)
	assert.True(t, run.CancelRequested)

	// Second cancel of a live run is a no-op.
	assert.NoError(t, store.RequestCancel(ctx, "run-3"))
}

func TestRequestCancelTerminalRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateRun(ctx, &models.WorkflowRun{ID: "run-4", Name: "cash_application", State: models.RunStateCompleted})
	require.NoError(t, err)

	assert.ErrorIs(t, store.RequestCancel(ctx, "run-4"), ErrTerminal)
	assert.ErrorIs(t, store.RequestCancel(ctx, "missing"), ErrNotFound)
}

func TestDueRuns(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)
	fresh := now.Add(-5 * time.Second)
	stale := now.Add(-10 * time.Minute)

	seed := []*models.WorkflowRun{
		{ID: "pending", Name: "w", State: models.RunStatePending},
		{ID: "retry-due", Name: "w", State: models.RunStateRunning, NextRetryAt: &past},
		{ID: "retry-later", Name: "w", State: models.RunStateRunning, NextRetryAt: &future},
		{ID: "heartbeat-fresh", Name: "w", State: models.RunStateRunning, LastHeartbeatAt: &fresh},
		{ID: "heartbeat-stale", Name: "w", State: models.RunStateRunning, LastHeartbeatAt: &stale},
		{ID: "done", Name: "w", State: models.RunStateCompleted},
	}
	for _, run := range seed {
		_, _, err := store.CreateRun(ctx, run)
		require.NoError(t, err)
	}

	due, err := store.DueRuns(ctx, now, 2*time.Minute, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, run := range due {
		ids = append(ids, run.ID)
	}
	assert.ElementsMatch(t, []string{"pending", "retry-due", "heartbeat-stale"}, ids)
}

// A crashed worker can leave a running run with neither a retry timer nor
// a heartbeat. Once its row stops moving it must still become due, or it
// would be stranded forever after the lease expires.
func TestDueRunsReclaimsRunningRunWithoutHeartbeat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"orphaned", "just-claimed"} {
		_, _, err := store.CreateRun(ctx, &models.WorkflowRun{ID: id, Name: "w", State: models.RunStateRunning})
		require.NoError(t, err)
	}
	stale := now.Add(-time.Hour)
	require.NoError(t, store.db.Model(&models.WorkflowRun{}).
		Where("id = ?", "orphaned").
		Update("updated_at", stale).Error)

	due, err := store.DueRuns(ctx, now, 5*time.Minute, 10)
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, run := range due {
		ids = append(ids, run.ID)
	}
	assert.ElementsMatch(t, []string{"orphaned"}, ids,
		"stale heartbeat-less run is due; a freshly touched one is not")
}

func TestCountActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, run := range []*models.WorkflowRun{
		{ID: "a", Name: "w", State: models.RunStatePending},
		{ID: "b", Name: "w", State: models.RunStateRunning},
		{ID: "c", Name: "w", State: models.RunStateFailed},
	} {
		_, _, err := store.CreateRun(ctx, run)
		require.NoError(t, err)
	}

	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCountActiveByName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, run := range []*models.WorkflowRun{
		{ID: "a", Name: "cash_application", State: models.RunStatePending},
		{ID: "b", Name: "cash_application", State: models.RunStateRunning},
		{ID: "c", Name: "collections", State: models.RunStateRunning},
		{ID: "d", Name: "collections", State: models.RunStateCompleted},
	} {
		_, _, err := store.CreateRun(ctx, run)
		require.NoError(t, err)
	}

	byName, err := store.CountActiveByName(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"cash_application": 2, "collections": 1}, byName)
}

// A broken connection must surface as a wrapped error, not as ErrNotFound.
func TestGetRunSurfacesDatabaseErrors(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := NewGormStore(db, zap.NewNop())

	mock.ExpectQuery(`SELECT .* FROM "workflow_runs"`).WillReturnError(errors.New("connection reset"))

	_, err = store.GetRun(context.Background(), "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "run-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}
