package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/jobtrace-io/jobtrace/internal/config"
	"github.com/jobtrace-io/jobtrace/internal/tracing"
)

func setupSpanStore(t *testing.T) *SpanStore {
	t.Helper()

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	store, err := NewSpanStore(&Connection{DB: testDB.Connection})
	require.NoError(t, err)

	return store
}

func testSpan(traceID, spanID string, mutate ...func(*tracing.Span)) *tracing.Span {
	span := &tracing.Span{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		SpanID:    spanID,
		RunID:     "run_1",
		Message:   "task executed",
		Status:    tracing.SpanStatusOK,
		StartTime: time.Now().UnixNano(),
		Properties: map[string]interface{}{
			"task.id": "t_1",
		},
		CreatedAt: time.Now().UTC(),
	}

	for _, m := range mutate {
		m(span)
	}

	return span
}

func TestSpanStore_InsertAndQueryTrace(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupSpanStore(t)
	ctx := context.Background()

	traceID := tracing.GenerateTraceID()
	root := testSpan(traceID, tracing.GenerateSpanID(), func(s *tracing.Span) {
		s.StartTime = 100
		s.Duration = 1000
		s.Events = []tracing.SpanEvent{{
			Name:       "retry",
			Time:       150,
			Properties: map[string]interface{}{"attempt": float64(2)},
		}}
	})
	child := testSpan(traceID, tracing.GenerateSpanID(), func(s *tracing.Span) {
		s.ParentID = root.SpanID
		s.StartTime = 200
	})

	require.NoError(t, store.InsertMany(ctx, []*tracing.Span{root, child}))

	rows, err := store.QueryTrace(ctx, traceID)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, root.SpanID, rows[0].SpanID, "rows come back ordered by start time")
	assert.Equal(t, child.SpanID, rows[1].SpanID)
	assert.Equal(t, root.Properties, rows[0].Properties)

	require.Len(t, rows[0].Events, 1)
	assert.Equal(t, "retry", rows[0].Events[0].Name)
	assert.Equal(t, int64(150), rows[0].Events[0].Time)
}

func TestSpanStore_FindSpanPicksSupersedingRow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupSpanStore(t)
	ctx := context.Background()

	traceID := tracing.GenerateTraceID()
	spanID := tracing.GenerateSpanID()

	partial := testSpan(traceID, spanID, func(s *tracing.Span) {
		s.IsPartial = true
		s.CreatedAt = time.Now().UTC().Add(-time.Minute)
	})
	complete := testSpan(traceID, spanID, func(s *tracing.Span) {
		s.Duration = 5000
	})

	require.NoError(t, store.InsertMany(ctx, []*tracing.Span{partial}))
	require.NoError(t, store.InsertMany(ctx, []*tracing.Span{complete}))

	found, err := store.FindSpan(ctx, spanID, traceID)
	require.NoError(t, err)
	assert.Equal(t, complete.ID, found.ID)
	assert.False(t, found.IsPartial)
}

func TestSpanStore_FindSpanNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupSpanStore(t)

	_, err := store.FindSpan(context.Background(), "missing-span", "missing-trace")
	assert.ErrorIs(t, err, tracing.ErrSpanNotFound)
}

func TestSpanStore_DeleteOlderThan(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store := setupSpanStore(t)
	ctx := context.Background()

	old := testSpan(tracing.GenerateTraceID(), tracing.GenerateSpanID(), func(s *tracing.Span) {
		s.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	})
	fresh := testSpan(tracing.GenerateTraceID(), tracing.GenerateSpanID())

	require.NoError(t, store.InsertMany(ctx, []*tracing.Span{old, fresh}))

	deleted, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.FindSpan(ctx, old.SpanID, old.TraceID)
	assert.ErrorIs(t, err, tracing.ErrSpanNotFound)

	_, err = store.FindSpan(ctx, fresh.SpanID, fresh.TraceID)
	assert.NoError(t, err)
}
