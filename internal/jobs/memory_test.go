package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payloadRecorder struct {
	mu       sync.Mutex
	payloads []string
}

func (r *payloadRecorder) handler(_ context.Context, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.payloads = append(r.payloads, string(payload))

	return nil
}

func (r *payloadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.payloads)
}

func TestMemoryQueue_RunsHandler(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Close() }()

	rec := &payloadRecorder{}
	q.Register(JobDeliverEvent, rec.handler)

	err := q.Enqueue(context.Background(), JobDeliverEvent, map[string]string{"id": "evt_1"}, Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.JSONEq(t, `{"id":"evt_1"}`, rec.payloads[0])
}

func TestMemoryQueue_UnregisteredJob(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Close() }()

	err := q.Enqueue(context.Background(), "unknown", nil, Options{})
	assert.Error(t, err)
}

func TestMemoryQueue_RunAtDefersExecution(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Close() }()

	rec := &payloadRecorder{}
	q.Register(JobDeliverEvent, rec.handler)

	err := q.Enqueue(context.Background(), JobDeliverEvent, nil, Options{
		RunAt: time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, rec.count(), "job must not run before its RunAt")

	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMemoryQueue_JobKeyDeduplicates(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Close() }()

	rec := &payloadRecorder{}
	q.Register(JobDeliverEvent, rec.handler)

	opts := Options{JobKey: "event:evt_1", RunAt: time.Now().Add(30 * time.Millisecond)}

	require.NoError(t, q.Enqueue(context.Background(), JobDeliverEvent, nil, opts))
	require.NoError(t, q.Enqueue(context.Background(), JobDeliverEvent, nil, opts))

	require.Eventually(t, func() bool { return rec.count() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "second enqueue with a pending key is a no-op")
}

func TestMemoryQueue_HandlerErrorDoesNotPropagate(t *testing.T) {
	q := NewMemoryQueue()
	defer func() { _ = q.Close() }()

	done := make(chan struct{})
	q.Register(JobRunPipeline, func(context.Context, json.RawMessage) error {
		close(done)

		return errors.New("transient")
	})

	require.NoError(t, q.Enqueue(context.Background(), JobRunPipeline, nil, Options{}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not run")
	}
}

func TestMemoryQueue_CloseRejectsEnqueue(t *testing.T) {
	q := NewMemoryQueue()
	q.Register(JobDeliverEvent, (&payloadRecorder{}).handler)

	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), JobDeliverEvent, nil, Options{})
	assert.ErrorIs(t, err, ErrQueueClosed)
}
