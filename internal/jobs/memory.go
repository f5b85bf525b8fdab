package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/config"
)

// Handler processes one job. The payload is the enqueue payload re-encoded as
// JSON.
type Handler func(ctx context.Context, payload json.RawMessage) error

// MemoryQueue is an in-process queue for single-node deployments and tests.
// Jobs run on a worker goroutine; deferred jobs wait out their RunAt.
//
// Tx enlistment is accepted but not honored: there is no way to observe a
// database/sql commit from outside, so in-process jobs run regardless of the
// transaction outcome. Multi-node deployments use the database-backed queue.
type MemoryQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	keys     map[string]bool
	pending  sync.WaitGroup
	closed   bool
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue. Register handlers before enqueueing.
func NewMemoryQueue() *MemoryQueue {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "job_queue"))

	ctx, cancel := context.WithCancel(context.Background())

	return &MemoryQueue{
		handlers: make(map[string]Handler),
		keys:     make(map[string]bool),
		logger:   logger,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Register binds a handler to a job name. Enqueues for unregistered names
// fail fast.
func (q *MemoryQueue) Register(name string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[name] = handler
}

// Enqueue schedules a job. Duplicate JobKeys are dropped while the first
// enqueue is still pending.
func (q *MemoryQueue) Enqueue(_ context.Context, name string, payload interface{}, opts Options) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", name, err)
	}

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return ErrQueueClosed
	}

	handler, ok := q.handlers[name]
	if !ok {
		q.mu.Unlock()

		return fmt.Errorf("no handler registered for job %s", name)
	}

	if opts.JobKey != "" {
		if q.keys[opts.JobKey] {
			q.mu.Unlock()

			return nil
		}

		q.keys[opts.JobKey] = true
	}

	q.pending.Add(1)
	q.mu.Unlock()

	jobID := uuid.NewString()

	go q.run(jobID, name, handler, raw, opts)

	return nil
}

func (q *MemoryQueue) run(jobID, name string, handler Handler, payload json.RawMessage, opts Options) {
	defer q.pending.Done()
	defer q.releaseKey(opts.JobKey)

	if delay := time.Until(opts.RunAt); delay > 0 {
		select {
		case <-time.After(delay):
		case <-q.baseCtx.Done():
			return
		}
	}

	if err := handler(q.baseCtx, payload); err != nil {
		q.logger.Error("job failed",
			slog.String("job_id", jobID),
			slog.String("job_name", name),
			slog.Any("error", err))
	}
}

func (q *MemoryQueue) releaseKey(key string) {
	if key == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.keys, key)
}

// Close stops accepting jobs, cancels deferred ones and waits for running
// handlers to return.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.pending.Wait()

	return nil
}
