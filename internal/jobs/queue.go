// Package jobs defines the background job queue contract.
//
// Producers enqueue named jobs with a JSON payload; an enqueue can enlist in
// the caller's database transaction so the job becomes visible only if the
// transaction commits.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Job names routed through the queue.
const (
	JobCreatePipeline   = "createPipeline"
	JobRunPipeline      = "runPipeline"
	JobDeliverEvent     = "deliverEvent"
	JobInvokeDispatcher = "events.invokeDispatcher"
)

// ErrQueueClosed is returned when enqueueing after shutdown.
var ErrQueueClosed = errors.New("job queue closed")

// Options refine a single enqueue.
type Options struct {
	// RunAt defers execution until the given time. Zero means immediately.
	RunAt time.Time

	// JobKey deduplicates: a second enqueue with the same key while the first
	// is pending never creates a second job. The database-backed queue
	// refreshes the pending job's RunAt instead, so rescheduling a deferred
	// job is a re-enqueue under the same key.
	JobKey string

	// Tx enlists the enqueue in an open transaction. The job is only visible
	// once the transaction commits.
	Tx *sql.Tx
}

// Queue enqueues background jobs.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload interface{}, opts Options) error
}
