package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/jobs"
)

// ErrJobQueueFailed wraps job outbox persistence failures.
var ErrJobQueueFailed = errors.New("job enqueue failed")

// JobQueue implements the worker queue contract on a jobs outbox table.
//
// An enqueue carrying a transaction writes its row inside that transaction,
// so the job becomes visible exactly when the caller's writes commit. A
// separate shipper process drains the table; this side only produces.
type JobQueue struct {
	conn *Connection
}

var _ jobs.Queue = (*JobQueue)(nil)

// NewJobQueue creates the database-backed job queue.
func NewJobQueue(conn *Connection) (*JobQueue, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &JobQueue{conn: conn}, nil
}

// Enqueue writes one job row. A duplicate JobKey never creates a second row
// while the original is still queued; it refreshes the pending row's run_at,
// which is how deferred deliveries get rescheduled.
func (q *JobQueue) Enqueue(ctx context.Context, name string, payload interface{}, opts jobs.Options) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload for %s: %w", ErrJobQueueFailed, name, err)
	}

	var execer interface {
		ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	} = q.conn.DB

	if opts.Tx != nil {
		execer = opts.Tx
	}

	_, err = execer.ExecContext(ctx,
		`INSERT INTO jobs (id, name, payload, job_key, run_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (job_key) DO UPDATE SET run_at = EXCLUDED.run_at`,
		uuid.NewString(), name, raw, nullString(opts.JobKey),
		nullTime(opts.RunAt), time.Now())
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrJobQueueFailed, name, err)
	}

	return nil
}
