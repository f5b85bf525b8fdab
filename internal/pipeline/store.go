package pipeline

import (
	"context"
	"database/sql"
	"errors"
)

// Sentinel errors surfaced by ingest and run execution.
var (
	// ErrFilterMismatch fails a run whose payload does not satisfy a filter
	// step.
	ErrFilterMismatch = errors.New("data does not match filter")

	// ErrUnsupportedStep fails a run hitting a step type the engine cannot
	// execute.
	ErrUnsupportedStep = errors.New("unsupported pipeline step type")

	// ErrMissingEntity is returned when a referenced queue, dispatcher, event
	// or run does not exist.
	ErrMissingEntity = errors.New("referenced entity not found")

	// ErrDuplicateKey is returned on unique constraint violations, e.g.
	// (eventId, environmentId) or (projectId, slug).
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store is the persistence contract the ingestor and engine run against.
// Implemented by storage.PipelineStore.
type Store interface {
	// Queue and dispatcher lookups.
	FindQueue(ctx context.Context, projectID, slug string) (*Queue, error)
	FindQueueByID(ctx context.Context, id string) (*Queue, error)
	FindDispatcherByID(ctx context.Context, id string) (*Dispatcher, error)
	StepsForQueue(ctx context.Context, queueID string) ([]PipelineStep, error)
	StepsForDispatcher(ctx context.Context, dispatcherID string) ([]PipelineStep, error)

	// UpsertQueue creates or refreshes a queue and replaces its step list.
	// Used by the seed loader at startup.
	UpsertQueue(ctx context.Context, projectID, slug, name string, steps []PipelineStep) (*Queue, error)

	// Event records.
	FindEventRecord(ctx context.Context, eventID, environmentID string) (*EventRecord, error)
	FindEventRecordByID(ctx context.Context, id string) (*EventRecord, error)
	CreateEventRecord(ctx context.Context, record *EventRecord) error
	UpdateEventRecord(ctx context.Context, record *EventRecord) error
	UpsertExternalAccount(ctx context.Context, environmentID, identifier string) (*ExternalAccount, error)

	// Pipeline runs.
	CreatePipelineRun(ctx context.Context, run *PipelineRun) error

	// Transact runs fn inside one database transaction. fn observes the
	// transaction through tx and through tx.SQLTx() for job enlistment; an
	// error from fn rolls everything back.
	Transact(ctx context.Context, fn func(ctx context.Context, tx RunTx) error) error
}

// RunTx is the transactional surface of a single pipeline step execution.
type RunTx interface {
	// ClaimRun loads the run with a row lock, so concurrent invocations for
	// the same id serialize.
	ClaimRun(ctx context.Context, id string) (*PipelineRun, error)
	UpdateRun(ctx context.Context, run *PipelineRun) error

	StepByID(ctx context.Context, stepID string) (*PipelineStep, error)

	EventRecordByID(ctx context.Context, id string) (*EventRecord, error)
	CreateEventRecord(ctx context.Context, record *EventRecord) error

	// SQLTx exposes the underlying transaction for enqueue enlistment.
	SQLTx() *sql.Tx
}
