package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/pipeline"
)

// ErrPipelineStoreFailed wraps pipeline persistence failures.
var ErrPipelineStoreFailed = errors.New("pipeline storage failed")

// PipelineStore persists queues, dispatchers, event records and pipeline runs.
type PipelineStore struct {
	conn *Connection
}

var _ pipeline.Store = (*PipelineStore)(nil)

// NewPipelineStore creates the pipeline persistence layer.
func NewPipelineStore(conn *Connection) (*PipelineStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PipelineStore{conn: conn}, nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// FindQueue resolves a queue by its (projectId, slug) address.
func (s *PipelineStore) FindQueue(ctx context.Context, projectID, slug string) (*pipeline.Queue, error) {
	return scanQueue(s.conn.DB.QueryRowContext(ctx,
		`SELECT id, project_id, slug, name, created_at, updated_at
		 FROM queues WHERE project_id = $1 AND slug = $2`,
		projectID, slug), fmt.Sprintf("queue %s/%s", projectID, slug))
}

// FindQueueByID resolves a queue by surrogate id.
func (s *PipelineStore) FindQueueByID(ctx context.Context, id string) (*pipeline.Queue, error) {
	return scanQueue(s.conn.DB.QueryRowContext(ctx,
		`SELECT id, project_id, slug, name, created_at, updated_at
		 FROM queues WHERE id = $1`, id), "queue "+id)
}

func scanQueue(row *sql.Row, what string) (*pipeline.Queue, error) {
	var q pipeline.Queue

	err := row.Scan(&q.ID, &q.ProjectID, &q.Slug, &q.Name, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrMissingEntity, what)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	return &q, nil
}

// FindDispatcherByID resolves a dispatcher by surrogate id.
func (s *PipelineStore) FindDispatcherByID(ctx context.Context, id string) (*pipeline.Dispatcher, error) {
	var d pipeline.Dispatcher

	err := s.conn.DB.QueryRowContext(ctx,
		`SELECT id, project_id, slug FROM event_dispatchers WHERE id = $1`, id).
		Scan(&d.ID, &d.ProjectID, &d.Slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: dispatcher %s", pipeline.ErrMissingEntity, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	return &d, nil
}

// StepsForQueue returns the queue's steps in pipeline order.
func (s *PipelineStore) StepsForQueue(ctx context.Context, queueID string) ([]pipeline.PipelineStep, error) {
	return querySteps(ctx, s.conn.DB,
		`SELECT id, key, position, type, config
		 FROM queue_pipeline_steps WHERE queue_id = $1 ORDER BY position ASC`,
		queueID)
}

// StepsForDispatcher returns the dispatcher's steps in pipeline order.
func (s *PipelineStore) StepsForDispatcher(ctx context.Context, dispatcherID string) ([]pipeline.PipelineStep, error) {
	return querySteps(ctx, s.conn.DB,
		`SELECT id, key, position, type, config
		 FROM event_dispatcher_pipeline_steps WHERE dispatcher_id = $1 ORDER BY position ASC`,
		dispatcherID)
}

func querySteps(ctx context.Context, q querier, query string, args ...interface{}) ([]pipeline.PipelineStep, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	defer func() { _ = rows.Close() }()

	var steps []pipeline.PipelineStep

	for rows.Next() {
		var step pipeline.PipelineStep

		if err := rows.Scan(&step.ID, &step.Key, &step.Position, &step.Type, &step.Config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	return steps, nil
}

// UpsertQueue creates or refreshes a queue and replaces its step list in one
// transaction.
func (s *PipelineStore) UpsertQueue(
	ctx context.Context,
	projectID, slug, name string,
	steps []pipeline.PipelineStep,
) (*pipeline.Queue, error) {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %w", ErrPipelineStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	var q pipeline.Queue

	err = tx.QueryRowContext(ctx,
		`INSERT INTO queues (id, project_id, slug, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (project_id, slug)
		 DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
		 RETURNING id, project_id, slug, name, created_at, updated_at`,
		uuid.NewString(), projectID, slug, name, now).
		Scan(&q.ID, &q.ProjectID, &q.Slug, &q.Name, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert queue %s: %w", ErrPipelineStoreFailed, slug, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_pipeline_steps WHERE queue_id = $1`, q.ID); err != nil {
		return nil, fmt.Errorf("%w: replace steps: %w", ErrPipelineStoreFailed, err)
	}

	for i, step := range steps {
		id := step.ID
		if id == "" {
			id = uuid.NewString()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_pipeline_steps (id, queue_id, key, position, type, config)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, q.ID, step.Key, i, string(step.Type), step.Config); err != nil {
			return nil, fmt.Errorf("%w: insert step %s: %w", ErrPipelineStoreFailed, step.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %w", ErrPipelineStoreFailed, err)
	}

	return &q, nil
}

const eventRecordColumns = `id, event_id, environment_id, name, payload, payload_type,
	context, source_context, source, timestamp, queue_id,
	should_process_queue_pipeline, should_process_dispatcher_pipeline,
	deliver_at, pipeline_output_run_id, external_account_id,
	created_at, updated_at`

// FindEventRecord resolves an event by its client-supplied identity.
func (s *PipelineStore) FindEventRecord(ctx context.Context, eventID, environmentID string) (*pipeline.EventRecord, error) {
	return scanEventRecord(s.conn.DB.QueryRowContext(ctx,
		`SELECT `+eventRecordColumns+` FROM event_records
		 WHERE event_id = $1 AND environment_id = $2`,
		eventID, environmentID), "event "+eventID)
}

// FindEventRecordByID resolves an event by surrogate id.
func (s *PipelineStore) FindEventRecordByID(ctx context.Context, id string) (*pipeline.EventRecord, error) {
	return findEventRecordByID(ctx, s.conn.DB, id)
}

func findEventRecordByID(ctx context.Context, q querier, id string) (*pipeline.EventRecord, error) {
	return scanEventRecord(q.QueryRowContext(ctx,
		`SELECT `+eventRecordColumns+` FROM event_records WHERE id = $1`, id),
		"event record "+id)
}

func scanEventRecord(row *sql.Row, what string) (*pipeline.EventRecord, error) {
	var (
		record                   pipeline.EventRecord
		payload, recordContext   []byte
		sourceContext            []byte
		payloadType, queueID     sql.NullString
		pipelineRunID, accountID sql.NullString
		deliverAt                sql.NullTime
	)

	err := row.Scan(
		&record.ID, &record.EventID, &record.EnvironmentID,
		&record.Name, &payload, &payloadType,
		&recordContext, &sourceContext, &record.Source, &record.Timestamp,
		&queueID,
		&record.ShouldProcessQueuePipeline, &record.ShouldProcessDispatcherPipeline,
		&deliverAt, &pipelineRunID, &accountID,
		&record.CreatedAt, &record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrMissingEntity, what)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	record.PayloadType = payloadType.String
	record.QueueID = queueID.String
	record.PipelineOutputRunID = pipelineRunID.String
	record.ExternalAccountID = accountID.String

	if deliverAt.Valid {
		record.DeliverAt = deliverAt.Time
	}

	if err := decodeJSONColumn(payload, &record.Payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	if err := decodeJSONColumn(recordContext, &record.Context); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	if err := decodeJSONColumn(sourceContext, &record.SourceContext); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineStoreFailed, err)
	}

	return &record, nil
}

// CreateEventRecord inserts a new event row. A duplicate (eventId,
// environmentId) surfaces as pipeline.ErrDuplicateKey.
func (s *PipelineStore) CreateEventRecord(ctx context.Context, record *pipeline.EventRecord) error {
	return createEventRecord(ctx, s.conn.DB, record)
}

func createEventRecord(ctx context.Context, q querier, record *pipeline.EventRecord) error {
	payload, err := jsonColumn(record.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %w", ErrPipelineStoreFailed, err)
	}

	recordContext, err := jsonColumn(record.Context)
	if err != nil {
		return fmt.Errorf("%w: encode context: %w", ErrPipelineStoreFailed, err)
	}

	sourceContext, err := jsonColumn(record.SourceContext)
	if err != nil {
		return fmt.Errorf("%w: encode source context: %w", ErrPipelineStoreFailed, err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO event_records (`+eventRecordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		record.ID, record.EventID, record.EnvironmentID,
		record.Name, payload, nullString(record.PayloadType),
		recordContext, sourceContext, record.Source, record.Timestamp,
		nullString(record.QueueID),
		record.ShouldProcessQueuePipeline, record.ShouldProcessDispatcherPipeline,
		nullTime(record.DeliverAt), nullString(record.PipelineOutputRunID),
		nullString(record.ExternalAccountID),
		record.CreatedAt, record.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: event %s in environment %s",
			pipeline.ErrDuplicateKey, record.EventID, record.EnvironmentID)
	}

	if err != nil {
		return fmt.Errorf("%w: insert event record: %w", ErrPipelineStoreFailed, err)
	}

	return nil
}

// UpdateEventRecord rewrites the mutable delivery fields of an event row.
func (s *PipelineStore) UpdateEventRecord(ctx context.Context, record *pipeline.EventRecord) error {
	payload, err := jsonColumn(record.Payload)
	if err != nil {
		return fmt.Errorf("%w: encode payload: %w", ErrPipelineStoreFailed, err)
	}

	recordContext, err := jsonColumn(record.Context)
	if err != nil {
		return fmt.Errorf("%w: encode context: %w", ErrPipelineStoreFailed, err)
	}

	result, err := s.conn.DB.ExecContext(ctx,
		`UPDATE event_records
		 SET payload = $2, context = $3, queue_id = $4, deliver_at = $5, updated_at = $6
		 WHERE id = $1`,
		record.ID, payload, recordContext,
		nullString(record.QueueID), nullTime(record.DeliverAt), record.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: update event record: %w", ErrPipelineStoreFailed, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update event record: %w", ErrPipelineStoreFailed, err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: event record %s", pipeline.ErrMissingEntity, record.ID)
	}

	return nil
}

// UpsertExternalAccount resolves or creates the account identified by
// (environmentId, identifier).
func (s *PipelineStore) UpsertExternalAccount(ctx context.Context, environmentID, identifier string) (*pipeline.ExternalAccount, error) {
	var account pipeline.ExternalAccount

	err := s.conn.DB.QueryRowContext(ctx,
		`INSERT INTO external_accounts (id, environment_id, identifier)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (environment_id, identifier)
		 DO UPDATE SET identifier = EXCLUDED.identifier
		 RETURNING id, environment_id, identifier`,
		uuid.NewString(), environmentID, identifier).
		Scan(&account.ID, &account.EnvironmentID, &account.Identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert external account: %w", ErrPipelineStoreFailed, err)
	}

	return &account, nil
}

// CreatePipelineRun inserts a new run row.
func (s *PipelineStore) CreatePipelineRun(ctx context.Context, run *pipeline.PipelineRun) error {
	steps, err := jsonColumn(run.Steps)
	if err != nil {
		return fmt.Errorf("%w: encode steps: %w", ErrPipelineStoreFailed, err)
	}

	output, err := jsonColumn(run.Output)
	if err != nil {
		return fmt.Errorf("%w: encode output: %w", ErrPipelineStoreFailed, err)
	}

	metadata, err := jsonColumn(run.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encode metadata: %w", ErrPipelineStoreFailed, err)
	}

	_, err = s.conn.DB.ExecContext(ctx,
		`INSERT INTO pipeline_runs
		 (id, type, status, steps, next_step_index, input_event_id, output, metadata, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, string(run.Type), string(run.Status), steps,
		nullInt(run.NextStepIndex), run.InputEventID,
		output, metadata, nullString(run.Error),
		run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert pipeline run: %w", ErrPipelineStoreFailed, err)
	}

	return nil
}

// Transact runs fn inside one transaction; fn errors roll everything back.
func (s *PipelineStore) Transact(ctx context.Context, fn func(ctx context.Context, tx pipeline.RunTx) error) error {
	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrPipelineStoreFailed, err)
	}

	if err := fn(ctx, &pipelineTx{tx: tx}); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrPipelineStoreFailed, err)
	}

	return nil
}

// pipelineTx is the transactional view handed to the run engine.
type pipelineTx struct {
	tx *sql.Tx
}

var _ pipeline.RunTx = (*pipelineTx)(nil)

// ClaimRun loads and row-locks a run, serializing concurrent invocations.
func (t *pipelineTx) ClaimRun(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	var (
		run                     pipeline.PipelineRun
		steps, output, metadata []byte
		nextStepIndex           sql.NullInt64
		runError                sql.NullString
	)

	err := t.tx.QueryRowContext(ctx,
		`SELECT id, type, status, steps, next_step_index, input_event_id,
		        output, metadata, error, created_at, updated_at
		 FROM pipeline_runs WHERE id = $1 FOR UPDATE`, id).
		Scan(&run.ID, &run.Type, &run.Status, &steps, &nextStepIndex,
			&run.InputEventID, &output, &metadata, &runError,
			&run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline run %s", pipeline.ErrMissingEntity, id)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: claim run: %w", ErrPipelineStoreFailed, err)
	}

	run.Error = runError.String

	if nextStepIndex.Valid {
		cursor := int(nextStepIndex.Int64)
		run.NextStepIndex = &cursor
	}

	if err := decodeJSONColumn(steps, &run.Steps); err != nil {
		return nil, fmt.Errorf("%w: decode steps: %w", ErrPipelineStoreFailed, err)
	}

	if err := decodeJSONColumn(output, &run.Output); err != nil {
		return nil, fmt.Errorf("%w: decode output: %w", ErrPipelineStoreFailed, err)
	}

	if err := decodeJSONColumn(metadata, &run.Metadata); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %w", ErrPipelineStoreFailed, err)
	}

	return &run, nil
}

// UpdateRun rewrites the mutable run fields. The steps snapshot is immutable
// and deliberately not part of the update.
func (t *pipelineTx) UpdateRun(ctx context.Context, run *pipeline.PipelineRun) error {
	output, err := jsonColumn(run.Output)
	if err != nil {
		return fmt.Errorf("%w: encode output: %w", ErrPipelineStoreFailed, err)
	}

	_, err = t.tx.ExecContext(ctx,
		`UPDATE pipeline_runs
		 SET status = $2, next_step_index = $3, output = $4, error = $5, updated_at = $6
		 WHERE id = $1`,
		run.ID, string(run.Status), nullInt(run.NextStepIndex),
		output, nullString(run.Error), run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: update run: %w", ErrPipelineStoreFailed, err)
	}

	return nil
}

// StepByID loads one step; queue and dispatcher steps share the lookup.
func (t *pipelineTx) StepByID(ctx context.Context, stepID string) (*pipeline.PipelineStep, error) {
	var step pipeline.PipelineStep

	err := t.tx.QueryRowContext(ctx,
		`SELECT id, key, position, type, config FROM queue_pipeline_steps WHERE id = $1
		 UNION ALL
		 SELECT id, key, position, type, config FROM event_dispatcher_pipeline_steps WHERE id = $1`,
		stepID).
		Scan(&step.ID, &step.Key, &step.Position, &step.Type, &step.Config)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pipeline step %s", pipeline.ErrMissingEntity, stepID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: load step: %w", ErrPipelineStoreFailed, err)
	}

	return &step, nil
}

func (t *pipelineTx) EventRecordByID(ctx context.Context, id string) (*pipeline.EventRecord, error) {
	return findEventRecordByID(ctx, t.tx, id)
}

func (t *pipelineTx) CreateEventRecord(ctx context.Context, record *pipeline.EventRecord) error {
	return createEventRecord(ctx, t.tx, record)
}

func (t *pipelineTx) SQLTx() *sql.Tx { return t.tx }

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}

	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
