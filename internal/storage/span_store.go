package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jobtrace-io/jobtrace/internal/config"
	"github.com/jobtrace-io/jobtrace/internal/tracing"
)

// ErrSpanStoreFailed wraps span row persistence failures.
var ErrSpanStoreFailed = errors.New("span row storage failed")

// Retention sweep pacing: deletes run in bounded batches with a rate limit so
// the sweep never starves concurrent writers of locks or IO.
const (
	sweepBatchSize        = 10000
	sweepBatchesPerSecond = 10
)

// SpanStore persists span rows in the task_events table.
//
// Rows are append-only: a completion is a second row sharing (trace_id,
// span_id) with the partial one, and readers resolve the superseding row.
type SpanStore struct {
	conn    *Connection
	logger  *slog.Logger
	limiter *rate.Limiter
}

var _ tracing.Store = (*SpanStore)(nil)

// NewSpanStore creates the task_events store.
func NewSpanStore(conn *Connection) (*SpanStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &SpanStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With(slog.String("component", "span_store")),
		limiter: rate.NewLimiter(rate.Limit(sweepBatchesPerSecond), 1),
	}, nil
}

const spanColumns = `id, trace_id, span_id, parent_id, run_id, environment_id, message,
	is_partial, is_cancelled, is_error, status, start_time, duration,
	properties, metadata, style, payload, payload_type, output, output_type,
	events, links, created_at`

const insertSpanSQL = `
	INSERT INTO task_events (` + spanColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
	        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

// InsertMany writes a batch in one transaction, preserving slice order.
func (s *SpanStore) InsertMany(ctx context.Context, spans []*tracing.Span) error {
	if len(spans) == 0 {
		return nil
	}

	tx, err := s.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrSpanStoreFailed, err)
	}

	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, insertSpanSQL)
	if err != nil {
		return fmt.Errorf("%w: prepare: %w", ErrSpanStoreFailed, err)
	}

	defer func() { _ = stmt.Close() }()

	for _, span := range spans {
		args, err := spanInsertArgs(span)
		if err != nil {
			return fmt.Errorf("%w: encode span %s: %w", ErrSpanStoreFailed, span.SpanID, err)
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("%w: insert span %s: %w", ErrSpanStoreFailed, span.SpanID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrSpanStoreFailed, err)
	}

	return nil
}

// Query returns rows matching the non-empty fields of q, oldest first.
func (s *SpanStore) Query(ctx context.Context, q tracing.SpanQuery) ([]*tracing.Span, error) {
	var (
		clauses []string
		args    []interface{}
	)

	addClause := func(column, value string) {
		if value == "" {
			return
		}

		args = append(args, value)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}

	addClause("trace_id", q.TraceID)
	addClause("span_id", q.SpanID)
	addClause("run_id", q.RunID)
	addClause("environment_id", q.EnvironmentID)

	query := `SELECT ` + spanColumns + ` FROM task_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY start_time ASC, created_at ASC"

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += " LIMIT $" + strconv.Itoa(len(args))
	}

	return s.queryRows(ctx, query, args...)
}

// QueryTrace returns every row of a trace, oldest first.
func (s *SpanStore) QueryTrace(ctx context.Context, traceID string) ([]*tracing.Span, error) {
	return s.Query(ctx, tracing.SpanQuery{TraceID: traceID})
}

// FindSpan returns the superseding row for (spanID, traceID): a completed or
// cancelled row wins over a partial one, last-written wins among equals.
func (s *SpanStore) FindSpan(ctx context.Context, spanID, traceID string) (*tracing.Span, error) {
	rows, err := s.queryRows(ctx,
		`SELECT `+spanColumns+` FROM task_events
		 WHERE span_id = $1 AND trace_id = $2
		 ORDER BY created_at ASC`,
		spanID, traceID)
	if err != nil {
		return nil, err
	}

	var found *tracing.Span

	for _, row := range rows {
		if found == nil || row.Supersedes(found) || !found.Supersedes(row) {
			found = row
		}
	}

	if found == nil {
		return nil, fmt.Errorf("%w: %s in trace %s", tracing.ErrSpanNotFound, spanID, traceID)
	}

	return found, nil
}

// DeleteOlderThan removes rows created before cutoff in paced batches and
// returns how many were deleted. Safe to run concurrently with writes.
func (s *SpanStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return total, err
		}

		result, err := s.conn.DB.ExecContext(ctx,
			`DELETE FROM task_events
			 WHERE id IN (
			     SELECT id FROM task_events WHERE created_at < $1 LIMIT $2
			 )`,
			cutoff, sweepBatchSize)
		if err != nil {
			if isConnectionError(err) {
				return total, fmt.Errorf("%w: retention sweep: %w", ErrConnectionFailed, err)
			}

			return total, fmt.Errorf("%w: retention sweep: %w", ErrSpanStoreFailed, err)
		}

		deleted, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("%w: retention sweep: %w", ErrSpanStoreFailed, err)
		}

		total += deleted

		if deleted < sweepBatchSize {
			return total, nil
		}
	}
}

// HealthCheck verifies the database is reachable.
func (s *SpanStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

func (s *SpanStore) queryRows(ctx context.Context, query string, args ...interface{}) ([]*tracing.Span, error) {
	rows, err := s.conn.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %w", ErrSpanStoreFailed, err)
	}

	defer func() { _ = rows.Close() }()

	var spans []*tracing.Span

	for rows.Next() {
		span, err := scanSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrSpanStoreFailed, err)
		}

		spans = append(spans, span)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate: %w", ErrSpanStoreFailed, err)
	}

	return spans, nil
}

func spanInsertArgs(span *tracing.Span) ([]interface{}, error) {
	properties, err := jsonColumn(span.Properties)
	if err != nil {
		return nil, err
	}

	metadata, err := jsonColumn(span.Metadata)
	if err != nil {
		return nil, err
	}

	style, err := jsonColumn(span.Style)
	if err != nil {
		return nil, err
	}

	payload, err := jsonColumn(span.Payload)
	if err != nil {
		return nil, err
	}

	output, err := jsonColumn(span.Output)
	if err != nil {
		return nil, err
	}

	events, err := jsonColumn(span.Events)
	if err != nil {
		return nil, err
	}

	links, err := jsonColumn(span.Links)
	if err != nil {
		return nil, err
	}

	createdAt := span.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return []interface{}{
		span.ID, span.TraceID, span.SpanID,
		nullString(span.ParentID), nullString(span.RunID), nullString(span.EnvironmentID),
		span.Message,
		span.IsPartial, span.IsCancelled, span.IsError, string(span.Status),
		span.StartTime, span.Duration,
		properties, metadata, style,
		payload, nullString(span.PayloadType),
		output, nullString(span.OutputType),
		events, links,
		createdAt,
	}, nil
}

func scanSpan(rows *sql.Rows) (*tracing.Span, error) {
	var (
		span                            tracing.Span
		parentID, runID, environmentID  sql.NullString
		payloadType, outputType, status sql.NullString
		properties, metadata, style     []byte
		payload, output, events, links  []byte
	)

	err := rows.Scan(
		&span.ID, &span.TraceID, &span.SpanID,
		&parentID, &runID, &environmentID,
		&span.Message,
		&span.IsPartial, &span.IsCancelled, &span.IsError, &status,
		&span.StartTime, &span.Duration,
		&properties, &metadata, &style,
		&payload, &payloadType,
		&output, &outputType,
		&events, &links,
		&span.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	span.ParentID = parentID.String
	span.RunID = runID.String
	span.EnvironmentID = environmentID.String
	span.Status = tracing.SpanStatus(status.String)
	span.PayloadType = payloadType.String
	span.OutputType = outputType.String

	if err := decodeJSONColumn(properties, &span.Properties); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(metadata, &span.Metadata); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(style, &span.Style); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(payload, &span.Payload); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(output, &span.Output); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(events, &span.Events); err != nil {
		return nil, err
	}

	if err := decodeJSONColumn(links, &span.Links); err != nil {
		return nil, err
	}

	return &span, nil
}

// jsonColumn encodes a value for a nullable jsonb column; nil stays NULL.
func jsonColumn(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

func decodeJSONColumn(raw []byte, target interface{}) error {
	if len(raw) == 0 {
		return nil
	}

	return json.Unmarshal(raw, target)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
