package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/batch"
	"github.com/jobtrace-io/jobtrace/internal/config"
)

// Sentinel errors for repository operations.
var (
	// ErrMissingRunID is returned when a span-synthesizing call carries no run id.
	ErrMissingRunID = errors.New("missing run id")

	// ErrSpanNotFound is returned when no row matches a span lookup.
	ErrSpanNotFound = errors.New("span not found")

	// ErrSpanNotPartial is returned when cancel/crash is attempted on a
	// non-partial row.
	ErrSpanNotPartial = errors.New("span is not partial")

	// ErrStoreFailed wraps storage failures on immediate paths.
	ErrStoreFailed = errors.New("span storage failed")

	// ErrInvalidRetention is returned for a non-positive retention period.
	ErrInvalidRetention = errors.New("retention must be greater than zero")
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 1000 * time.Millisecond
	defaultRetentionDays = 30

	hoursPerDay = 24
)

type (
	// RepositoryConfig configures the event repository.
	RepositoryConfig struct {
		// BatchSize and FlushInterval parameterize the write coalescing
		// scheduler for the non-immediate insert paths.
		BatchSize     int
		FlushInterval time.Duration

		// RetentionDays bounds how long span rows are kept; TruncateEvents
		// deletes older rows.
		RetentionDays int
	}

	// Repository is the span event repository: ingest, persist, derive, query
	// and publish.
	//
	// Construct one per process at bootstrap and pass the handle explicitly;
	// Close flushes the outstanding batch before returning.
	Repository struct {
		store      Store
		publisher  Publisher
		subscriber Subscriber
		flusher    *batch.Flusher[*Span]
		metrics    *Metrics
		logger     *slog.Logger
		retention  time.Duration
		now        func() time.Time
	}

	// EventOptions parameterize span synthesis.
	EventOptions struct {
		// RunID is required; synthesis fails fast with ErrMissingRunID
		// without it.
		RunID         string
		EnvironmentID string

		// Context is the propagated parent trace context, if any.
		Context *SpanContext

		// SpanIDSeed derives a deterministic span id from the trace id, so a
		// logical span keeps its identity across retries.
		SpanIDSeed string

		// SpanParentAsLink records the incoming parent as a link instead of
		// ParentID, minting a fresh trace id.
		SpanParentAsLink bool

		// Incomplete leaves the span open: a partial row with zero duration.
		Incomplete bool

		// StartTime overrides the synthesized start time when non-zero.
		StartTime time.Time

		Properties map[string]interface{}
		Metadata   map[string]interface{}
		Style      map[string]interface{}

		Payload     interface{}
		PayloadType string
	}

	// CompleteOptions parameterize span completion.
	CompleteOptions struct {
		// EndTime defaults to now.
		EndTime time.Time

		Output     interface{}
		OutputType string
	}

	// CrashOptions parameterize crash recording on a partial span.
	CrashOptions struct {
		Span      *Span
		CrashedAt time.Time
		Name      string
		Message   string
		Stack     string
	}
)

// RepositoryConfigFromEnv reads the repository configuration from ENV:
// EVENTS_BATCH_SIZE, EVENTS_BATCH_INTERVAL (ms), EVENTS_DEFAULT_LOG_RETENTION (days).
func RepositoryConfigFromEnv() RepositoryConfig {
	intervalMs := config.GetEnvInt("EVENTS_BATCH_INTERVAL", int(defaultFlushInterval.Milliseconds()))

	return RepositoryConfig{
		BatchSize:     config.GetEnvInt("EVENTS_BATCH_SIZE", defaultBatchSize),
		FlushInterval: time.Duration(intervalMs) * time.Millisecond,
		RetentionDays: config.GetEnvInt("EVENTS_DEFAULT_LOG_RETENTION", defaultRetentionDays),
	}
}

// NewRepository creates the event repository.
//
// store and publisher are required; subscriber and metrics may be nil when
// live subscriptions / instrumentation are not wired (tests, one-shot tools).
func NewRepository(
	store Store,
	publisher Publisher,
	subscriber Subscriber,
	cfg RepositoryConfig,
	metrics *Metrics,
) (*Repository, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	if cfg.RetentionDays <= 0 {
		return nil, ErrInvalidRetention
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "event_repository"))

	r := &Repository{
		store:      store,
		publisher:  publisher,
		subscriber: subscriber,
		metrics:    metrics,
		logger:     logger,
		retention:  time.Duration(cfg.RetentionDays) * hoursPerDay * time.Hour,
		now:        time.Now,
	}

	flusher, err := batch.NewFlusher(cfg.BatchSize, cfg.FlushInterval, r.flushBatch, logger)
	if err != nil {
		return nil, err
	}

	r.flusher = flusher

	return r, nil
}

// Close flushes the outstanding batch and stops the scheduler.
func (r *Repository) Close() error {
	return r.flusher.Close()
}

// HealthCheck verifies the storage backend is ready.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.store.HealthCheck(ctx)
}

// Insert enqueues a span for batched persistence and returns immediately.
// Delivery is best-effort; callers that need durability use InsertImmediate.
func (r *Repository) Insert(span *Span) error {
	return r.flusher.Add(span)
}

// InsertMany enqueues several spans for batched persistence.
func (r *Repository) InsertMany(spans []*Span) error {
	return r.flusher.Add(spans...)
}

// InsertImmediate bypasses the scheduler: the row is written synchronously,
// then published. Storage failures propagate to the caller.
func (r *Repository) InsertImmediate(ctx context.Context, span *Span) error {
	return r.InsertManyImmediate(ctx, []*Span{span})
}

// InsertManyImmediate writes a batch synchronously, then publishes.
func (r *Repository) InsertManyImmediate(ctx context.Context, spans []*Span) error {
	prepared := suppressSupersededPartials(spans)

	if err := r.store.InsertMany(ctx, prepared); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	r.publishBatch(ctx, prepared)

	return nil
}

// flushBatch is the scheduler callback: persist, then publish. Failures are
// logged by the scheduler and the batch is discarded.
func (r *Repository) flushBatch(ctx context.Context, spans []*Span) error {
	prepared := suppressSupersededPartials(spans)

	if err := r.store.InsertMany(ctx, prepared); err != nil {
		if r.metrics != nil {
			r.metrics.Batches.WithLabelValues("failed").Inc()
		}

		return err
	}

	if r.metrics != nil {
		r.metrics.Batches.WithLabelValues("success").Inc()
		r.metrics.EventsFlushed.Add(float64(len(prepared)))
	}

	r.publishBatch(ctx, prepared)

	return nil
}

// suppressSupersededPartials drops a partial row from the batch iff a
// non-partial row with the same span id is present in the same batch.
func suppressSupersededPartials(spans []*Span) []*Span {
	completed := make(map[string]bool, len(spans))

	for _, s := range spans {
		if !s.IsPartial {
			completed[s.SpanID] = true
		}
	}

	kept := make([]*Span, 0, len(spans))

	for _, s := range spans {
		if s.IsPartial && completed[s.SpanID] {
			continue
		}

		kept = append(kept, s)
	}

	return kept
}

// publishBatch publishes one notification per distinct (trace, span) pair.
// Publish failures are logged, never propagated: the rows already landed.
func (r *Repository) publishBatch(ctx context.Context, spans []*Span) {
	if r.publisher == nil {
		return
	}

	at := r.now()
	seen := make(map[string]bool, len(spans))

	for _, s := range spans {
		key := s.TraceID + ":" + s.SpanID
		if seen[key] {
			continue
		}

		seen[key] = true

		if err := r.publisher.Publish(ctx, s.TraceID, s.SpanID, at); err != nil {
			r.logger.Warn("failed to publish span update",
				slog.String("trace_id", s.TraceID),
				slog.String("span_id", s.SpanID),
				slog.Any("error", err))
		}
	}
}

// RecordEvent synthesizes a zero-duration, non-partial span and enqueues it.
// Returns the synthesized span so callers can propagate its context.
func (r *Repository) RecordEvent(message string, opts EventOptions) (*Span, error) {
	span, err := r.synthesize(message, opts)
	if err != nil {
		return nil, err
	}

	if err := r.Insert(span); err != nil {
		return nil, err
	}

	return span, nil
}

// TraceEvent synthesizes a span around fn: fn receives a builder for the span
// under construction and the propagated context for downstream work. Duration
// is measured with the monotonic clock. On error exit the span is still
// persisted (with error state) and fn's error re-propagates after insert.
//
// With opts.Incomplete the span is inserted partial with zero duration and
// must be finished later via CompleteEvent.
func (r *Repository) TraceEvent(
	ctx context.Context,
	message string,
	opts EventOptions,
	fn func(ctx context.Context, b *EventBuilder, propagated SpanContext) error,
) error {
	span, err := r.synthesize(message, opts)
	if err != nil {
		return err
	}

	propagated := SpanContext{TraceID: span.TraceID, SpanID: span.SpanID}
	builder := &EventBuilder{span: span}
	started := r.now()

	fnErr := fn(ctx, builder, propagated)

	if opts.Incomplete && fnErr == nil {
		span.IsPartial = true
		span.Duration = 0
	} else {
		span.Duration = time.Since(started).Nanoseconds()
	}

	if fnErr != nil {
		span.IsError = true
		span.Status = SpanStatusError
	}

	if err := r.Insert(span); err != nil {
		return err
	}

	return fnErr
}

// synthesize builds a span row from options, deriving ids per the trace
// propagation rules.
func (r *Repository) synthesize(message string, opts EventOptions) (*Span, error) {
	if opts.RunID == "" {
		return nil, ErrMissingRunID
	}

	span := &Span{
		ID:            uuid.NewString(),
		RunID:         opts.RunID,
		EnvironmentID: opts.EnvironmentID,
		Message:       message,
		Status:        SpanStatusOK,
		Properties:    opts.Properties,
		Metadata:      opts.Metadata,
		Style:         opts.Style,
		Payload:       opts.Payload,
		PayloadType:   opts.PayloadType,
		CreatedAt:     r.now(),
	}

	start := opts.StartTime
	if start.IsZero() {
		start = r.now()
	}

	span.StartTime = start.UnixNano()

	switch {
	case opts.Context != nil && opts.Context.HasParent() && opts.SpanParentAsLink:
		// The incoming parent becomes an out-of-tree link; the span roots a
		// fresh trace.
		span.TraceID = GenerateTraceID()
		span.Links = append(span.Links, SpanLink{
			TraceID: opts.Context.TraceID,
			SpanID:  opts.Context.SpanID,
		})
	case opts.Context != nil && opts.Context.HasParent():
		span.TraceID = opts.Context.TraceID
		span.ParentID = opts.Context.SpanID
	default:
		span.TraceID = GenerateTraceID()
	}

	if opts.SpanIDSeed != "" {
		span.SpanID = DeterministicSpanID(span.TraceID, opts.SpanIDSeed)
	} else {
		span.SpanID = GenerateSpanID()
	}

	return span, nil
}

// CompleteEvent finds the incomplete row(s) for spanID and inserts a
// completion row: content carried forward, IsPartial cleared, duration set
// from the partial row's start time, output merged with canonicalization.
func (r *Repository) CompleteEvent(ctx context.Context, spanID string, opts CompleteOptions) (*Span, error) {
	rows, err := r.QueryIncompleteEvents(ctx, SpanQuery{SpanID: spanID})
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no incomplete row for span %s", ErrSpanNotFound, spanID)
	}

	// Multiple partial rows for one span id converge on the same completion;
	// complete against the last-written one.
	partial := rows[len(rows)-1]

	end := opts.EndTime
	if end.IsZero() {
		end = r.now()
	}

	completion := clone(partial)
	completion.ID = uuid.NewString()
	completion.IsPartial = false
	completion.Duration = end.UnixNano() - partial.StartTime
	completion.CreatedAt = r.now()

	if completion.Duration < 0 {
		completion.Duration = 0
	}

	completion.Output, completion.OutputType = canonicalizeOutput(opts.Output, opts.OutputType)

	if err := r.Insert(completion); err != nil {
		return nil, err
	}

	return completion, nil
}

// CancelEvent inserts a cancellation row for a partial span: non-partial,
// marked cancelled, with a cancellation event carrying the reason prepended.
func (r *Repository) CancelEvent(ctx context.Context, span *Span, cancelledAt time.Time, reason string) (*Span, error) {
	if !span.IsPartial {
		return nil, ErrSpanNotPartial
	}

	row := clone(span)
	row.ID = uuid.NewString()
	row.IsPartial = false
	row.IsCancelled = true
	row.CreatedAt = r.now()
	row.Duration = cancelledAt.UnixNano() - span.StartTime

	if row.Duration < 0 {
		row.Duration = 0
	}

	row.Events = append([]SpanEvent{{
		Name:       SpanEventCancellation,
		Time:       cancelledAt.UnixNano(),
		Properties: map[string]interface{}{"reason": reason},
	}}, row.Events...)

	if err := r.InsertImmediate(ctx, row); err != nil {
		return nil, err
	}

	return row, nil
}

// CrashEvent inserts a crash row for a partial span: non-partial, marked as
// error, with an exception event prepended.
func (r *Repository) CrashEvent(ctx context.Context, opts CrashOptions) (*Span, error) {
	if !opts.Span.IsPartial {
		return nil, ErrSpanNotPartial
	}

	row := clone(opts.Span)
	row.ID = uuid.NewString()
	row.IsPartial = false
	row.IsError = true
	row.Status = SpanStatusError
	row.CreatedAt = r.now()
	row.Duration = opts.CrashedAt.UnixNano() - opts.Span.StartTime

	if row.Duration < 0 {
		row.Duration = 0
	}

	row.Events = append([]SpanEvent{{
		Name: SpanEventException,
		Time: opts.CrashedAt.UnixNano(),
		Properties: map[string]interface{}{
			"exception.name":       opts.Name,
			"exception.message":    opts.Message,
			"exception.stacktrace": opts.Stack,
		},
	}}, row.Events...)

	if err := r.InsertImmediate(ctx, row); err != nil {
		return nil, err
	}

	return row, nil
}

// QueryEvents is a pass-through filtered read.
func (r *Repository) QueryEvents(ctx context.Context, q SpanQuery) ([]*Span, error) {
	return r.store.Query(ctx, q)
}

// QueryIncompleteEvents returns rows that are partial, not cancelled, and not
// superseded by a completed row sharing the span id within the query result.
func (r *Repository) QueryIncompleteEvents(ctx context.Context, q SpanQuery) ([]*Span, error) {
	rows, err := r.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	completed := make(map[string]bool, len(rows))

	for _, row := range rows {
		if !row.IsPartial {
			completed[row.SpanID] = true
		}
	}

	incomplete := make([]*Span, 0, len(rows))

	for _, row := range rows {
		if row.IsPartial && !row.IsCancelled && !completed[row.SpanID] {
			incomplete = append(incomplete, row)
		}
	}

	return incomplete, nil
}

// GetTraceSummary reconstructs the rooted trace for traceID.
// Returns nil when the trace has no rows or no root.
func (r *Repository) GetTraceSummary(ctx context.Context, traceID string) (*TraceSummary, error) {
	rows, err := r.store.QueryTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	return BuildTraceSummary(rows), nil
}

// GetSpan hydrates a single span for display: links carried through, stack
// traces rewritten against the recorded project directory, and only visible
// (non-internal) properties exposed.
func (r *Repository) GetSpan(ctx context.Context, spanID, traceID string) (*Span, error) {
	row, err := r.store.FindSpan(ctx, spanID, traceID)
	if err != nil {
		return nil, err
	}

	detail := clone(row)

	projectDir, _ := row.Properties[ProjectDirAttribute].(string)
	if projectDir != "" {
		for i, ev := range detail.Events {
			if ev.Name != SpanEventException {
				continue
			}

			if stack, ok := ev.Properties["exception.stacktrace"].(string); ok {
				props := make(map[string]interface{}, len(ev.Properties))
				for k, v := range ev.Properties {
					props[k] = v
				}

				props["exception.stacktrace"] = RewriteStackTrace(stack, projectDir)
				detail.Events[i].Properties = props
			}
		}
	}

	detail.Properties = VisibleProperties(detail.Properties)

	return detail, nil
}

// SubscribeToTrace opens a live-update subscription covering every span of
// the trace. The subscriber gauge tracks open subscriptions; Unsubscribe
// closes the channel synchronously.
func (r *Repository) SubscribeToTrace(ctx context.Context, traceID string) (Subscription, error) {
	if r.subscriber == nil {
		return nil, fmt.Errorf("%w: no subscriber configured", ErrStoreFailed)
	}

	sub, err := r.subscriber.SubscribeToTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.Subscribers.Inc()
	}

	return &countedSubscription{Subscription: sub, metrics: r.metrics}, nil
}

// TruncateEvents deletes span rows older than the retention period.
// Safe to run concurrently with writes.
func (r *Repository) TruncateEvents(ctx context.Context) error {
	cutoff := r.now().Add(-r.retention)

	deleted, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if deleted > 0 {
		r.logger.Info("truncated span rows past retention",
			slog.Int64("rows_deleted", deleted),
			slog.Time("cutoff", cutoff))
	}

	return nil
}

// countedSubscription decrements the subscriber gauge on teardown.
type countedSubscription struct {
	Subscription

	metrics *Metrics
}

func (s *countedSubscription) Unsubscribe() error {
	err := s.Subscription.Unsubscribe()

	if s.metrics != nil {
		s.metrics.Subscribers.Dec()
	}

	return err
}

// EventBuilder mutates the span under construction inside TraceEvent.
type EventBuilder struct {
	span *Span
}

// SetProperty records one property on the span.
func (b *EventBuilder) SetProperty(key string, value interface{}) {
	if b.span.Properties == nil {
		b.span.Properties = make(map[string]interface{})
	}

	b.span.Properties[key] = value
}

// SetOutput records the span output and its type discriminator.
func (b *EventBuilder) SetOutput(output interface{}, outputType string) {
	b.span.Output = output
	b.span.OutputType = outputType
}

// AddEvent appends an in-span event.
func (b *EventBuilder) AddEvent(name string, at time.Time, properties map[string]interface{}) {
	b.span.Events = append(b.span.Events, SpanEvent{
		Name:       name,
		Time:       at.UnixNano(),
		Properties: properties,
	})
}

// AddLink records an out-of-tree span reference.
func (b *EventBuilder) AddLink(traceID, spanID string, attributes map[string]interface{}) {
	b.span.Links = append(b.span.Links, SpanLink{TraceID: traceID, SpanID: spanID, Attributes: attributes})
}

// canonicalizeOutput applies the completion-merging rule: store and plain-text
// outputs are preserved as-is; anything else is encoded as attribute-flattened
// JSON.
func canonicalizeOutput(output interface{}, outputType string) (interface{}, string) {
	if output == nil {
		return nil, outputType
	}

	if outputType == OutputTypeStore || outputType == OutputTypeText {
		return output, outputType
	}

	if doc, ok := output.(map[string]interface{}); ok {
		return FlattenAttributes(doc), OutputTypeJSON
	}

	return output, OutputTypeJSON
}

// clone returns a shallow copy of a span row with its own slices, so derived
// rows never alias the source row's events or links.
func clone(s *Span) *Span {
	copied := *s

	if len(s.Events) > 0 {
		copied.Events = append([]SpanEvent(nil), s.Events...)
	}

	if len(s.Links) > 0 {
		copied.Links = append([]SpanLink(nil), s.Links...)
	}

	return &copied
}
