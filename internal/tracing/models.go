// Package tracing provides the span domain model and the event repository for
// the background-job platform.
//
// Task execution emits span rows (partial while running, completed or
// cancelled later); the repository persists them append-only, coalesces
// high-volume writes through a flush scheduler, reconstructs traces on query,
// and fans out live updates to broker subscribers.
//
// This package defines the Store and broker interfaces it needs for
// persistence and publishing, without depending on concrete implementations.
// Concrete backends (PostgreSQL, Redis) live in internal/storage and
// internal/broker.
package tracing

import "time"

// SpanStatus is the terminal status recorded on a span row.
type SpanStatus string

// Span statuses.
const (
	SpanStatusOK    SpanStatus = "OK"
	SpanStatusError SpanStatus = "ERROR"
)

// Payload and output type discriminators.
const (
	// OutputTypeStore marks outputs persisted by reference in the object store;
	// they are carried through completion untouched.
	OutputTypeStore = "application/store"

	// OutputTypeText marks plain-text outputs, carried through untouched.
	OutputTypeText = "text/plain"

	// OutputTypeJSON marks outputs canonicalized to attribute-flattened JSON.
	OutputTypeJSON = "application/json"
)

// Well-known in-span event names.
const (
	// SpanEventCancellation records a cancellation with its reason; its Time is
	// the cancellation instant used for derived durations of partial descendants.
	SpanEventCancellation = "cancellation"

	// SpanEventException records a crash with exception details.
	SpanEventException = "exception"
)

type (
	// Span is the repository's primary row: one time-bounded interval of work
	// identified by (TraceID, SpanID). Rows are append-only; completing a
	// partial span writes a new row with the same logical key, and query-time
	// dedup picks the superseding row.
	Span struct {
		// ID is the surrogate row id (UUID). Distinct rows for the same
		// logical span have distinct IDs.
		ID string

		TraceID string
		SpanID  string

		// ParentID links to the parent span's SpanID within the same trace.
		// Empty for root spans. Storage does not enforce the link; queries
		// tolerate missing parents.
		ParentID string

		// RunID is the task run this span belongs to. Required on synthesis.
		RunID string

		EnvironmentID string

		Message string

		// IsPartial marks an open span. A later completion row supersedes it.
		IsPartial   bool
		IsCancelled bool
		IsError     bool
		Status      SpanStatus

		// StartTime is nanoseconds since the Unix epoch. Duration is in
		// nanoseconds and stays 0 while the span is partial.
		StartTime int64
		Duration  int64

		Properties map[string]interface{}
		Metadata   map[string]interface{}
		Style      map[string]interface{}

		Payload     interface{}
		PayloadType string
		Output      interface{}
		OutputType  string

		// Events are ordered in-span events (cancellation, exception, ...).
		Events []SpanEvent

		// Links are out-of-tree references to other spans.
		Links []SpanLink

		CreatedAt time.Time
	}

	// SpanEvent is an in-span point event.
	SpanEvent struct {
		Name       string
		Time       int64 // nanoseconds since the Unix epoch
		Properties map[string]interface{}
	}

	// SpanLink references a span outside the current trace tree.
	SpanLink struct {
		TraceID    string
		SpanID     string
		Attributes map[string]interface{}
	}

	// SpanContext carries trace propagation data between spans.
	SpanContext struct {
		TraceID string
		SpanID  string
	}

	// SpanQuery filters span reads. Zero-valued fields are ignored.
	SpanQuery struct {
		TraceID       string
		SpanID        string
		RunID         string
		EnvironmentID string
		Limit         int
	}
)

// TraceParent formats the span context as a W3C traceparent header value.
func (c SpanContext) TraceParent() string {
	return TraceParent(c.TraceID, c.SpanID)
}

// HasParent reports whether the context carries a parent span.
func (c SpanContext) HasParent() bool {
	return c.TraceID != "" && c.SpanID != ""
}

// Supersedes reports whether this row wins query-time dedup against another
// row sharing the same SpanID: a non-partial or cancelled row supersedes a
// partial one.
func (s *Span) Supersedes(other *Span) bool {
	return (!s.IsPartial || s.IsCancelled) && other.IsPartial && !other.IsCancelled
}

// cancellationTime returns the time of the span's cancellation event, or 0.
func (s *Span) cancellationTime() int64 {
	for _, ev := range s.Events {
		if ev.Name == SpanEventCancellation {
			return ev.Time
		}
	}

	return 0
}
