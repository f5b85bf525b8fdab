package tracing

import (
	"context"
	"time"
)

type (
	// Store defines the persistence interface for span rows.
	//
	// Rows are append-only: implementations never update a span row in place.
	// Completion, cancellation and crash all land as new rows sharing the
	// logical (TraceID, SpanID) key; readers apply query-time dedup.
	Store interface {
		// InsertMany writes a batch of span rows in insertion order.
		InsertMany(ctx context.Context, spans []*Span) error

		// Query returns rows matching the query, ordered by start time ascending.
		Query(ctx context.Context, q SpanQuery) ([]*Span, error)

		// QueryTrace returns all rows for one trace, ordered by start time
		// ascending, created-at ascending (so later-written rows come last
		// among equal start times).
		QueryTrace(ctx context.Context, traceID string) ([]*Span, error)

		// FindSpan returns the superseding row for (spanID, traceID), or
		// ErrSpanNotFound.
		FindSpan(ctx context.Context, spanID, traceID string) (*Span, error)

		// DeleteOlderThan removes rows created before the cutoff and returns
		// the number of rows deleted. Must be safe to run concurrently with
		// writes.
		DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

		// HealthCheck verifies the backend is ready to serve requests.
		HealthCheck(ctx context.Context) error
	}

	// Publisher fans out span state changes to the live-update channel.
	// One publish per distinct (traceID, spanID) pair present in a persisted
	// batch; the payload is the persistence timestamp.
	Publisher interface {
		Publish(ctx context.Context, traceID, spanID string, at time.Time) error
	}

	// Subscriber opens live-update subscriptions for a trace.
	Subscriber interface {
		// SubscribeToTrace registers a pattern subscription covering every
		// span of the trace. The returned subscription's lifetime is owned by
		// the caller.
		SubscribeToTrace(ctx context.Context, traceID string) (Subscription, error)
	}

	// Subscription is a live update stream for one trace.
	Subscription interface {
		// Notifications delivers one notification per received span update.
		// The channel closes on Unsubscribe.
		Notifications() <-chan SpanNotification

		// Unsubscribe removes the pattern registration and closes the
		// underlying connection before returning.
		Unsubscribe() error
	}

	// SpanNotification is one live update: the identified span changed state
	// at the given time. Subscribers may receive the same pair more than once.
	SpanNotification struct {
		TraceID string
		SpanID  string
		At      time.Time
	}
)
