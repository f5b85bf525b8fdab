package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/config"
	"github.com/jobtrace-io/jobtrace/internal/jobs"
)

// updateWindow is how far ahead of its scheduled delivery an existing event
// must still be for a resend to mutate it. Closer than this (or already
// delivered) the stored row is final.
const updateWindow = 5 * time.Second

type (
	// RawEvent is a client-submitted event. EventID is the client-supplied
	// identity, unique per environment.
	RawEvent struct {
		EventID     string
		Name        string
		Payload     map[string]interface{}
		PayloadType string
		Context     map[string]interface{}
		Timestamp   time.Time
	}

	// SendOptions refine one ingest call.
	SendOptions struct {
		// DeliverAt schedules delivery at an absolute time; DeliverAfter at
		// now plus the given number of seconds. DeliverAt wins when both are
		// set. Neither means immediate.
		DeliverAt    *time.Time
		DeliverAfter *int

		// Queue is the target queue slug, resolved against the environment's
		// project. Unknown slugs fail with ErrMissingEntity.
		Queue string

		// AccountID ties the event to an external account, upserted on the
		// fly.
		AccountID string
	}

	// Ingestor is the event entry point: it persists event records and routes
	// them onto pipelines or directly to delivery.
	Ingestor struct {
		store  Store
		queue  jobs.Queue
		logger *slog.Logger
		now    func() time.Time
	}
)

// NewIngestor creates the event ingest front end.
func NewIngestor(store Store, queue jobs.Queue) *Ingestor {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "event_ingestor"))

	return &Ingestor{
		store:  store,
		queue:  queue,
		logger: logger,
		now:    time.Now,
	}
}

// Send ingests one event: resolve routing, upsert the external account,
// create the record (or update a pending one still inside the update window)
// and enqueue the follow-up job.
//
// Resending an (eventId, environmentId) pair whose stored row is final
// returns the stored row unchanged.
func (i *Ingestor) Send(
	ctx context.Context,
	env Environment,
	event RawEvent,
	opts SendOptions,
	sourceContext map[string]interface{},
	source string,
) (*EventRecord, error) {
	now := i.now()
	deliverAt := resolveDeliverAt(now, opts)

	var queue *Queue

	if opts.Queue != "" {
		found, err := i.store.FindQueue(ctx, env.ProjectID, opts.Queue)
		if err != nil {
			return nil, fmt.Errorf("resolve queue %q: %w", opts.Queue, err)
		}

		queue = found
	}

	accountID := ""

	if opts.AccountID != "" {
		account, err := i.store.UpsertExternalAccount(ctx, env.ID, opts.AccountID)
		if err != nil {
			return nil, err
		}

		accountID = account.ID
	}

	existing, err := i.store.FindEventRecord(ctx, event.EventID, env.ID)
	if err != nil && !errors.Is(err, ErrMissingEntity) {
		return nil, err
	}

	if existing != nil {
		return i.resend(ctx, existing, event, queue, deliverAt, now)
	}

	record := &EventRecord{
		ID:            uuid.NewString(),
		EventID:       event.EventID,
		EnvironmentID: env.ID,

		Name:        event.Name,
		Payload:     event.Payload,
		PayloadType: event.PayloadType,
		Context:     event.Context,

		SourceContext: sourceContext,
		Source:        source,
		Timestamp:     eventTimestamp(event, now),

		ShouldProcessQueuePipeline:      true,
		ShouldProcessDispatcherPipeline: true,
		DeliverAt:                       deliverAt,
		ExternalAccountID:               accountID,

		CreatedAt: now,
		UpdatedAt: now,
	}

	if queue != nil {
		record.QueueID = queue.ID
	}

	if err := i.store.CreateEventRecord(ctx, record); err != nil {
		return nil, err
	}

	if err := i.route(ctx, record, queue); err != nil {
		return nil, err
	}

	i.logger.Info("ingested event",
		slog.String("event_id", record.EventID),
		slog.String("environment_id", record.EnvironmentID),
		slog.String("queue_id", record.QueueID))

	return record, nil
}

// resend applies the update-window rule to an existing row: mutable while its
// scheduled delivery is still at least updateWindow away, final otherwise.
func (i *Ingestor) resend(
	ctx context.Context,
	existing *EventRecord,
	event RawEvent,
	queue *Queue,
	deliverAt time.Time,
	now time.Time,
) (*EventRecord, error) {
	if existing.DeliverAt.IsZero() || existing.DeliverAt.Before(now.Add(updateWindow)) {
		return existing, nil
	}

	existing.Payload = event.Payload
	existing.Context = event.Context
	existing.DeliverAt = deliverAt
	existing.UpdatedAt = now

	if queue != nil {
		existing.QueueID = queue.ID
	}

	if err := i.store.UpdateEventRecord(ctx, existing); err != nil {
		return nil, err
	}

	if err := i.rescheduleDelivery(ctx, existing); err != nil {
		return nil, err
	}

	i.logger.Info("updated pending event",
		slog.String("event_id", existing.EventID),
		slog.Time("deliver_at", existing.DeliverAt))

	return existing, nil
}

// rescheduleDelivery moves the pending delivery job to the record's new
// DeliverAt by re-enqueueing under the same job key. Records routed onto a
// stepped queue pipeline have no pending delivery job to move.
func (i *Ingestor) rescheduleDelivery(ctx context.Context, record *EventRecord) error {
	if record.QueueID != "" {
		steps, err := i.store.StepsForQueue(ctx, record.QueueID)
		if err != nil {
			return err
		}

		if len(steps) > 0 {
			return nil
		}
	}

	return i.queue.Enqueue(ctx, jobs.JobDeliverEvent, DeliverEventPayload{ID: record.ID}, jobs.Options{
		RunAt:  record.DeliverAt,
		JobKey: "event:" + record.ID,
	})
}

// route enqueues the post-write follow-up: a pipeline run when the queue has
// steps, direct delivery otherwise.
func (i *Ingestor) route(ctx context.Context, record *EventRecord, queue *Queue) error {
	if queue != nil {
		steps, err := i.store.StepsForQueue(ctx, queue.ID)
		if err != nil {
			return err
		}

		if len(steps) > 0 {
			return i.queue.Enqueue(ctx, jobs.JobCreatePipeline, CreatePipelinePayload{
				Type:          RunTypeQueue,
				QueueID:       queue.ID,
				EventRecordID: record.ID,
			}, jobs.Options{})
		}
	}

	return i.queue.Enqueue(ctx, jobs.JobDeliverEvent, DeliverEventPayload{ID: record.ID}, jobs.Options{
		RunAt:  record.DeliverAt,
		JobKey: "event:" + record.ID,
	})
}

func resolveDeliverAt(now time.Time, opts SendOptions) time.Time {
	switch {
	case opts.DeliverAt != nil:
		return *opts.DeliverAt
	case opts.DeliverAfter != nil:
		return now.Add(time.Duration(*opts.DeliverAfter) * time.Second)
	default:
		return time.Time{}
	}
}

func eventTimestamp(event RawEvent, now time.Time) time.Time {
	if event.Timestamp.IsZero() {
		return now
	}

	return event.Timestamp
}
