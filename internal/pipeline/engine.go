package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/config"
	"github.com/jobtrace-io/jobtrace/internal/filter"
	"github.com/jobtrace-io/jobtrace/internal/jobs"
)

// stepTimeout bounds one transactional step execution.
const stepTimeout = 10 * time.Second

// filterMismatchMessage is the persisted run error for a filter step miss.
const filterMismatchMessage = "Data does not match filter"

// Job payloads routed through the worker queue.
type (
	// CreatePipelinePayload asks for a new run against an event record.
	CreatePipelinePayload struct {
		Type          RunType `json:"type"`
		QueueID       string  `json:"queueId,omitempty"`
		DispatcherID  string  `json:"dispatcherId,omitempty"`
		EventRecordID string  `json:"eventRecordId"`
	}

	// RunPipelinePayload advances one run by one step.
	RunPipelinePayload struct {
		ID string `json:"id"`
	}

	// DeliverEventPayload hands an event record to the delivery subsystem.
	DeliverEventPayload struct {
		ID string `json:"id"`
	}

	// InvokeDispatcherPayload hands a pipeline output to its dispatcher.
	InvokeDispatcherPayload struct {
		ID            string `json:"id"`
		EventRecordID string `json:"eventRecordId"`
	}
)

// Engine executes pipeline runs one step per invocation. Each step runs in a
// single database transaction; follow-up jobs enlist in that transaction so a
// rollback retracts them.
type Engine struct {
	store  Store
	queue  jobs.Queue
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a pipeline run engine.
func NewEngine(store Store, queue jobs.Queue) *Engine {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With(slog.String("component", "pipeline_engine"))

	return &Engine{
		store:  store,
		queue:  queue,
		logger: logger,
		now:    time.Now,
	}
}

// CreatePipeline snapshots the owning pipeline's step list into a new PENDING
// run and enqueues its first step.
func (e *Engine) CreatePipeline(ctx context.Context, payload CreatePipelinePayload) (*PipelineRun, error) {
	steps, metadata, err := e.resolvePipeline(ctx, payload)
	if err != nil {
		return nil, err
	}

	input, err := e.store.FindEventRecordByID(ctx, payload.EventRecordID)
	if err != nil {
		return nil, err
	}

	cursor := 0
	run := &PipelineRun{
		ID:            uuid.NewString(),
		Type:          payload.Type,
		Status:        RunStatusPending,
		Steps:         stepIDs(steps),
		NextStepIndex: &cursor,
		InputEventID:  input.ID,
		Output:        input.Payload,
		Metadata:      metadata,
		CreatedAt:     e.now(),
		UpdatedAt:     e.now(),
	}

	if err := e.store.CreatePipelineRun(ctx, run); err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, jobs.JobRunPipeline, RunPipelinePayload{ID: run.ID}, jobs.Options{}); err != nil {
		return nil, err
	}

	e.logger.Info("created pipeline run",
		slog.String("run_id", run.ID),
		slog.String("run_type", string(run.Type)),
		slog.Int("steps", len(run.Steps)))

	return run, nil
}

func (e *Engine) resolvePipeline(ctx context.Context, payload CreatePipelinePayload) ([]PipelineStep, map[string]interface{}, error) {
	switch payload.Type {
	case RunTypeQueue:
		if _, err := e.store.FindQueueByID(ctx, payload.QueueID); err != nil {
			return nil, nil, err
		}

		steps, err := e.store.StepsForQueue(ctx, payload.QueueID)
		if err != nil {
			return nil, nil, err
		}

		return steps, map[string]interface{}{metadataQueueID: payload.QueueID}, nil
	case RunTypeDispatcher:
		if _, err := e.store.FindDispatcherByID(ctx, payload.DispatcherID); err != nil {
			return nil, nil, err
		}

		steps, err := e.store.StepsForDispatcher(ctx, payload.DispatcherID)
		if err != nil {
			return nil, nil, err
		}

		return steps, map[string]interface{}{metadataDispatcherID: payload.DispatcherID}, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown run type %q", ErrMissingEntity, payload.Type)
	}
}

// RunPipeline performs exactly one step of the run, then either re-enqueues
// itself for the next step or finalizes. Terminal runs are a no-op, so
// duplicate worker invocations are safe.
func (e *Engine) RunPipeline(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	return e.store.Transact(ctx, func(ctx context.Context, tx RunTx) error {
		run, err := tx.ClaimRun(ctx, runID)
		if err != nil {
			return err
		}

		if run.Status.Terminal() || run.NextStepIndex == nil {
			return nil
		}

		cursor := *run.NextStepIndex
		if cursor < 0 || cursor >= len(run.Steps) {
			return e.finalize(ctx, tx, run)
		}

		step, err := tx.StepByID(ctx, run.Steps[cursor])
		if err != nil {
			return err
		}

		if stepErr := e.executeStep(step, run); stepErr != nil {
			return e.fail(ctx, tx, run, stepErr)
		}

		// Advance only when a further step exists; otherwise this was the
		// last one.
		if cursor+1 < len(run.Steps) {
			return e.advance(ctx, tx, run, cursor+1)
		}

		return e.finalize(ctx, tx, run)
	})
}

// executeStep dispatches on the step type. A non-nil return fails the run.
func (e *Engine) executeStep(step *PipelineStep, run *PipelineRun) error {
	switch step.Type {
	case StepTypeFilter:
		f, err := filter.Parse(step.Config)
		if err != nil {
			return fmt.Errorf("%w: step %s: %w", filter.ErrInvalidFilter, step.Key, err)
		}

		if !f.Matches(run.Output) {
			return ErrFilterMismatch
		}

		return nil
	case StepTypeWebhook:
		return fmt.Errorf("%w: %s", ErrUnsupportedStep, step.Type)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedStep, step.Type)
	}
}

func (e *Engine) advance(ctx context.Context, tx RunTx, run *PipelineRun, next int) error {
	run.Status = RunStatusStarted
	run.NextStepIndex = &next
	run.UpdatedAt = e.now()

	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}

	return e.queue.Enqueue(ctx, jobs.JobRunPipeline, RunPipelinePayload{ID: run.ID}, jobs.Options{
		JobKey: fmt.Sprintf("pipelineRun:%s:%d", run.ID, next),
		Tx:     tx.SQLTx(),
	})
}

// fail records a terminal FAILURE row with a formatted error. The step error
// never escapes the invocation.
func (e *Engine) fail(ctx context.Context, tx RunTx, run *PipelineRun, stepErr error) error {
	run.Status = RunStatusFailure
	run.NextStepIndex = nil
	run.UpdatedAt = e.now()

	if errors.Is(stepErr, ErrFilterMismatch) {
		run.Error = filterMismatchMessage
	} else {
		run.Error = stepErr.Error()
	}

	e.logger.Warn("pipeline run failed",
		slog.String("run_id", run.ID),
		slog.String("error", run.Error))

	return tx.UpdateRun(ctx, run)
}

// finalize produces the output event record and routes it per the run type.
func (e *Engine) finalize(ctx context.Context, tx RunTx, run *PipelineRun) error {
	input, err := tx.EventRecordByID(ctx, run.InputEventID)
	if err != nil {
		return err
	}

	output := e.deriveOutputEvent(run, input)

	if err := tx.CreateEventRecord(ctx, output); err != nil {
		return err
	}

	run.Status = RunStatusSuccess
	run.NextStepIndex = nil
	run.UpdatedAt = e.now()

	if err := tx.UpdateRun(ctx, run); err != nil {
		return err
	}

	switch run.Type {
	case RunTypeQueue:
		err = e.queue.Enqueue(ctx, jobs.JobDeliverEvent, DeliverEventPayload{ID: output.ID}, jobs.Options{
			RunAt:  output.DeliverAt,
			JobKey: "event:" + output.ID,
			Tx:     tx.SQLTx(),
		})
	case RunTypeDispatcher:
		err = e.queue.Enqueue(ctx, jobs.JobInvokeDispatcher, InvokeDispatcherPayload{
			ID:            run.DispatcherID(),
			EventRecordID: output.ID,
		}, jobs.Options{Tx: tx.SQLTx()})
	}

	if err != nil {
		return err
	}

	e.logger.Info("pipeline run succeeded",
		slog.String("run_id", run.ID),
		slog.String("output_event_id", output.EventID))

	return nil
}

// deriveOutputEvent builds the pipeline output row from the input event: the
// run's current output becomes the payload and the event id is namespaced
// under the run.
func (e *Engine) deriveOutputEvent(run *PipelineRun, input *EventRecord) *EventRecord {
	output := &EventRecord{
		ID:            uuid.NewString(),
		EventID:       fmt.Sprintf("%s:pipeline:%s", input.EventID, run.ID),
		EnvironmentID: input.EnvironmentID,

		Name:        input.Name,
		Payload:     run.Output,
		PayloadType: input.PayloadType,
		Context:     input.Context,

		SourceContext: input.SourceContext,
		Source:        input.Source,
		Timestamp:     e.now(),

		QueueID:                         input.QueueID,
		ShouldProcessQueuePipeline:      false,
		ShouldProcessDispatcherPipeline: input.ShouldProcessDispatcherPipeline,
		DeliverAt:                       input.DeliverAt,
		PipelineOutputRunID:             run.ID,
		ExternalAccountID:               input.ExternalAccountID,

		CreatedAt: e.now(),
		UpdatedAt: e.now(),
	}

	if run.Type == RunTypeDispatcher {
		output.ShouldProcessDispatcherPipeline = false
	}

	return output
}

// RegisterHandlers binds the engine's job handlers onto a handler registry.
func (e *Engine) RegisterHandlers(registry interface {
	Register(name string, handler jobs.Handler)
},
) {
	registry.Register(jobs.JobCreatePipeline, e.handleCreatePipeline)
	registry.Register(jobs.JobRunPipeline, e.handleRunPipeline)
}

func (e *Engine) handleCreatePipeline(ctx context.Context, raw json.RawMessage) error {
	var payload CreatePipelinePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode createPipeline payload: %w", err)
	}

	_, err := e.CreatePipeline(ctx, payload)

	return err
}

func (e *Engine) handleRunPipeline(ctx context.Context, raw json.RawMessage) error {
	var payload RunPipelinePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode runPipeline payload: %w", err)
	}

	return e.RunPipeline(ctx, payload.ID)
}

func stepIDs(steps []PipelineStep) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}

	return ids
}
