// Package pipeline implements event ingest and pipeline run execution: events
// enter through the Ingestor, get routed onto a queue or dispatcher pipeline,
// and the Engine advances each PipelineRun one step per worker invocation.
package pipeline

import (
	"time"
)

// StepType discriminates pipeline step behavior.
type StepType string

const (
	// StepTypeFilter evaluates the step config as an event filter against the
	// run's current output.
	StepTypeFilter StepType = "FILTER"

	// StepTypeWebhook is reserved; runs hitting it fail.
	StepTypeWebhook StepType = "WEBHOOK"
)

// RunType identifies the pipeline owner kind, which only differs in how the
// final output event is routed.
type RunType string

const (
	RunTypeQueue      RunType = "QUEUE"
	RunTypeDispatcher RunType = "DISPATCHER"
)

// RunStatus is the pipeline run state machine.
type RunStatus string

const (
	RunStatusPending RunStatus = "PENDING"
	RunStatusStarted RunStatus = "STARTED"
	RunStatusSuccess RunStatus = "SUCCESS"
	RunStatusFailure RunStatus = "FAILURE"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailure
}

type (
	// Queue is a named, ordered pipeline scoped to a project, addressed
	// uniquely by (ProjectID, Slug).
	Queue struct {
		ID        string
		ProjectID string
		Slug      string
		Name      string
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Dispatcher is the dispatcher-owned pipeline counterpart of Queue.
	Dispatcher struct {
		ID        string
		ProjectID string
		Slug      string
	}

	// PipelineStep is one declarative unit of a pipeline. Key is unique
	// within the owning queue or dispatcher; Config is raw JSON interpreted
	// per Type.
	PipelineStep struct {
		ID       string
		Key      string
		Position int
		Type     StepType
		Config   []byte
	}

	// PipelineRun is one execution instance of a step list against one input
	// event. Steps is a snapshot of step ids taken at creation and never
	// mutated. NextStepIndex is nil iff the run is terminal.
	PipelineRun struct {
		ID            string
		Type          RunType
		Status        RunStatus
		Steps         []string
		NextStepIndex *int
		InputEventID  string
		Output        map[string]interface{}
		Metadata      map[string]interface{}
		Error         string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// EventRecord is an ingested event. Immutable after creation except for
	// the delivery fields, which the Ingestor may advance while inside the
	// update window.
	EventRecord struct {
		ID            string
		EventID       string
		EnvironmentID string

		Name        string
		Payload     map[string]interface{}
		PayloadType string
		Context     map[string]interface{}

		SourceContext map[string]interface{}
		Source        string
		Timestamp     time.Time

		QueueID                         string
		ShouldProcessQueuePipeline      bool
		ShouldProcessDispatcherPipeline bool
		DeliverAt                       time.Time
		PipelineOutputRunID             string
		ExternalAccountID               string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// ExternalAccount ties events to an externally-identified account within
	// an environment.
	ExternalAccount struct {
		ID            string
		EnvironmentID string
		Identifier    string
	}

	// Environment scopes ingest calls.
	Environment struct {
		ID        string
		ProjectID string
	}
)

// metadata keys carried on pipeline runs.
const (
	metadataQueueID      = "queueId"
	metadataDispatcherID = "dispatcherId"
)

// QueueID reads the owning queue id from run metadata.
func (r *PipelineRun) QueueID() string {
	id, _ := r.Metadata[metadataQueueID].(string)

	return id
}

// DispatcherID reads the owning dispatcher id from run metadata.
func (r *PipelineRun) DispatcherID() string {
	id, _ := r.Metadata[metadataDispatcherID].(string)

	return id
}
