package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobtrace-io/jobtrace/internal/jobs"
)

// fakeStore is an in-memory Store for engine and ingestor tests.
type fakeStore struct {
	mu           sync.Mutex
	queues       map[string]*Queue
	queuesBySlug map[string]*Queue
	dispatchers  map[string]*Dispatcher
	steps        map[string][]PipelineStep
	stepsByID    map[string]*PipelineStep
	events       map[string]*EventRecord
	eventsByKey  map[string]*EventRecord
	runs         map[string]*PipelineRun
	accounts     map[string]*ExternalAccount
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queues:       make(map[string]*Queue),
		queuesBySlug: make(map[string]*Queue),
		dispatchers:  make(map[string]*Dispatcher),
		steps:        make(map[string][]PipelineStep),
		stepsByID:    make(map[string]*PipelineStep),
		events:       make(map[string]*EventRecord),
		eventsByKey:  make(map[string]*EventRecord),
		runs:         make(map[string]*PipelineRun),
		accounts:     make(map[string]*ExternalAccount),
	}
}

func (s *fakeStore) addQueue(projectID, slug string, steps ...PipelineStep) *Queue {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := &Queue{ID: uuid.NewString(), ProjectID: projectID, Slug: slug, Name: slug}
	s.queues[q.ID] = q
	s.queuesBySlug[projectID+"/"+slug] = q

	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}

		steps[i].Position = i
		s.stepsByID[steps[i].ID] = &steps[i]
	}

	s.steps[q.ID] = steps

	return q
}

func (s *fakeStore) addDispatcher(projectID, slug string, steps ...PipelineStep) *Dispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := &Dispatcher{ID: uuid.NewString(), ProjectID: projectID, Slug: slug}
	s.dispatchers[d.ID] = d

	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}

		steps[i].Position = i
		s.stepsByID[steps[i].ID] = &steps[i]
	}

	s.steps[d.ID] = steps

	return d
}

func (s *fakeStore) addEvent(record *EventRecord) *EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	s.events[record.ID] = record
	s.eventsByKey[record.EventID+"/"+record.EnvironmentID] = record

	return record
}

func (s *fakeStore) FindQueue(_ context.Context, projectID, slug string) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queuesBySlug[projectID+"/"+slug]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s/%s", ErrMissingEntity, projectID, slug)
	}

	return q, nil
}

func (s *fakeStore) FindQueueByID(_ context.Context, id string) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, fmt.Errorf("%w: queue %s", ErrMissingEntity, id)
	}

	return q, nil
}

func (s *fakeStore) FindDispatcherByID(_ context.Context, id string) (*Dispatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dispatchers[id]
	if !ok {
		return nil, fmt.Errorf("%w: dispatcher %s", ErrMissingEntity, id)
	}

	return d, nil
}

func (s *fakeStore) StepsForQueue(_ context.Context, queueID string) ([]PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.steps[queueID], nil
}

func (s *fakeStore) StepsForDispatcher(_ context.Context, dispatcherID string) ([]PipelineStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.steps[dispatcherID], nil
}

func (s *fakeStore) UpsertQueue(_ context.Context, projectID, slug, name string, steps []PipelineStep) (*Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queuesBySlug[projectID+"/"+slug]
	if !ok {
		q = &Queue{ID: uuid.NewString(), ProjectID: projectID, Slug: slug}
		s.queues[q.ID] = q
		s.queuesBySlug[projectID+"/"+slug] = q
	}

	q.Name = name

	for i := range steps {
		if steps[i].ID == "" {
			steps[i].ID = uuid.NewString()
		}

		s.stepsByID[steps[i].ID] = &steps[i]
	}

	s.steps[q.ID] = steps

	return q, nil
}

func (s *fakeStore) FindEventRecord(_ context.Context, eventID, environmentID string) (*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.eventsByKey[eventID+"/"+environmentID]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrMissingEntity, eventID)
	}

	return record, nil
}

func (s *fakeStore) FindEventRecordByID(_ context.Context, id string) (*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event record %s", ErrMissingEntity, id)
	}

	return record, nil
}

func (s *fakeStore) CreateEventRecord(_ context.Context, record *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := record.EventID + "/" + record.EnvironmentID
	if _, exists := s.eventsByKey[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}

	s.events[record.ID] = record
	s.eventsByKey[key] = record

	return nil
}

func (s *fakeStore) UpdateEventRecord(_ context.Context, record *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[record.ID]; !ok {
		return fmt.Errorf("%w: event record %s", ErrMissingEntity, record.ID)
	}

	s.events[record.ID] = record
	s.eventsByKey[record.EventID+"/"+record.EnvironmentID] = record

	return nil
}

func (s *fakeStore) UpsertExternalAccount(_ context.Context, environmentID, identifier string) (*ExternalAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := environmentID + "/" + identifier
	if account, ok := s.accounts[key]; ok {
		return account, nil
	}

	account := &ExternalAccount{ID: uuid.NewString(), EnvironmentID: environmentID, Identifier: identifier}
	s.accounts[key] = account

	return account, nil
}

func (s *fakeStore) CreatePipelineRun(_ context.Context, run *PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run

	return nil
}

func (s *fakeStore) Transact(ctx context.Context, fn func(ctx context.Context, tx RunTx) error) error {
	return fn(ctx, &fakeTx{store: s})
}

func (s *fakeStore) run(id string) *PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.runs[id]
}

func (s *fakeStore) eventCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.events)
}

func (s *fakeStore) findEventByEventID(eventID string) *EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.events {
		if record.EventID == eventID {
			return record
		}
	}

	return nil
}

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) ClaimRun(_ context.Context, id string) (*PipelineRun, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	run, ok := t.store.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline run %s", ErrMissingEntity, id)
	}

	copied := *run

	return &copied, nil
}

func (t *fakeTx) UpdateRun(_ context.Context, run *PipelineRun) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	t.store.runs[run.ID] = run

	return nil
}

func (t *fakeTx) StepByID(_ context.Context, stepID string) (*PipelineStep, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	step, ok := t.store.stepsByID[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", ErrMissingEntity, stepID)
	}

	return step, nil
}

func (t *fakeTx) EventRecordByID(ctx context.Context, id string) (*EventRecord, error) {
	return t.store.FindEventRecordByID(ctx, id)
}

func (t *fakeTx) CreateEventRecord(ctx context.Context, record *EventRecord) error {
	return t.store.CreateEventRecord(ctx, record)
}

func (t *fakeTx) SQLTx() *sql.Tx { return nil }

// recordedJob is one captured enqueue.
type recordedJob struct {
	name    string
	payload interface{}
	opts    jobs.Options
}

// fakeJobQueue records enqueues without executing anything.
type fakeJobQueue struct {
	mu   sync.Mutex
	jobs []recordedJob
}

func (q *fakeJobQueue) Enqueue(_ context.Context, name string, payload interface{}, opts jobs.Options) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = append(q.jobs, recordedJob{name: name, payload: payload, opts: opts})

	return nil
}

func (q *fakeJobQueue) recorded() []recordedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]recordedJob, len(q.jobs))
	copy(out, q.jobs)

	return out
}

func (q *fakeJobQueue) byName(name string) []recordedJob {
	var out []recordedJob

	for _, j := range q.recorded() {
		if j.name == name {
			out = append(out, j)
		}
	}

	return out
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
