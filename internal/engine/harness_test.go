package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

// fixedClock satisfies core.Clock with a settable instant.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fixedClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fixedClock) Sleep(time.Duration) {}

// memStore is an in-memory stand-in for the SQL persistence: the ledger and
// the projection advance together under the same cursor CAS the event store
// enforces.
type memStore struct {
	mu         sync.Mutex
	executions map[string]*domain.WorkflowExecution
	events     []domain.WorkflowEvent
}

func newMemStore() *memStore {
	return &memStore{executions: map[string]*domain.WorkflowExecution{}}
}

func (s *memStore) eventTypes(executionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			out = append(out, ev.EventType)
		}
	}
	return out
}

func (s *memStore) eventsFor(executionID string) []domain.WorkflowEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.WorkflowEvent
	for _, ev := range s.events {
		if ev.ExecutionID == executionID {
			out = append(out, ev)
		}
	}
	return out
}

type mockExecutionRepo struct {
	store            *memStore
	SaveFunc         func(ctx context.Context, ex *domain.WorkflowExecution) error
	FindByIDFunc     func(ctx context.Context, tenant, id string) (*domain.WorkflowExecution, error)
	FindExpiredFunc  func(ctx context.Context, limit int) (*[]domain.WorkflowExecution, error)
	ClearDeadlineFun func(ctx context.Context, tenant, id string) error
}

func (m *mockExecutionRepo) Save(ctx context.Context, ex *domain.WorkflowExecution) error {
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, ex)
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	cp := *ex
	m.store.executions[ex.ID] = &cp
	return nil
}

func (m *mockExecutionRepo) FindByID(ctx context.Context, tenant, id string) (*domain.WorkflowExecution, error) {
	if m.FindByIDFunc != nil {
		return m.FindByIDFunc(ctx, tenant, id)
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	ex, ok := m.store.executions[id]
	if !ok || ex.Tenant != tenant {
		return nil, domain.ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (m *mockExecutionRepo) FindExpiredWaits(ctx context.Context, limit int) (*[]domain.WorkflowExecution, error) {
	if m.FindExpiredFunc != nil {
		return m.FindExpiredFunc(ctx, limit)
	}
	return &[]domain.WorkflowExecution{}, nil
}

func (m *mockExecutionRepo) ClearWaitDeadline(ctx context.Context, tenant, id string) error {
	if m.ClearDeadlineFun != nil {
		return m.ClearDeadlineFun(ctx, tenant, id)
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if ex, ok := m.store.executions[id]; ok {
		ex.WaitDeadline.Valid = false
	}
	return nil
}

type mockEventLedger struct {
	store      *memStore
	AppendFunc func(ctx context.Context, ev *domain.WorkflowEvent, expectedState string, upd repository.ProjectionUpdate) (string, error)
}

func (m *mockEventLedger) Append(ctx context.Context, ev *domain.WorkflowEvent, expectedState string, upd repository.ProjectionUpdate) (string, error) {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, ev, expectedState, upd)
	}
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	ex, ok := m.store.executions[ev.ExecutionID]
	if !ok {
		return "", domain.ErrNotFound
	}
	if ex.CurrentState != expectedState || domain.IsTerminalStatus(ex.Status) {
		return "", domain.ErrConcurrentModification
	}
	m.store.events = append(m.store.events, *ev)
	ex.CurrentState = ev.ToState
	if upd.Status != "" {
		ex.Status = upd.Status
	}
	ex.ContextData = upd.ContextData
	ex.WaitEvents = upd.WaitEvents
	ex.WaitDeadline = upd.WaitDeadline
	ex.Modified = ev.Created
	return ev.ID, nil
}

func (m *mockEventLedger) HasMessage(ctx context.Context, tenant, executionID, messageID string) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for _, ev := range m.store.events {
		if ev.Tenant == tenant && ev.ExecutionID == executionID && ev.MessageID.Valid && ev.MessageID.String == messageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEventLedger) MessageAppliedToDefinition(ctx context.Context, tenant, messageID, definitionName string) (bool, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	for _, ev := range m.store.events {
		if ev.Tenant != tenant || !ev.MessageID.Valid || ev.MessageID.String != messageID {
			continue
		}
		if ex, ok := m.store.executions[ev.ExecutionID]; ok && ex.DefinitionName == definitionName {
			return true, nil
		}
	}
	return false, nil
}

type mockDefinitionRepo struct {
	definitions map[string]*domain.WorkflowDefinition
}

func (m *mockDefinitionRepo) add(tenant, name, graphJSON string) {
	if m.definitions == nil {
		m.definitions = map[string]*domain.WorkflowDefinition{}
	}
	m.definitions[tenant+"/"+name] = &domain.WorkflowDefinition{
		Tenant: tenant, Name: name, Version: 1, Graph: graphJSON,
	}
}

func (m *mockDefinitionRepo) FindLatest(ctx context.Context, tenant, name string) (*domain.WorkflowDefinition, error) {
	if d, ok := m.definitions[tenant+"/"+name]; ok {
		return d, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockDefinitionRepo) FindByNameVersion(ctx context.Context, tenant, name string, version int) (*domain.WorkflowDefinition, error) {
	if d, ok := m.definitions[tenant+"/"+name]; ok && d.Version == version {
		return d, nil
	}
	return nil, domain.ErrNotFound
}

type mockInbox struct {
	mu             sync.Mutex
	created        []*domain.Task
	cancelledExecs []string
	CreateFunc     func(ctx context.Context, tenant, executionID string, spec *graph.TaskSpec, contextData string) (*domain.Task, error)
}

func (m *mockInbox) CreateForWait(ctx context.Context, tenant, executionID string, spec *graph.TaskSpec, contextData string) (*domain.Task, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, tenant, executionID, spec, contextData)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &domain.Task{
		ID:              uuid.New().String(),
		Tenant:          tenant,
		ExecutionID:     executionID,
		TaskType:        spec.TaskType,
		Status:          domain.TaskPending,
		CompletionEvent: spec.CompletionEvent,
	}
	m.created = append(m.created, t)
	return t, nil
}

func (m *mockInbox) CancelForExecution(ctx context.Context, tenant, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelledExecs = append(m.cancelledExecs, executionID)
	return nil
}

func (m *mockInbox) ExpireOverdue(ctx context.Context, limit int) (int, error) { return 0, nil }

type mockStreams struct {
	mu          sync.Mutex
	published   []stream.Message
	deadLetters []stream.Message
	acked       []string
	forgotten   []string
	PublishFunc func(ctx context.Context, msg stream.Message) (string, error)
}

func (m *mockStreams) Publish(ctx context.Context, msg stream.Message) (string, error) {
	if m.PublishFunc != nil {
		return m.PublishFunc(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, msg)
	return fmt.Sprintf("%d-0", len(m.published)), nil
}

func (m *mockStreams) ActiveStreams(ctx context.Context) ([]string, error) { return nil, nil }

func (m *mockStreams) EnsureGroup(ctx context.Context, streamKey, group string) error { return nil }

func (m *mockStreams) Read(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]stream.Message, error) {
	return nil, nil
}

func (m *mockStreams) ReadBacklog(ctx context.Context, streams []string, group, consumer string, count int64) ([]stream.Message, error) {
	return nil, nil
}

func (m *mockStreams) ClaimStale(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int64) ([]stream.Message, error) {
	return nil, nil
}

func (m *mockStreams) Ack(ctx context.Context, streamKey, group, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, id)
	return nil
}

func (m *mockStreams) MoveToDLQ(ctx context.Context, group string, msg stream.Message, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, msg)
	return nil
}

func (m *mockStreams) ForgetStream(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forgotten = append(m.forgotten, key)
	return nil
}

func streamMessage(messageID, tenant, executionID, eventName string) stream.Message {
	return stream.Message{MessageID: messageID, Tenant: tenant, ExecutionID: executionID, EventName: eventName}
}

// harness bundles a fully wired engine over the in-memory store.
type harness struct {
	store       *memStore
	executions  *mockExecutionRepo
	ledger      *mockEventLedger
	definitions *mockDefinitionRepo
	inbox       *mockInbox
	streams     *mockStreams
	actions     *ActionRegistry
	clock       *fixedClock
	engine      *Engine
}

func newHarness() *harness {
	store := newMemStore()
	h := &harness{
		store:       store,
		executions:  &mockExecutionRepo{store: store},
		ledger:      &mockEventLedger{store: store},
		definitions: &mockDefinitionRepo{},
		inbox:       &mockInbox{},
		streams:     &mockStreams{},
		actions:     NewActionRegistry(),
		clock:       newFixedClock(),
	}
	policy := retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	h.engine = NewEngine(h.executions, h.ledger, h.definitions, h.inbox, h.streams, h.actions, h.clock, policy)
	return h
}
