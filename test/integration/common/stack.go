package common

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/engine"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/tasks"
)

// Stack wires the full engine against a real database with in-memory streams.
// Dialect suites build one per test database and drive scenarios through it.
type Stack struct {
	Executions  *repository.ExecutionRepository
	Events      *repository.EventStore
	Definitions *repository.DefinitionRepository
	Catalog     *repository.CatalogRepository
	Tasks       *repository.TaskRepository
	TaskDefs    *repository.TaskDefinitionRepository
	History     *repository.TaskHistoryRepository
	Inbox       *tasks.Service
	Streams     *MemoryStreams
	Engine      *engine.Engine
	Lifecycle   *engine.Controller
	Router      *engine.TriggerRouter
	Clock       *FakeClock
}

func NewStack(db *sql.DB, clock *FakeClock) *Stack {
	streams := &MemoryStreams{}
	executions := repository.NewExecutionRepository(db, clock)
	events := repository.NewEventStore(db, clock)
	definitions := repository.NewDefinitionRepository(db, clock)
	catalog := repository.NewCatalogRepository(db, clock)
	taskRepo := repository.NewTaskRepository(db, clock)
	taskDefs := repository.NewTaskDefinitionRepository(db, clock)
	history := repository.NewTaskHistoryRepository(db, clock)
	inbox := tasks.NewService(taskRepo, taskDefs, history, streams, clock)

	actions := engine.NewActionRegistry()
	actions.Register("price_order", func(ctx context.Context, args map[string]any) (any, error) {
		amount, _ := args["amount"].(float64)
		return amount + 30, nil // flat handling fee
	})
	actions.Register("probe", func(ctx context.Context, args map[string]any) (any, error) {
		return true, nil
	})

	policy := retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}
	eng := engine.NewEngine(executions, events, definitions, inbox, streams, actions, clock, policy)
	return &Stack{
		Executions:  executions,
		Events:      events,
		Definitions: definitions,
		Catalog:     catalog,
		Tasks:       taskRepo,
		TaskDefs:    taskDefs,
		History:     history,
		Inbox:       inbox,
		Streams:     streams,
		Engine:      eng,
		Lifecycle:   engine.NewController(executions, events, eng, inbox, clock),
		Router:      engine.NewTriggerRouter(catalog, events, eng),
		Clock:       clock,
	}
}

// SeedApproval publishes the approval definition and its task definition for
// the tenant.
func (s *Stack) SeedApproval(t *testing.T, tenant string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.TaskDefs.Save(ctx, &domain.TaskDefinition{
		Tenant:           tenant,
		TaskType:         "approve_request",
		DefaultPriority:  2,
		DefaultSLADays:   3,
		AllowAnyAssignee: false,
	}); err != nil {
		t.Fatalf("save task definition: %v", err)
	}
	if _, err := s.Definitions.Publish(ctx, &domain.WorkflowDefinition{
		Tenant: tenant,
		Name:   "ApprovalFlow",
		Graph:  ApprovalGraph,
	}); err != nil {
		t.Fatalf("publish definition: %v", err)
	}
}

// RunApprovalScenario drives the approval flow end to end: start suspends on
// the human task, claim and complete resume it, and the outcome event is
// emitted. It returns the finished execution id.
func (s *Stack) RunApprovalScenario(t *testing.T, tenant string) string {
	t.Helper()
	ctx := context.Background()
	s.SeedApproval(t, tenant)

	ex, err := s.Engine.StartExecution(ctx, tenant, "ApprovalFlow", "PO-1001",
		map[string]any{"amount": float64(200)}, "msg-start-1")
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	got, err := s.Executions.FindByID(ctx, tenant, ex.ID)
	if err != nil {
		t.Fatalf("find execution: %v", err)
	}
	if got.Status != domain.ExecutionActive {
		t.Fatalf("status after start = %s, want active", got.Status)
	}
	if !got.WaitEvents.Valid {
		t.Fatal("execution is not suspended on the wait node")
	}

	open, err := s.Tasks.FindByExecution(ctx, tenant, ex.ID)
	if err != nil {
		t.Fatalf("find tasks: %v", err)
	}
	if len(*open) != 1 {
		t.Fatalf("got %d tasks, want 1", len(*open))
	}
	task := (*open)[0]
	if task.Status != domain.TaskPending || task.TaskType != "approve_request" {
		t.Fatalf("unexpected task %s/%s", task.TaskType, task.Status)
	}

	if _, err := s.Inbox.Claim(ctx, tenant, task.ID, "manager-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.Inbox.Complete(ctx, tenant, task.ID, "manager-1", `{"approved": true}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	completion := s.Streams.Last()
	if completion.EventName != "approval.decided" {
		t.Fatalf("completion event = %s", completion.EventName)
	}
	if err := s.Engine.HandleMessage(ctx, completion); err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	got, err = s.Executions.FindByID(ctx, tenant, ex.ID)
	if err != nil {
		t.Fatalf("reload execution: %v", err)
	}
	if got.Status != domain.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.CurrentState != "end" {
		t.Fatalf("current state = %s, want end", got.CurrentState)
	}

	outcome := s.Streams.Last()
	if outcome.EventName != "order.approved" {
		t.Fatalf("outcome event = %s", outcome.EventName)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(outcome.Payload), &payload); err != nil {
		t.Fatalf("outcome payload: %v", err)
	}
	if payload["total"] != float64(230) {
		t.Fatalf("outcome total = %v", payload["total"])
	}

	// the projection row must equal a cold replay of the ledger
	replayed, err := s.Events.ReplayState(ctx, tenant, ex.ID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed.Status != got.Status || replayed.CurrentState != got.CurrentState {
		t.Fatalf("replay diverged: %s/%s vs %s/%s",
			replayed.Status, replayed.CurrentState, got.Status, got.CurrentState)
	}
	return ex.ID
}
