package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/test/integration/common"
)

func saveTask(t *testing.T, s *common.Stack, tenant, executionID string, due sql.NullTime) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID:              uuid.New().String(),
		Tenant:          tenant,
		ExecutionID:     executionID,
		TaskType:        "approve_request",
		Status:          domain.TaskPending,
		Priority:        2,
		DueDate:         due,
		AssignedRoles:   sql.NullString{String: `["manager"]`, Valid: true},
		CompletionEvent: "approval.decided",
	}
	if err := s.Tasks.Save(context.Background(), task); err != nil {
		t.Fatalf("save task: %v", err)
	}
	return task
}

func TestTaskSaveAndFind(t *testing.T) {
	s := newStack(t)
	saveExecution(t, s, "acme", "ex-1")
	task := saveTask(t, s, "acme", "ex-1", sql.NullTime{})

	got, err := s.Tasks.FindByID(context.Background(), "acme", task.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.TaskType != "approve_request" || got.CompletionEvent != "approval.decided" {
		t.Fatalf("got %s/%s", got.TaskType, got.CompletionEvent)
	}
	if got.AssignedRoles.String != `["manager"]` {
		t.Fatalf("roles = %s", got.AssignedRoles.String)
	}
	if got.Created.IsZero() {
		t.Fatal("created not stamped")
	}
}

func TestClaimOnlyPending(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	saveExecution(t, s, "acme", "ex-1")
	task := saveTask(t, s, "acme", "ex-1", sql.NullTime{})

	ok, err := s.Tasks.Claim(ctx, "acme", task.ID, "alice")
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = s.Tasks.Claim(ctx, "acme", task.ID, "bob")
	if err != nil || ok {
		t.Fatalf("second claim = %v, %v; want false", ok, err)
	}

	got, _ := s.Tasks.FindByID(ctx, "acme", task.ID)
	if got.Status != domain.TaskClaimed || got.ClaimedBy.String != "alice" {
		t.Fatalf("got %s by %s", got.Status, got.ClaimedBy.String)
	}
}

func TestCompleteIfRequiresClaimHolder(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	saveExecution(t, s, "acme", "ex-1")
	task := saveTask(t, s, "acme", "ex-1", sql.NullTime{})

	// completing an unclaimed task never matches
	ok, err := s.Tasks.CompleteIf(ctx, "acme", task.ID, "alice", `{}`)
	if err != nil || ok {
		t.Fatalf("complete pending = %v, %v; want false", ok, err)
	}

	if _, err := s.Tasks.Claim(ctx, "acme", task.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	ok, err = s.Tasks.CompleteIf(ctx, "acme", task.ID, "bob", `{}`)
	if err != nil || ok {
		t.Fatalf("complete by non-claimer = %v, %v; want false", ok, err)
	}
	ok, err = s.Tasks.CompleteIf(ctx, "acme", task.ID, "alice", `{"approved":true}`)
	if err != nil || !ok {
		t.Fatalf("complete by claimer = %v, %v", ok, err)
	}

	got, _ := s.Tasks.FindByID(ctx, "acme", task.ID)
	if got.Status != domain.TaskCompleted || got.ResponseData.String != `{"approved":true}` {
		t.Fatalf("got %s with %s", got.Status, got.ResponseData.String)
	}
}

func TestCancelIfAndExpireIfGuards(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	saveExecution(t, s, "acme", "ex-1")

	cancelled := saveTask(t, s, "acme", "ex-1", sql.NullTime{})
	ok, err := s.Tasks.CancelIf(ctx, "acme", cancelled.ID)
	if err != nil || !ok {
		t.Fatalf("cancel pending = %v, %v", ok, err)
	}
	ok, err = s.Tasks.CancelIf(ctx, "acme", cancelled.ID)
	if err != nil || ok {
		t.Fatalf("cancel cancelled = %v, %v; want false", ok, err)
	}

	claimed := saveTask(t, s, "acme", "ex-1", sql.NullTime{})
	if _, err := s.Tasks.Claim(ctx, "acme", claimed.ID, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// expiry only applies to tasks nobody picked up
	ok, err = s.Tasks.ExpireIf(ctx, "acme", claimed.ID)
	if err != nil || ok {
		t.Fatalf("expire claimed = %v, %v; want false", ok, err)
	}
}

func TestFindOverdueUsesDueDate(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	saveExecution(t, s, "acme", "ex-1")
	soon := sql.NullTime{Time: s.Clock.Now().Add(24 * time.Hour), Valid: true}
	later := sql.NullTime{Time: s.Clock.Now().Add(96 * time.Hour), Valid: true}
	first := saveTask(t, s, "acme", "ex-1", soon)
	saveTask(t, s, "acme", "ex-1", later)
	saveTask(t, s, "acme", "ex-1", sql.NullTime{}) // no SLA, never overdue

	overdue, err := s.Tasks.FindOverdue(ctx, 10)
	if err != nil {
		t.Fatalf("find overdue: %v", err)
	}
	if len(*overdue) != 0 {
		t.Fatalf("nothing due yet, got %d", len(*overdue))
	}

	s.Clock.Advance(48 * time.Hour)
	overdue, err = s.Tasks.FindOverdue(ctx, 10)
	if err != nil {
		t.Fatalf("find overdue: %v", err)
	}
	if len(*overdue) != 1 || (*overdue)[0].ID != first.ID {
		t.Fatalf("overdue = %d rows", len(*overdue))
	}
}

func TestTaskHistoryRoundTrip(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	saveExecution(t, s, "acme", "ex-1")
	task := saveTask(t, s, "acme", "ex-1", sql.NullTime{})

	steps := []struct{ action, from, to string }{
		{"created", "", domain.TaskPending},
		{"claimed", domain.TaskPending, domain.TaskClaimed},
		{"completed", domain.TaskClaimed, domain.TaskCompleted},
	}
	for _, step := range steps {
		s.Clock.Tick()
		_, err := s.History.Save(ctx, &domain.TaskHistory{
			Tenant: "acme", TaskID: task.ID,
			Action: step.action, FromStatus: step.from, ToStatus: step.to,
			UserID: sql.NullString{String: "alice", Valid: step.action != "created"},
		})
		if err != nil {
			t.Fatalf("save history %s: %v", step.action, err)
		}
	}

	rows, err := s.History.FindAllByTaskID(ctx, "acme", task.ID)
	if err != nil {
		t.Fatalf("find history: %v", err)
	}
	if len(*rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(*rows))
	}
	for i, step := range steps {
		if (*rows)[i].Action != step.action {
			t.Fatalf("row[%d] = %s, want %s", i, (*rows)[i].Action, step.action)
		}
	}
}

func TestTaskDefinitionUniquePerType(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	def := &domain.TaskDefinition{
		Tenant: "acme", TaskType: "approve_request",
		DefaultPriority: 2, DefaultSLADays: 3, AllowAnyAssignee: true,
	}
	if _, err := s.TaskDefs.Save(ctx, def); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := s.TaskDefs.Save(ctx, def); err == nil {
		t.Fatal("duplicate (tenant, task_type) accepted")
	}

	got, err := s.TaskDefs.FindByType(ctx, "acme", "approve_request")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.DefaultSLADays != 3 || !got.AllowAnyAssignee {
		t.Fatalf("got %+v", got)
	}
}
