package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/pkg/flowline/core"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

// Publisher is the slice of the stream client the inbox needs to announce
// task completions to the owning execution.
type Publisher interface {
	Publish(ctx context.Context, msg stream.Message) (string, error)
}

// TaskStore matches repository.TaskRepository.
type TaskStore interface {
	Save(ctx context.Context, t *domain.Task) error
	FindByID(ctx context.Context, tenant, id string) (*domain.Task, error)
	FindByExecution(ctx context.Context, tenant, executionID string) (*[]domain.Task, error)
	FindOverdue(ctx context.Context, limit int) (*[]domain.Task, error)
	Claim(ctx context.Context, tenant, id, userID string) (bool, error)
	CompleteIf(ctx context.Context, tenant, id, claimedBy, responseData string) (bool, error)
	CancelIf(ctx context.Context, tenant, id string) (bool, error)
	ExpireIf(ctx context.Context, tenant, id string) (bool, error)
}

// DefinitionStore matches repository.TaskDefinitionRepository.
type DefinitionStore interface {
	FindByType(ctx context.Context, tenant, taskType string) (*domain.TaskDefinition, error)
}

// HistoryStore matches repository.TaskHistoryRepository.
type HistoryStore interface {
	Save(ctx context.Context, h *domain.TaskHistory) (int64, error)
	FindAllByTaskID(ctx context.Context, tenant, taskID string) (*[]domain.TaskHistory, error)
}

// Service is the task inbox: human work items created by workflow wait nodes,
// claimed and completed by users. Every mutation writes a task history row;
// completion publishes the task's completion event back onto the execution
// stream so the waiting workflow resumes.
type Service struct {
	tasks       TaskStore
	definitions DefinitionStore
	history     HistoryStore
	streams     Publisher
	clock       core.Clock
}

func NewService(tasks TaskStore, definitions DefinitionStore,
	history HistoryStore, streams Publisher, clock core.Clock) *Service {
	return &Service{
		tasks:       tasks,
		definitions: definitions,
		history:     history,
		streams:     streams,
		clock:       clock,
	}
}

// CreateForWait instantiates the task a wait node describes. Defaults not set
// on the node come from the task definition: priority, and the SLA that
// becomes the due date. Re-entry after a crash reuses the open task instead of
// creating a second one.
func (s *Service) CreateForWait(ctx context.Context, tenant, executionID string, spec *graph.TaskSpec, contextData string) (*domain.Task, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}

	existing, err := s.tasks.FindByExecution(ctx, tenant, executionID)
	if err != nil {
		return nil, err
	}
	for i := range *existing {
		t := &(*existing)[i]
		if t.TaskType == spec.TaskType && (t.Status == domain.TaskPending || t.Status == domain.TaskClaimed) {
			slog.InfoContext(ctx, "Reusing open task for wait node", "task_id", t.ID, "execution_id", executionID)
			return t, nil
		}
	}

	def, err := s.definitions.FindByType(ctx, tenant, spec.TaskType)
	if err != nil {
		return nil, fmt.Errorf("task definition %q: %w", spec.TaskType, err)
	}

	dueDays := spec.DueInDays
	if dueDays == 0 {
		dueDays = def.DefaultSLADays
	}
	var due sql.NullTime
	if dueDays > 0 {
		due = sql.NullTime{Time: s.clock.Now().AddDate(0, 0, dueDays), Valid: true}
	}

	t := &domain.Task{
		ID:               uuid.New().String(),
		Tenant:           tenant,
		ExecutionID:      executionID,
		TaskDefinitionID: def.ID,
		TaskType:         spec.TaskType,
		Status:           domain.TaskPending,
		Priority:         def.DefaultPriority,
		DueDate:          due,
		AssignedRoles:    marshalList(spec.AssignedRoles),
		AssignedUsers:    marshalList(spec.AssignedUsers),
		CompletionEvent:  spec.CompletionEvent,
		ContextData:      sql.NullString{String: contextData, Valid: contextData != ""},
	}
	if err := s.tasks.Save(ctx, t); err != nil {
		return nil, err
	}
	s.record(ctx, t, "created", "", domain.TaskPending, "")
	slog.InfoContext(ctx, "Created task", "task_id", t.ID, "task_type", t.TaskType, "execution_id", executionID)
	return t, nil
}

// Claim assigns a pending task to userID. Exactly one of two concurrent
// claimers wins; the loser gets ErrInvalidState.
func (s *Service) Claim(ctx context.Context, tenant, taskID, userID string) (*domain.Task, error) {
	t, err := s.tasks.FindByID(ctx, tenant, taskID)
	if err != nil {
		return nil, err
	}
	ok, err := s.tasks.Claim(ctx, tenant, taskID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("claim task %s in status %s: %w", taskID, t.Status, domain.ErrInvalidState)
	}
	s.record(ctx, t, "claimed", domain.TaskPending, domain.TaskClaimed, userID)
	return s.tasks.FindByID(ctx, tenant, taskID)
}

// Complete finishes a claimed task and publishes its completion event, with
// the response document as payload, to the owning execution's stream. Only
// the claiming user may complete unless the task definition allows any
// assignee.
func (s *Service) Complete(ctx context.Context, tenant, taskID, userID, responseData string) (*domain.Task, error) {
	t, err := s.tasks.FindByID(ctx, tenant, taskID)
	if err != nil {
		return nil, err
	}

	claimedBy := userID
	def, err := s.definitions.FindByType(ctx, tenant, t.TaskType)
	if err == nil && def.AllowAnyAssignee {
		claimedBy = "" // any user may complete
	}

	ok, err := s.tasks.CompleteIf(ctx, tenant, taskID, claimedBy, responseData)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("complete task %s in status %s: %w", taskID, t.Status, domain.ErrInvalidState)
	}
	s.record(ctx, t, "completed", t.Status, domain.TaskCompleted, userID)

	msg := stream.Message{
		MessageID:   uuid.New().String(),
		Tenant:      tenant,
		ExecutionID: t.ExecutionID,
		EventName:   t.CompletionEvent,
		Payload:     completionPayload(t.ID, userID, responseData),
		EmittedAt:   s.clock.Now(),
	}
	if _, err := s.streams.Publish(ctx, msg); err != nil {
		return nil, fmt.Errorf("publish completion event %q: %w", t.CompletionEvent, err)
	}
	slog.InfoContext(ctx, "Completed task", "task_id", taskID, "user_id", userID, "event", t.CompletionEvent)
	return s.tasks.FindByID(ctx, tenant, taskID)
}

// Cancel withdraws a pending or claimed task, typically because its execution
// was cancelled.
func (s *Service) Cancel(ctx context.Context, tenant, taskID, userID string) error {
	t, err := s.tasks.FindByID(ctx, tenant, taskID)
	if err != nil {
		return err
	}
	ok, err := s.tasks.CancelIf(ctx, tenant, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cancel task %s in status %s: %w", taskID, t.Status, domain.ErrInvalidState)
	}
	s.record(ctx, t, "cancelled", t.Status, domain.TaskCancelled, userID)
	return nil
}

// CancelForExecution withdraws every open task of an execution.
func (s *Service) CancelForExecution(ctx context.Context, tenant, executionID string) error {
	all, err := s.tasks.FindByExecution(ctx, tenant, executionID)
	if err != nil {
		return err
	}
	for i := range *all {
		t := &(*all)[i]
		if t.Status != domain.TaskPending && t.Status != domain.TaskClaimed {
			continue
		}
		if err := s.Cancel(ctx, tenant, t.ID, ""); err != nil {
			slog.WarnContext(ctx, "Failed to cancel task for execution", "task_id", t.ID, "error", err)
		}
	}
	return nil
}

// ExpireOverdue sweeps pending tasks past their due date into expired.
// Returns how many tasks were expired.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.tasks.FindOverdue(ctx, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for i := range *overdue {
		t := &(*overdue)[i]
		ok, err := s.tasks.ExpireIf(ctx, t.Tenant, t.ID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to expire task", "task_id", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		s.record(ctx, t, "expired", domain.TaskPending, domain.TaskExpired, "")
		slog.InfoContext(ctx, "Expired overdue task", "task_id", t.ID, "due_date", t.DueDate.Time)
		expired++
	}
	return expired, nil
}

func (s *Service) Get(ctx context.Context, tenant, taskID string) (*domain.Task, error) {
	return s.tasks.FindByID(ctx, tenant, taskID)
}

func (s *Service) ListByExecution(ctx context.Context, tenant, executionID string) (*[]domain.Task, error) {
	return s.tasks.FindByExecution(ctx, tenant, executionID)
}

func (s *Service) History(ctx context.Context, tenant, taskID string) (*[]domain.TaskHistory, error) {
	return s.history.FindAllByTaskID(ctx, tenant, taskID)
}

// record appends a task history row. History is an audit trail; a write
// failure is logged, never propagated into the task mutation itself.
func (s *Service) record(ctx context.Context, t *domain.Task, action, from, to, userID string) {
	_, err := s.history.Save(ctx, &domain.TaskHistory{
		Tenant:     t.Tenant,
		TaskID:     t.ID,
		Action:     action,
		FromStatus: from,
		ToStatus:   to,
		UserID:     sql.NullString{String: userID, Valid: userID != ""},
		DateTime:   s.clock.Now(),
	})
	if err != nil {
		slog.WarnContext(ctx, "Failed to save task history", "task_id", t.ID, "action", action, "error", err)
	}
}

func marshalList(values []string) sql.NullString {
	if len(values) == 0 {
		return sql.NullString{}
	}
	b, _ := json.Marshal(values)
	return sql.NullString{String: string(b), Valid: true}
}

func completionPayload(taskID, userID, responseData string) string {
	if responseData == "" {
		responseData = "{}"
	}
	var response map[string]any
	if err := json.Unmarshal([]byte(responseData), &response); err != nil {
		response = map[string]any{}
	}
	b, _ := json.Marshal(map[string]any{
		"task_id":       taskID,
		"completed_by":  userID,
		"response_data": response,
		"vars":          response,
	})
	return string(b)
}
