package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/models"
)

// TaskInbox matches tasks.Service.
type TaskInbox interface {
	Get(ctx context.Context, tenant, taskID string) (*domain.Task, error)
	ListByExecution(ctx context.Context, tenant, executionID string) (*[]domain.Task, error)
	History(ctx context.Context, tenant, taskID string) (*[]domain.TaskHistory, error)
	Claim(ctx context.Context, tenant, taskID, userID string) (*domain.Task, error)
	Complete(ctx context.Context, tenant, taskID, userID, responseData string) (*domain.Task, error)
	Cancel(ctx context.Context, tenant, taskID, userID string) error
}

// TasksController exposes the human task inbox over HTTP.
type TasksController struct {
	Inbox TaskInbox
}

func NewTasksController(inbox TaskInbox) *TasksController {
	return &TasksController{Inbox: inbox}
}

func (c *TasksController) handleListTasks(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")
	if executionID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	result, err := c.Inbox.ListByExecution(r.Context(), tenantFrom(r.Context()), executionID)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list tasks", "executionId", executionID, "error", err)
		http.Error(w, "failed to list tasks", http.StatusInternalServerError)
		return
	}
	out := make([]models.TaskApiResponse, 0, len(*result))
	for i := range *result {
		out = append(out, mapTaskToApi(&(*result)[i]))
	}
	writeJSON(w, out)
}

func (c *TasksController) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	result, err := c.Inbox.Get(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		taskError(w, r, id, err)
		return
	}
	writeJSON(w, mapTaskToApi(result))
}

func (c *TasksController) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	result, err := c.Inbox.History(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		taskError(w, r, id, err)
		return
	}
	out := make([]models.TaskHistoryApiResponse, 0, len(*result))
	for _, h := range *result {
		row := models.TaskHistoryApiResponse{
			Action:     h.Action,
			FromStatus: h.FromStatus,
			ToStatus:   h.ToStatus,
			DateTime:   h.DateTime,
		}
		if h.UserID.Valid {
			row.UserID = h.UserID.String
		}
		out = append(out, row)
	}
	writeJSON(w, out)
}

func (c *TasksController) handleClaimTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	userID := userFrom(r.Context())
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}
	result, err := c.Inbox.Claim(r.Context(), tenantFrom(r.Context()), id, userID)
	if err != nil {
		taskError(w, r, id, err)
		return
	}
	writeJSON(w, mapTaskToApi(result))
}

func (c *TasksController) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	userID := userFrom(r.Context())
	if userID == "" {
		http.Error(w, "X-User-ID header is required", http.StatusBadRequest)
		return
	}

	var req models.CompleteTaskRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	var responseData string
	if req.ResponseData != nil {
		b, err := json.Marshal(req.ResponseData)
		if err != nil {
			http.Error(w, "invalid response data", http.StatusBadRequest)
			return
		}
		responseData = string(b)
	}

	result, err := c.Inbox.Complete(r.Context(), tenantFrom(r.Context()), id, userID, responseData)
	if err != nil {
		taskError(w, r, id, err)
		return
	}
	writeJSON(w, mapTaskToApi(result))
}

func (c *TasksController) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	if err := c.Inbox.Cancel(r.Context(), tenantFrom(r.Context()), id, userFrom(r.Context())); err != nil {
		taskError(w, r, id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func taskError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "task not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		slog.ErrorContext(r.Context(), "Task operation failed", "taskId", id, "error", err)
		http.Error(w, "task operation failed", http.StatusInternalServerError)
	}
}

func mapTaskToApi(t *domain.Task) models.TaskApiResponse {
	resp := models.TaskApiResponse{
		ID:              t.ID,
		ExecutionID:     t.ExecutionID,
		TaskType:        t.TaskType,
		Status:          t.Status,
		Priority:        t.Priority,
		CompletionEvent: t.CompletionEvent,
		Created:         t.Created,
		Modified:        t.Modified,
	}
	if t.DueDate.Valid {
		resp.DueDate = t.DueDate.Time
	}
	if t.ClaimedBy.Valid {
		resp.ClaimedBy = t.ClaimedBy.String
	}
	if t.AssignedRoles.Valid && len(t.AssignedRoles.String) > 0 {
		if err := json.Unmarshal([]byte(t.AssignedRoles.String), &resp.AssignedRoles); err != nil {
			slog.Warn("Failed to parse assigned roles", "taskId", t.ID, "error", err)
		}
	}
	if t.AssignedUsers.Valid && len(t.AssignedUsers.String) > 0 {
		if err := json.Unmarshal([]byte(t.AssignedUsers.String), &resp.AssignedUsers); err != nil {
			slog.Warn("Failed to parse assigned users", "taskId", t.ID, "error", err)
		}
	}
	return resp
}
