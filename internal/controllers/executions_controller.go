package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/models"
	"github.com/tallyworks/flowline/internal/repository"
)

// ExecutionReader is the read surface of repository.ExecutionRepository the
// controller needs.
type ExecutionReader interface {
	FindByID(ctx context.Context, tenant, id string) (*domain.WorkflowExecution, error)
	Search(ctx context.Context, req repository.SearchExecutionsRequest) (*[]domain.WorkflowExecution, error)
	Overview(ctx context.Context, tenant string) ([]repository.StatusOverviewRow, error)
}

// LedgerReader is the read surface of repository.EventStore.
type LedgerReader interface {
	ListEvents(ctx context.Context, tenant, executionID string, limit int) (*[]domain.WorkflowEvent, error)
}

// Lifecycle matches engine.Controller.
type Lifecycle interface {
	Pause(ctx context.Context, tenant, executionID, userID string) (bool, error)
	Resume(ctx context.Context, tenant, executionID, userID string) (bool, error)
	Cancel(ctx context.Context, tenant, executionID, userID string) (bool, error)
}

// ExecutionsController holds dependencies for execution HTTP endpoints. All
// reads come from durably committed rows; nothing is served from in-flight
// engine state.
type ExecutionsController struct {
	ExecutionRepo ExecutionReader
	EventStore    LedgerReader
	Lifecycle     Lifecycle
}

func NewExecutionsController(executionRepo ExecutionReader, eventStore LedgerReader,
	lifecycle Lifecycle) *ExecutionsController {
	return &ExecutionsController{ExecutionRepo: executionRepo, EventStore: eventStore, Lifecycle: lifecycle}
}

func (c *ExecutionsController) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	result, err := c.ExecutionRepo.FindByID(r.Context(), tenantFrom(r.Context()), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "Failed to load execution", "id", id, "error", err)
		http.Error(w, "failed to load execution", http.StatusInternalServerError)
		return
	}
	writeJSON(w, mapExecutionToApi(result))
}

func (c *ExecutionsController) handleSearchExecutions(w http.ResponseWriter, r *http.Request) {
	var req repository.SearchExecutionsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON payload", http.StatusBadRequest)
		return
	}
	req.Tenant = tenantFrom(r.Context())
	if req.Limit <= 0 || req.Limit > 500 {
		req.Limit = 50
	}

	results, err := c.ExecutionRepo.Search(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to search executions", "error", err)
		http.Error(w, "failed to search executions", http.StatusInternalServerError)
		return
	}

	resp := models.SearchExecutionsResponse{Offset: req.Offset}
	for i := range *results {
		resp.Executions = append(resp.Executions, mapExecutionToApi(&(*results)[i]))
	}
	resp.Results = len(resp.Executions)
	writeJSON(w, resp)
}

func (c *ExecutionsController) handleOverview(w http.ResponseWriter, r *http.Request) {
	rows, err := c.ExecutionRepo.Overview(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to load overview", "error", err)
		http.Error(w, "failed to load overview", http.StatusInternalServerError)
		return
	}
	out := make([]models.OverviewApiRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.OverviewApiRow{
			DefinitionName: row.DefinitionName,
			Active:         row.ActiveCount,
			Paused:         row.PausedCount,
			Completed:      row.CompletedCount,
			Failed:         row.FailedCount,
			Cancelled:      row.CancelledCount,
		})
	}
	writeJSON(w, out)
}

// handleListEvents returns the execution ledger in append order.
func (c *ExecutionsController) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit is a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := c.EventStore.ListEvents(r.Context(), tenantFrom(r.Context()), id, limit)
	if err != nil {
		slog.ErrorContext(r.Context(), "Failed to list events", "executionId", id, "error", err)
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	out := make([]models.EventApiResponse, 0, len(*events))
	for i := range *events {
		out = append(out, mapEventToApi(&(*events)[i]))
	}
	writeJSON(w, out)
}

func (c *ExecutionsController) handlePause(w http.ResponseWriter, r *http.Request) {
	c.lifecycleAction(w, r, c.Lifecycle.Pause)
}

func (c *ExecutionsController) handleResume(w http.ResponseWriter, r *http.Request) {
	c.lifecycleAction(w, r, c.Lifecycle.Resume)
}

func (c *ExecutionsController) handleCancel(w http.ResponseWriter, r *http.Request) {
	c.lifecycleAction(w, r, c.Lifecycle.Cancel)
}

type lifecycleFunc func(ctx context.Context, tenant, executionID, userID string) (bool, error)

func (c *ExecutionsController) lifecycleAction(w http.ResponseWriter, r *http.Request, fn lifecycleFunc) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}

	changed, err := fn(r.Context(), tenantFrom(r.Context()), id, userFrom(r.Context()))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "execution not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(r.Context(), "Lifecycle transition failed", "executionId", id, "error", err)
		http.Error(w, "lifecycle transition failed", http.StatusInternalServerError)
		return
	}
	if !changed {
		http.Error(w, "execution not in an eligible status", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func mapExecutionToApi(ex *domain.WorkflowExecution) models.ExecutionApiResponse {
	resp := models.ExecutionApiResponse{
		ID:                ex.ID,
		DefinitionName:    ex.DefinitionName,
		DefinitionVersion: ex.DefinitionVersion,
		Status:            ex.Status,
		CurrentState:      ex.CurrentState,
		Created:           ex.Created,
		Modified:          ex.Modified,
	}
	if ex.BusinessKey.Valid {
		resp.BusinessKey = ex.BusinessKey.String
	}
	if ex.ContextData.Valid && len(ex.ContextData.String) > 0 {
		if err := json.Unmarshal([]byte(ex.ContextData.String), &resp.Context); err != nil {
			slog.Warn("Failed to parse execution context", "id", ex.ID, "error", err)
		}
	}
	if ex.WaitEvents.Valid && len(ex.WaitEvents.String) > 0 {
		if err := json.Unmarshal([]byte(ex.WaitEvents.String), &resp.WaitEvents); err != nil {
			slog.Warn("Failed to parse wait events", "id", ex.ID, "error", err)
		}
	}
	if ex.WaitDeadline.Valid {
		resp.WaitDeadline = ex.WaitDeadline.Time
	}
	return resp
}

func mapEventToApi(ev *domain.WorkflowEvent) models.EventApiResponse {
	resp := models.EventApiResponse{
		ID:        ev.ID,
		EventName: ev.EventName,
		EventType: ev.EventType,
		FromState: ev.FromState,
		ToState:   ev.ToState,
		Created:   ev.Created,
	}
	if ev.Payload.Valid && len(ev.Payload.String) > 0 {
		if err := json.Unmarshal([]byte(ev.Payload.String), &resp.Payload); err != nil {
			slog.Warn("Failed to parse event payload", "id", ev.ID, "error", err)
		}
	}
	if ev.UserID.Valid {
		resp.UserID = ev.UserID.String
	}
	if ev.MessageID.Valid {
		resp.MessageID = ev.MessageID.String
	}
	return resp
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
