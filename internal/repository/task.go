package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/pkg/flowline/core"
)

const TASK_COLUMNS = ` id, tenant, execution_id, task_definition_id, task_type, status,
		       priority, due_date, assigned_roles, assigned_users, claimed_by,
		       completion_event, context_data, response_data, created, modified `

type TaskRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewTaskRepository(db *sql.DB, clock core.Clock) *TaskRepository {
	return &TaskRepository{db: db, clock: clock}
}

func scanTask(scan func(dest ...any) error) (*domain.Task, error) {
	var t domain.Task
	err := scan(
		&t.ID,
		&t.Tenant,
		&t.ExecutionID,
		&t.TaskDefinitionID,
		&t.TaskType,
		&t.Status,
		&t.Priority,
		&t.DueDate,
		&t.AssignedRoles,
		&t.AssignedUsers,
		&t.ClaimedBy,
		&t.CompletionEvent,
		&t.ContextData,
		&t.ResponseData,
		&t.Created,
		&t.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *TaskRepository) Save(ctx context.Context, t *domain.Task) error {
	if t.Tenant == "" {
		return domain.ErrMissingTenant
	}
	if t.Created.IsZero() {
		t.Created = r.clock.Now()
	}
	if t.Modified.IsZero() {
		t.Modified = t.Created
	}
	vals := []interface{}{t.ID, t.Tenant, t.ExecutionID, t.TaskDefinitionID, t.TaskType, t.Status,
		t.Priority, formatDateInDatabaseNull(t.DueDate), t.AssignedRoles, t.AssignedUsers, t.ClaimedBy,
		t.CompletionEvent, t.ContextData, t.ResponseData, formatDateInDatabase(t.Created), formatDateInDatabase(t.Modified)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	query := `INSERT INTO workflow_tasks (
		id, tenant, execution_id, task_definition_id, task_type, status,
		priority, due_date, assigned_roles, assigned_users, claimed_by,
		completion_event, context_data, response_data, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

func (r *TaskRepository) FindByID(ctx context.Context, tenant, id string) (*domain.Task, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks WHERE tenant = ` + placeholder(1) + ` AND id = ` + placeholder(2) + `
	`
	row := r.db.QueryRowContext(ctx, query, tenant, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

// Claim is an optimistic check-then-set: only a pending task can be claimed,
// and exactly one of two concurrent claimers wins the row update.
func (r *TaskRepository) Claim(ctx context.Context, tenant, id, userID string) (bool, error) {
	if tenant == "" {
		return false, domain.ErrMissingTenant
	}
	query := `
		UPDATE workflow_tasks
		SET status = '` + domain.TaskClaimed + `', claimed_by = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE tenant = ` + placeholder(2) + ` AND id = ` + placeholder(3) + ` AND status = '` + domain.TaskPending + `'
	`
	result, err := r.db.ExecContext(ctx, query, userID, tenant, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CompleteIf finishes a claimed task. When claimedBy is non-empty the update
// also requires that user to hold the claim.
func (r *TaskRepository) CompleteIf(ctx context.Context, tenant, id, claimedBy, responseData string) (bool, error) {
	if tenant == "" {
		return false, domain.ErrMissingTenant
	}
	args := []interface{}{responseData, tenant, id}
	query := `
		UPDATE workflow_tasks
		SET status = '` + domain.TaskCompleted + `', response_data = ` + placeholder(1) + `, modified = ` + nowFunc(r.clock) + `
		WHERE tenant = ` + placeholder(2) + ` AND id = ` + placeholder(3) + ` AND status = '` + domain.TaskClaimed + `'
	`
	if claimedBy != "" {
		args = append(args, claimedBy)
		query += ` AND claimed_by = ` + placeholder(len(args))
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// CancelIf cancels a pending or claimed task.
func (r *TaskRepository) CancelIf(ctx context.Context, tenant, id string) (bool, error) {
	if tenant == "" {
		return false, domain.ErrMissingTenant
	}
	query := `
		UPDATE workflow_tasks
		SET status = '` + domain.TaskCancelled + `', modified = ` + nowFunc(r.clock) + `
		WHERE tenant = ` + placeholder(1) + ` AND id = ` + placeholder(2) + `
		  AND status IN ('` + domain.TaskPending + `', '` + domain.TaskClaimed + `')
	`
	result, err := r.db.ExecContext(ctx, query, tenant, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ExpireIf marks a pending task expired; driven by the sweeper, not callers.
func (r *TaskRepository) ExpireIf(ctx context.Context, tenant, id string) (bool, error) {
	if tenant == "" {
		return false, domain.ErrMissingTenant
	}
	query := `
		UPDATE workflow_tasks
		SET status = '` + domain.TaskExpired + `', modified = ` + nowFunc(r.clock) + `
		WHERE tenant = ` + placeholder(1) + ` AND id = ` + placeholder(2) + ` AND status = '` + domain.TaskPending + `'
	`
	result, err := r.db.ExecContext(ctx, query, tenant, id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// FindOverdue returns pending tasks whose due date elapsed.
func (r *TaskRepository) FindOverdue(ctx context.Context, limit int) (*[]domain.Task, error) {
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks
		WHERE status = '` + domain.TaskPending + `'
		  AND due_date IS NOT NULL
		  AND ` + dateBeforeNow("due_date", r.clock) + `
		ORDER BY due_date ASC
		LIMIT ` + placeholder(1) + `
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return &tasks, nil
}

func (r *TaskRepository) FindByExecution(ctx context.Context, tenant, executionID string) (*[]domain.Task, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT ` + TASK_COLUMNS + `
		FROM workflow_tasks
		WHERE tenant = ` + placeholder(1) + ` AND execution_id = ` + placeholder(2) + `
		ORDER BY created ASC
	`
	rows, err := r.db.QueryContext(ctx, query, tenant, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return &tasks, nil
}

type TaskHistoryRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewTaskHistoryRepository(db *sql.DB, clock core.Clock) *TaskHistoryRepository {
	return &TaskHistoryRepository{db: db, clock: clock}
}

func (r *TaskHistoryRepository) Save(ctx context.Context, h *domain.TaskHistory) (int64, error) {
	if h.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if h.DateTime.IsZero() {
		h.DateTime = r.clock.Now()
	}
	vals := []interface{}{h.Tenant, h.TaskID, h.Action, h.FromStatus, h.ToStatus, h.UserID, formatDateInDatabase(h.DateTime)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_task_history (
		tenant, task_id, action, from_status, to_status, user_id, date_time
	) VALUES (` + strings.Join(pps, ", ") + `)`
	var err error
	if supportsReturning() {
		query := base + " RETURNING id"
		err = r.db.QueryRowContext(ctx, query, vals...).Scan(&h.ID)
	} else {
		res, e := r.db.ExecContext(ctx, base, vals...)
		if e != nil {
			err = e
		} else {
			id, e2 := res.LastInsertId()
			if e2 != nil {
				err = e2
			} else {
				h.ID = id
			}
		}
	}
	return h.ID, err
}

func (r *TaskHistoryRepository) FindAllByTaskID(ctx context.Context, tenant, taskID string) (*[]domain.TaskHistory, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT id, tenant, task_id, action, from_status, to_status, user_id, date_time
		FROM workflow_task_history
		WHERE tenant = ` + placeholder(1) + ` AND task_id = ` + placeholder(2) + `
		ORDER BY date_time ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, tenant, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var history []domain.TaskHistory
	for rows.Next() {
		var h domain.TaskHistory
		if err := rows.Scan(&h.ID, &h.Tenant, &h.TaskID, &h.Action, &h.FromStatus, &h.ToStatus, &h.UserID, &h.DateTime); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return &history, nil
}
