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

const EXECUTION_COLUMNS = ` id, tenant, definition_name, definition_version, status,
		       current_state, context_data, wait_events, wait_deadline,
		       business_key, created, modified `

type ExecutionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewExecutionRepository(db *sql.DB, clock core.Clock) *ExecutionRepository {
	return &ExecutionRepository{db: db, clock: clock}
}

func scanExecution(scan func(dest ...any) error) (*domain.WorkflowExecution, error) {
	var ex domain.WorkflowExecution
	err := scan(
		&ex.ID,
		&ex.Tenant,
		&ex.DefinitionName,
		&ex.DefinitionVersion,
		&ex.Status,
		&ex.CurrentState,
		&ex.ContextData,
		&ex.WaitEvents,
		&ex.WaitDeadline,
		&ex.BusinessKey,
		&ex.Created,
		&ex.Modified,
	)
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

func (r *ExecutionRepository) Save(ctx context.Context, ex *domain.WorkflowExecution) error {
	if ex.Tenant == "" {
		return domain.ErrMissingTenant
	}
	if ex.Created.IsZero() {
		ex.Created = r.clock.Now()
	}
	if ex.Modified.IsZero() {
		ex.Modified = ex.Created
	}
	vals := []interface{}{ex.ID, ex.Tenant, ex.DefinitionName, ex.DefinitionVersion, ex.Status,
		ex.CurrentState, ex.ContextData, ex.WaitEvents, formatDateInDatabaseNull(ex.WaitDeadline),
		ex.BusinessKey, formatDateInDatabase(ex.Created), formatDateInDatabase(ex.Modified)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	query := `INSERT INTO workflow_executions (
		id, tenant, definition_name, definition_version, status,
		current_state, context_data, wait_events, wait_deadline,
		business_key, created, modified
	) VALUES (` + strings.Join(pps, ", ") + `)`
	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

func (r *ExecutionRepository) FindByID(ctx context.Context, tenant, id string) (*domain.WorkflowExecution, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT ` + EXECUTION_COLUMNS + `
		FROM workflow_executions WHERE tenant = ` + placeholder(1) + ` AND id = ` + placeholder(2) + `
	`
	row := r.db.QueryRowContext(ctx, query, tenant, id)
	ex, err := scanExecution(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, domain.ErrNotFound)
	}
	return ex, err
}

// FindExpiredWaits returns active executions whose wait deadline elapsed; the
// sweeper synthesizes timeout events for them.
func (r *ExecutionRepository) FindExpiredWaits(ctx context.Context, limit int) (*[]domain.WorkflowExecution, error) {
	query := `
		SELECT ` + EXECUTION_COLUMNS + `
		FROM workflow_executions
		WHERE status = '` + domain.ExecutionActive + `'
		  AND wait_deadline IS NOT NULL
		  AND ` + dateBeforeNow("wait_deadline", r.clock) + `
		ORDER BY wait_deadline ASC
		LIMIT ` + placeholder(1) + `
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.WorkflowExecution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *ex)
	}
	return &executions, nil
}

// ClearWaitDeadline disarms an expired wait deadline after the sweeper
// published the synthesized timeout event, so the next sweep does not publish
// it again. Wait bookkeeping is not replay state; this bypasses the ledger on
// purpose.
func (r *ExecutionRepository) ClearWaitDeadline(ctx context.Context, tenant, id string) error {
	if tenant == "" {
		return domain.ErrMissingTenant
	}
	query := `
		UPDATE workflow_executions
		SET wait_deadline = NULL, modified = ` + nowFunc(r.clock) + `
		WHERE tenant = ` + placeholder(1) + ` AND id = ` + placeholder(2) + `
	`
	_, err := r.db.ExecContext(ctx, query, tenant, id)
	return err
}

// SearchExecutionsRequest filters the read API listing.
type SearchExecutionsRequest struct {
	Tenant         string `json:"tenant"`
	ID             string `json:"id"`
	DefinitionName string `json:"definitionName"`
	BusinessKey    string `json:"businessKey"`
	Status         string `json:"status"`
	Limit          int64  `json:"limit"`
	Offset         int64  `json:"offset"`
}

func (r *ExecutionRepository) Search(ctx context.Context, req SearchExecutionsRequest) (*[]domain.WorkflowExecution, error) {
	if req.Tenant == "" {
		return nil, domain.ErrMissingTenant
	}

	args := []interface{}{req.Tenant}
	clauses := []string{"tenant = " + placeholder(1)}
	if req.ID != "" {
		args = append(args, req.ID)
		clauses = append(clauses, "id = "+placeholder(len(args)))
	}
	if req.DefinitionName != "" {
		args = append(args, req.DefinitionName)
		clauses = append(clauses, "definition_name = "+placeholder(len(args)))
	}
	if req.BusinessKey != "" {
		args = append(args, req.BusinessKey)
		clauses = append(clauses, "business_key = "+placeholder(len(args)))
	}
	if req.Status != "" {
		args = append(args, req.Status)
		clauses = append(clauses, "status = "+placeholder(len(args)))
	}

	limits := ""
	if req.Limit > 0 {
		limits = fmt.Sprintf(" LIMIT %d OFFSET %d", req.Limit, req.Offset)
	}

	query := `
		SELECT ` + EXECUTION_COLUMNS + `
		FROM workflow_executions
		WHERE ` + strings.Join(clauses, " AND ") + `
		ORDER BY created DESC` + limits

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.WorkflowExecution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *ex)
	}
	return &executions, nil
}

// StatusOverviewRow holds grouped counts by definition for the read API.
type StatusOverviewRow struct {
	DefinitionName string
	ActiveCount    int
	PausedCount    int
	CompletedCount int
	FailedCount    int
	CancelledCount int
}

func (r *ExecutionRepository) Overview(ctx context.Context, tenant string) ([]StatusOverviewRow, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
SELECT
    definition_name,
    SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END) AS active_count,
    SUM(CASE WHEN status = 'paused' THEN 1 ELSE 0 END) AS paused_count,
    SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) AS completed_count,
    SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) AS failed_count,
    SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END) AS cancelled_count
FROM workflow_executions
WHERE tenant = ` + placeholder(1) + `
GROUP BY definition_name
	`
	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []StatusOverviewRow
	for rows.Next() {
		var row StatusOverviewRow
		if err := rows.Scan(&row.DefinitionName, &row.ActiveCount, &row.PausedCount, &row.CompletedCount, &row.FailedCount, &row.CancelledCount); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	return res, nil
}
