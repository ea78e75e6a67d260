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

type TaskDefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewTaskDefinitionRepository(db *sql.DB, clock core.Clock) *TaskDefinitionRepository {
	return &TaskDefinitionRepository{db: db, clock: clock}
}

func (r *TaskDefinitionRepository) Save(ctx context.Context, d *domain.TaskDefinition) (int64, error) {
	if d.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if d.Created.IsZero() {
		d.Created = r.clock.Now()
	}
	vals := []interface{}{d.Tenant, d.TaskType, d.FormDefinitionID, d.DefaultPriority, d.DefaultSLADays, d.AllowAnyAssignee, formatDateInDatabase(d.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_task_definitions (
		tenant, task_type, form_definition_id, default_priority, default_sla_days, allow_any_assignee, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&d.ID)
	} else {
		res, e := r.db.ExecContext(ctx, base, vals...)
		if e != nil {
			err = e
		} else {
			id, e2 := res.LastInsertId()
			if e2 != nil {
				err = e2
			} else {
				d.ID = id
			}
		}
	}
	return d.ID, err
}

func (r *TaskDefinitionRepository) FindByType(ctx context.Context, tenant, taskType string) (*domain.TaskDefinition, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT id, tenant, task_type, form_definition_id, default_priority, default_sla_days, allow_any_assignee, created
		FROM workflow_task_definitions
		WHERE tenant = ` + placeholder(1) + ` AND task_type = ` + placeholder(2) + `
	`
	var d domain.TaskDefinition
	err := r.db.QueryRowContext(ctx, query, tenant, taskType).Scan(
		&d.ID, &d.Tenant, &d.TaskType, &d.FormDefinitionID, &d.DefaultPriority, &d.DefaultSLADays, &d.AllowAnyAssignee, &d.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task definition %s: %w", taskType, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}
