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

// CatalogRepository covers the trigger plumbing: declared event types, the
// triggers that start workflows from them, field mappings and the per-tenant
// attachment toggles.
type CatalogRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewCatalogRepository(db *sql.DB, clock core.Clock) *CatalogRepository {
	return &CatalogRepository{db: db, clock: clock}
}

func (r *CatalogRepository) SaveCatalogEvent(ctx context.Context, e *domain.CatalogEvent) (int64, error) {
	if e.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if e.Created.IsZero() {
		e.Created = r.clock.Now()
	}
	vals := []interface{}{e.Tenant, e.EventType, e.Description, e.PayloadSchema, formatDateInDatabase(e.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO event_catalog (
		tenant, event_type, description, payload_schema, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&e.ID)
	} else {
		res, e2 := r.db.ExecContext(ctx, base, vals...)
		if e2 != nil {
			err = e2
		} else {
			id, e3 := res.LastInsertId()
			if e3 != nil {
				err = e3
			} else {
				e.ID = id
			}
		}
	}
	return e.ID, err
}

func (r *CatalogRepository) FindCatalogEvent(ctx context.Context, tenant, eventType string) (*domain.CatalogEvent, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT id, tenant, event_type, description, payload_schema, created
		FROM event_catalog
		WHERE tenant = ` + placeholder(1) + ` AND event_type = ` + placeholder(2) + `
	`
	var e domain.CatalogEvent
	err := r.db.QueryRowContext(ctx, query, tenant, eventType).Scan(
		&e.ID, &e.Tenant, &e.EventType, &e.Description, &e.PayloadSchema, &e.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("catalog event %s: %w", eventType, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *CatalogRepository) SaveTrigger(ctx context.Context, t *domain.Trigger) (int64, error) {
	if t.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if t.Created.IsZero() {
		t.Created = r.clock.Now()
	}
	vals := []interface{}{t.Tenant, t.CatalogEventID, t.DefinitionName, formatDateInDatabase(t.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_triggers (
		tenant, catalog_event_id, definition_name, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&t.ID)
	} else {
		res, e := r.db.ExecContext(ctx, base, vals...)
		if e != nil {
			err = e
		} else {
			id, e2 := res.LastInsertId()
			if e2 != nil {
				err = e2
			} else {
				t.ID = id
			}
		}
	}
	return t.ID, err
}

func (r *CatalogRepository) SaveMapping(ctx context.Context, m *domain.EventMapping) error {
	if m.Tenant == "" {
		return domain.ErrMissingTenant
	}
	vals := []interface{}{m.Tenant, m.TriggerID, m.SourceField, m.TargetVar}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	query := `INSERT INTO workflow_event_mappings (
		tenant, trigger_id, source_field, target_var
	) VALUES (` + strings.Join(pps, ", ") + `)`
	_, err := r.db.ExecContext(ctx, query, vals...)
	return err
}

func (r *CatalogRepository) FindMappings(ctx context.Context, tenant string, triggerID int64) ([]domain.EventMapping, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT id, tenant, trigger_id, source_field, target_var
		FROM workflow_event_mappings
		WHERE tenant = ` + placeholder(1) + ` AND trigger_id = ` + placeholder(2) + `
		ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, tenant, triggerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var mappings []domain.EventMapping
	for rows.Next() {
		var m domain.EventMapping
		if err := rows.Scan(&m.ID, &m.Tenant, &m.TriggerID, &m.SourceField, &m.TargetVar); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

func (r *CatalogRepository) SaveAttachment(ctx context.Context, a *domain.EventAttachment) (int64, error) {
	if a.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if a.Created.IsZero() {
		a.Created = r.clock.Now()
	}
	vals := []interface{}{a.Tenant, a.CatalogEventID, a.DefinitionName, a.IsActive, formatDateInDatabase(a.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_event_attachments (
		tenant, catalog_event_id, definition_name, is_active, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&a.ID)
	} else {
		res, e := r.db.ExecContext(ctx, base, vals...)
		if e != nil {
			err = e
		} else {
			id, e2 := res.LastInsertId()
			if e2 != nil {
				err = e2
			} else {
				a.ID = id
			}
		}
	}
	return a.ID, err
}

// SetAttachmentActive toggles delivery for one attachment.
func (r *CatalogRepository) SetAttachmentActive(ctx context.Context, tenant string, id int64, active bool) error {
	if tenant == "" {
		return domain.ErrMissingTenant
	}
	query := `
		UPDATE workflow_event_attachments
		SET is_active = ` + placeholder(1) + `
		WHERE tenant = ` + placeholder(2) + ` AND id = ` + placeholder(3) + `
	`
	_, err := r.db.ExecContext(ctx, query, active, tenant, id)
	return err
}

// TriggerBinding joins a trigger with its active attachment state; the router
// resolves these per incoming catalog event.
type TriggerBinding struct {
	Trigger        domain.Trigger
	DefinitionName string
}

// FindActiveBindings returns the triggers whose definitions are actively
// attached to the given catalog event type.
func (r *CatalogRepository) FindActiveBindings(ctx context.Context, tenant, eventType string) ([]TriggerBinding, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT t.id, t.tenant, t.catalog_event_id, t.definition_name, t.created
		FROM workflow_triggers t
		JOIN event_catalog c ON c.id = t.catalog_event_id AND c.tenant = t.tenant
		JOIN workflow_event_attachments a
		  ON a.catalog_event_id = c.id
		 AND a.definition_name = t.definition_name
		 AND a.tenant = t.tenant
		WHERE t.tenant = ` + placeholder(1) + `
		  AND c.event_type = ` + placeholder(2) + `
		  AND a.is_active = ` + placeholder(3) + `
		ORDER BY t.id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, tenant, eventType, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var bindings []TriggerBinding
	for rows.Next() {
		var t domain.Trigger
		if err := rows.Scan(&t.ID, &t.Tenant, &t.CatalogEventID, &t.DefinitionName, &t.Created); err != nil {
			return nil, err
		}
		bindings = append(bindings, TriggerBinding{Trigger: t, DefinitionName: t.DefinitionName})
	}
	return bindings, nil
}
