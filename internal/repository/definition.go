package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/pkg/flowline/core"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

const DEFINITION_COLUMNS = ` id, tenant, name, version, description, tags, author, graph, created `

// DefinitionRepository stores versioned workflow definitions and the form
// schemas human tasks reference. Published rows are immutable: publishing a
// change inserts the next version, never updates in place.
type DefinitionRepository struct {
	db    *sql.DB
	clock core.Clock
}

func NewDefinitionRepository(db *sql.DB, clock core.Clock) *DefinitionRepository {
	return &DefinitionRepository{db: db, clock: clock}
}

// Publish validates the graph and inserts it as the next version for
// (tenant, name).
func (r *DefinitionRepository) Publish(ctx context.Context, d *domain.WorkflowDefinition) (int, error) {
	if d.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if _, err := graph.Parse([]byte(d.Graph)); err != nil {
		return 0, fmt.Errorf("definition %s: %w", d.Name, err)
	}
	if d.Created.IsZero() {
		d.Created = r.clock.Now()
	}

	var maxVersion sql.NullInt64
	verQuery := `
		SELECT MAX(version) FROM workflow_definitions
		WHERE tenant = ` + placeholder(1) + ` AND name = ` + placeholder(2) + `
	`
	if err := r.db.QueryRowContext(ctx, verQuery, d.Tenant, d.Name).Scan(&maxVersion); err != nil {
		return 0, err
	}
	d.Version = int(maxVersion.Int64) + 1

	vals := []interface{}{d.Tenant, d.Name, d.Version, d.Description, d.Tags, d.Author, d.Graph, formatDateInDatabase(d.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	base := `INSERT INTO workflow_definitions (
		tenant, name, version, description, tags, author, graph, created
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
	return d.Version, err
}

func scanDefinition(scan func(dest ...any) error) (*domain.WorkflowDefinition, error) {
	var d domain.WorkflowDefinition
	err := scan(&d.ID, &d.Tenant, &d.Name, &d.Version, &d.Description, &d.Tags, &d.Author, &d.Graph, &d.Created)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DefinitionRepository) FindByNameVersion(ctx context.Context, tenant, name string, version int) (*domain.WorkflowDefinition, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions
		WHERE tenant = ` + placeholder(1) + ` AND name = ` + placeholder(2) + ` AND version = ` + placeholder(3) + `
	`
	row := r.db.QueryRowContext(ctx, query, tenant, name, version)
	d, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s v%d: %w", name, version, domain.ErrNotFound)
	}
	return d, err
}

// FindLatest returns the highest published version of a definition.
func (r *DefinitionRepository) FindLatest(ctx context.Context, tenant, name string) (*domain.WorkflowDefinition, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions
		WHERE tenant = ` + placeholder(1) + ` AND name = ` + placeholder(2) + `
		ORDER BY version DESC
		LIMIT 1
	`
	row := r.db.QueryRowContext(ctx, query, tenant, name)
	d, err := scanDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("definition %s: %w", name, domain.ErrNotFound)
	}
	return d, err
}

// FindAll lists the latest version of every definition for a tenant.
func (r *DefinitionRepository) FindAll(ctx context.Context, tenant string) (*[]domain.WorkflowDefinition, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT ` + DEFINITION_COLUMNS + `
		FROM workflow_definitions d
		WHERE tenant = ` + placeholder(1) + `
		  AND version = (
		      SELECT MAX(version) FROM workflow_definitions
		      WHERE tenant = d.tenant AND name = d.name
		  )
		ORDER BY name ASC
	`
	rows, err := r.db.QueryContext(ctx, query, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var defs []domain.WorkflowDefinition
	for rows.Next() {
		d, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *d)
	}
	return &defs, nil
}

// SaveFormDefinition inserts a form shell; schemas version separately.
func (r *DefinitionRepository) SaveFormDefinition(ctx context.Context, f *domain.FormDefinition) (int64, error) {
	if f.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	if f.Created.IsZero() {
		f.Created = r.clock.Now()
	}
	vals := []interface{}{f.Tenant, f.Name, formatDateInDatabase(f.Created)}
	base := `INSERT INTO workflow_form_definitions (tenant, name, created) VALUES (` +
		placeholder(1) + `, ` + placeholder(2) + `, ` + placeholder(3) + `)`
	var err error
	if supportsReturning() {
		err = r.db.QueryRowContext(ctx, base+" RETURNING id", vals...).Scan(&f.ID)
	} else {
		res, e := r.db.ExecContext(ctx, base, vals...)
		if e != nil {
			err = e
		} else {
			id, e2 := res.LastInsertId()
			if e2 != nil {
				err = e2
			} else {
				f.ID = id
			}
		}
	}
	return f.ID, err
}

// SaveFormSchema appends the next schema version for a form definition.
func (r *DefinitionRepository) SaveFormSchema(ctx context.Context, s *domain.FormSchema) (int, error) {
	if s.Tenant == "" {
		return 0, domain.ErrMissingTenant
	}
	var maxVersion sql.NullInt64
	verQuery := `
		SELECT MAX(version) FROM workflow_form_schemas
		WHERE tenant = ` + placeholder(1) + ` AND form_definition_id = ` + placeholder(2) + `
	`
	if err := r.db.QueryRowContext(ctx, verQuery, s.Tenant, s.FormDefinitionID).Scan(&maxVersion); err != nil {
		return 0, err
	}
	s.Version = int(maxVersion.Int64) + 1
	if s.Created.IsZero() {
		s.Created = r.clock.Now()
	}
	vals := []interface{}{s.Tenant, s.FormDefinitionID, s.Version, s.Schema, formatDateInDatabase(s.Created)}
	pps := make([]string, 0, len(vals))
	for i := range vals {
		pps = append(pps, placeholder(i+1))
	}
	query := `INSERT INTO workflow_form_schemas (
		tenant, form_definition_id, version, schema_doc, created
	) VALUES (` + strings.Join(pps, ", ") + `)`
	_, err := r.db.ExecContext(ctx, query, vals...)
	return s.Version, err
}

// FindLatestFormSchema returns the newest schema for a form definition.
func (r *DefinitionRepository) FindLatestFormSchema(ctx context.Context, tenant string, formDefinitionID int64) (*domain.FormSchema, error) {
	if tenant == "" {
		return nil, domain.ErrMissingTenant
	}
	query := `
		SELECT id, tenant, form_definition_id, version, schema_doc, created
		FROM workflow_form_schemas
		WHERE tenant = ` + placeholder(1) + ` AND form_definition_id = ` + placeholder(2) + `
		ORDER BY version DESC
		LIMIT 1
	`
	var s domain.FormSchema
	err := r.db.QueryRowContext(ctx, query, tenant, formDefinitionID).Scan(
		&s.ID, &s.Tenant, &s.FormDefinitionID, &s.Version, &s.Schema, &s.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("form schema for definition %d: %w", formDefinitionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
