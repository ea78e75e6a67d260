package domain

import (
	"database/sql"
	"time"
)

// WorkflowDefinition identity is (tenant, name, version). The Graph column
// holds the executable node graph as tagged-variant JSON. Published rows are
// immutable; a change is a new version row.
type WorkflowDefinition struct {
	ID          int64
	Tenant      string
	Name        string
	Version     int
	Description string
	Tags        sql.NullString // JSON list
	Author      sql.NullString
	Graph       string
	Created     time.Time
}

// FormDefinition names a form human tasks reference; versioned schemas hang
// off it in workflow_form_schemas.
type FormDefinition struct {
	ID      int64
	Tenant  string
	Name    string
	Created time.Time
}

type FormSchema struct {
	ID               int64
	Tenant           string
	FormDefinitionID int64
	Version          int
	Schema           string // JSON schema document
	Created          time.Time
}
