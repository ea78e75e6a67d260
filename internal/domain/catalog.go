package domain

import (
	"database/sql"
	"time"
)

// CatalogEvent declares a triggering event type a tenant may publish, with an
// optional JSON schema for its payload.
type CatalogEvent struct {
	ID            int64
	Tenant        string
	EventType     string
	Description   sql.NullString
	PayloadSchema sql.NullString
	Created       time.Time
}

// Trigger maps a catalog event to a workflow definition start.
type Trigger struct {
	ID             int64
	Tenant         string
	CatalogEventID int64
	DefinitionName string
	Created        time.Time
}

// EventMapping copies one field of the external event payload into a start
// parameter of the triggered execution.
type EventMapping struct {
	ID          int64
	Tenant      string
	TriggerID   int64
	SourceField string
	TargetVar   string
}

// EventAttachment records that a workflow definition listens to a catalog
// event; delivery is skipped while IsActive is false.
type EventAttachment struct {
	ID             int64
	Tenant         string
	CatalogEventID int64
	DefinitionName string
	IsActive       bool
	Created        time.Time
}
