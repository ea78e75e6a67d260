package engine

import (
	"context"
	"time"

	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/repository"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/pkg/flowline/graph"
)

// ExecutionRepo is the projection persistence the engine needs, matching
// repository.ExecutionRepository.
type ExecutionRepo interface {
	Save(ctx context.Context, ex *domain.WorkflowExecution) error
	FindByID(ctx context.Context, tenant, id string) (*domain.WorkflowExecution, error)
	FindExpiredWaits(ctx context.Context, limit int) (*[]domain.WorkflowExecution, error)
	ClearWaitDeadline(ctx context.Context, tenant, id string) error
}

// EventLedger is the event store surface the engine appends to and replays
// from, matching repository.EventStore.
type EventLedger interface {
	Append(ctx context.Context, ev *domain.WorkflowEvent, expectedState string, upd repository.ProjectionUpdate) (string, error)
	HasMessage(ctx context.Context, tenant, executionID, messageID string) (bool, error)
	MessageAppliedToDefinition(ctx context.Context, tenant, messageID, definitionName string) (bool, error)
}

// DefinitionRepo resolves published workflow definitions, matching
// repository.DefinitionRepository.
type DefinitionRepo interface {
	FindLatest(ctx context.Context, tenant, name string) (*domain.WorkflowDefinition, error)
	FindByNameVersion(ctx context.Context, tenant, name string, version int) (*domain.WorkflowDefinition, error)
}

// CatalogRepo resolves trigger bindings for the router, matching
// repository.CatalogRepository.
type CatalogRepo interface {
	FindActiveBindings(ctx context.Context, tenant, eventType string) ([]repository.TriggerBinding, error)
	FindMappings(ctx context.Context, tenant string, triggerID int64) ([]domain.EventMapping, error)
}

// Inbox is the task inbox surface wait nodes and lifecycle operations use,
// matching tasks.Service.
type Inbox interface {
	CreateForWait(ctx context.Context, tenant, executionID string, spec *graph.TaskSpec, contextData string) (*domain.Task, error)
	CancelForExecution(ctx context.Context, tenant, executionID string) error
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// StreamClient is the transport surface, matching stream.Client.
type StreamClient interface {
	Publish(ctx context.Context, msg stream.Message) (string, error)
	ActiveStreams(ctx context.Context) ([]string, error)
	EnsureGroup(ctx context.Context, streamKey, group string) error
	Read(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]stream.Message, error)
	ReadBacklog(ctx context.Context, streams []string, group, consumer string, count int64) ([]stream.Message, error)
	ClaimStale(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, count int64) ([]stream.Message, error)
	Ack(ctx context.Context, streamKey, group, id string) error
	MoveToDLQ(ctx context.Context, group string, msg stream.Message, cause error) error
	ForgetStream(ctx context.Context, key string) error
}
