package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
)

// TriggerRouter consumes the tenant-wide global stream and starts executions
// for catalog events that have active workflow attachments. An event type
// nobody subscribes to is a permanent failure: the consumer parks it on the
// DLQ where an operator can inspect it.
type TriggerRouter struct {
	catalog CatalogRepo
	events  EventLedger
	engine  *Engine
}

func NewTriggerRouter(catalog CatalogRepo, events EventLedger, engine *Engine) *TriggerRouter {
	return &TriggerRouter{catalog: catalog, events: events, engine: engine}
}

// Handle routes one global stream message. Redelivery is idempotent per
// (message, bound definition): a binding that already started its execution
// is skipped, so a redelivery after a partial fan-out only starts the
// bindings that are still missing.
func (t *TriggerRouter) Handle(ctx context.Context, msg stream.Message) error {
	bindings, err := t.catalog.FindActiveBindings(ctx, msg.Tenant, msg.EventName)
	if err != nil {
		return err
	}
	if len(bindings) == 0 {
		return &retry.PermanentError{Err: fmt.Errorf("no active trigger for event type %q", msg.EventName)}
	}

	payload := map[string]any{}
	if msg.Payload != "" {
		if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
			return &retry.PermanentError{Err: fmt.Errorf("malformed payload on %q: %w", msg.EventName, err)}
		}
	}

	for _, binding := range bindings {
		if msg.MessageID != "" {
			applied, err := t.events.MessageAppliedToDefinition(ctx, msg.Tenant, msg.MessageID, binding.DefinitionName)
			if err != nil {
				return err
			}
			if applied {
				slog.InfoContext(ctx, "Trigger binding already applied",
					"message_id", msg.MessageID, "event", msg.EventName, "definition", binding.DefinitionName)
				continue
			}
		}
		vars, err := t.startVars(ctx, msg.Tenant, binding.Trigger.ID, payload)
		if err != nil {
			return err
		}
		businessKey, _ := payload["business_key"].(string)
		ex, err := t.engine.StartExecution(ctx, msg.Tenant, binding.DefinitionName, businessKey, vars, msg.MessageID)
		if err != nil {
			return fmt.Errorf("start %q for event %q: %w", binding.DefinitionName, msg.EventName, err)
		}
		slog.InfoContext(ctx, "Trigger started execution",
			"tenant", msg.Tenant, "event", msg.EventName, "definition", binding.DefinitionName, "execution_id", ex.ID)
	}
	return nil
}

// startVars applies the trigger's field mappings to the event payload. A
// trigger without mappings passes the payload through wholesale.
func (t *TriggerRouter) startVars(ctx context.Context, tenant string, triggerID int64, payload map[string]any) (map[string]any, error) {
	mappings, err := t.catalog.FindMappings(ctx, tenant, triggerID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		out := make(map[string]any, len(payload))
		for k, v := range payload {
			out[k] = v
		}
		return out, nil
	}
	vars := make(map[string]any, len(mappings))
	for _, m := range mappings {
		if v, ok := lookupField(payload, m.SourceField); ok {
			vars[m.TargetVar] = v
		}
	}
	return vars, nil
}

// lookupField resolves a dotted path into a nested payload document.
func lookupField(payload map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = payload
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
