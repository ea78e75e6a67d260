package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tallyworks/flowline/internal/stream"
)

// ApprovalGraph is the canonical human-in-the-loop flow: a priced action, a
// task-backed wait on the approval decision, and an emitted outcome event.
const ApprovalGraph = `[
	{
		"type": "action",
		"name": "price",
		"action": {
			"handler": "price_order",
			"args": {"amount": "$amount"},
			"result_var": "total"
		}
	},
	{
		"type": "event_wait",
		"name": "approval",
		"wait": {
			"events": ["approval.decided"],
			"capture_var": "decision",
			"task": {
				"task_type": "approve_request",
				"completion_event": "approval.decided",
				"assigned_roles": ["manager"]
			}
		}
	},
	{
		"type": "event_emit",
		"emit": {
			"event": "order.approved",
			"payload": {"total": "$total", "approved": "$approved"}
		}
	}
]`

// PipelineGraph exercises the remaining node kinds without human input: a
// transition, a conditional over a start parameter and a counting loop.
const PipelineGraph = `[
	{
		"type": "state_transition",
		"transition": {"set": {"stage": "screening"}}
	},
	{
		"type": "conditional",
		"name": "gate",
		"conditional": {
			"if": {"var": "amount", "op": "gte", "value": 100},
			"then": [
				{"type": "state_transition", "transition": {"set": {"tier": "review"}}}
			],
			"else": [
				{"type": "state_transition", "transition": {"set": {"tier": "auto"}}}
			]
		}
	},
	{
		"type": "loop",
		"name": "retries",
		"loop": {
			"kind": "for",
			"count": 2,
			"body": [
				{"type": "action", "action": {"handler": "probe", "result_var": "probed"}}
			]
		}
	}
]`

// MemoryStreams is an in-process stand-in for the redis stream client. It
// records published messages and dead letters; reads return nothing because
// scenario tests hand messages to the engine directly.
type MemoryStreams struct {
	mu          sync.Mutex
	Published   []stream.Message
	DeadLetters []stream.Message
}

func (m *MemoryStreams) Publish(ctx context.Context, msg stream.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Published = append(m.Published, msg)
	return fmt.Sprintf("mem-%d", len(m.Published)), nil
}

func (m *MemoryStreams) ActiveStreams(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (m *MemoryStreams) EnsureGroup(ctx context.Context, streamKey, group string) error {
	return nil
}

func (m *MemoryStreams) Read(ctx context.Context, streams []string, group, consumer string,
	count int64, block time.Duration) ([]stream.Message, error) {
	return nil, nil
}

func (m *MemoryStreams) ReadBacklog(ctx context.Context, streams []string, group, consumer string,
	count int64) ([]stream.Message, error) {
	return nil, nil
}

func (m *MemoryStreams) ClaimStale(ctx context.Context, streamKey, group, consumer string,
	minIdle time.Duration, count int64) ([]stream.Message, error) {
	return nil, nil
}

func (m *MemoryStreams) Ack(ctx context.Context, streamKey, group, id string) error {
	return nil
}

func (m *MemoryStreams) MoveToDLQ(ctx context.Context, group string, msg stream.Message, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeadLetters = append(m.DeadLetters, msg)
	return nil
}

func (m *MemoryStreams) ForgetStream(ctx context.Context, key string) error { return nil }

// Last returns the most recently published message.
func (m *MemoryStreams) Last() stream.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Published[len(m.Published)-1]
}
