package stream

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is one parked entry. Fields holds the original entry verbatim,
// so a reprocess re-injects exactly what the producer published.
type DeadLetter struct {
	ID           string
	OriginStream string
	OriginID     string
	Error        string
	ErrorStack   string
	MovedAt      time.Time
	Fields       map[string]string
}

const (
	dlqFieldError  = "dlq_error"
	dlqFieldStack  = "dlq_error_stack"
	dlqFieldOrigin = "dlq_origin_stream"
	dlqFieldID     = "dlq_original_id"
	dlqFieldMoved  = "dlq_moved_at"
)

func dlqStream(tenant, executionID string) string {
	return fmt.Sprintf("flowline:%s:dlq:%s", tenant, executionID)
}

// MoveToDLQ parks a poisoned message on the DLQ for its execution and
// acknowledges the original entry so the group stops redelivering it. The
// message fields are copied unchanged alongside the failure metadata.
func (c *Client) MoveToDLQ(ctx context.Context, group string, msg Message, cause error) error {
	values := fieldsOf(msg)
	values[dlqFieldError] = cause.Error()
	values[dlqFieldStack] = string(debug.Stack())
	values[dlqFieldOrigin] = ExecutionStream(msg.Tenant, msg.ExecutionID)
	values[dlqFieldID] = msg.ID
	values[dlqFieldMoved] = time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStream(msg.Tenant, msg.ExecutionID),
		Values: values,
	}).Result(); err != nil {
		return fmt.Errorf("dlq xadd: %w", err)
	}
	if err := c.Ack(ctx, ExecutionStream(msg.Tenant, msg.ExecutionID), group, msg.ID); err != nil {
		return err
	}
	slog.Warn("Moved message to dead letter queue",
		"tenant", msg.Tenant, "executionId", msg.ExecutionID, "messageId", msg.MessageID, "error", cause.Error())
	return nil
}

// ListDLQ returns up to limit parked entries for an execution, oldest first.
// A limit of zero defaults to 100. GlobalChannel addresses the global stream's
// dead letters.
func (c *Client) ListDLQ(ctx context.Context, tenant, executionID string, limit int64) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := c.rdb.XRangeN(ctx, dlqStream(tenant, executionID), "-", "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq xrange: %w", err)
	}
	out := make([]DeadLetter, 0, len(entries))
	for _, e := range entries {
		out = append(out, deadLetterOf(e))
	}
	return out, nil
}

// ViewDLQ returns one parked entry. messageID matches the producer-assigned
// message id, the original stream entry id or the DLQ entry id.
func (c *Client) ViewDLQ(ctx context.Context, tenant, executionID, messageID string) (*DeadLetter, error) {
	entries, err := c.rdb.XRange(ctx, dlqStream(tenant, executionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("dlq xrange: %w", err)
	}
	for _, e := range entries {
		dl := deadLetterOf(e)
		if dl.ID == messageID || dl.OriginID == messageID || dl.Fields["message_id"] == messageID {
			return &dl, nil
		}
	}
	return nil, nil
}

// ReprocessDLQ re-injects a parked entry at the tail of its origin stream and
// removes it from the DLQ. The re-injected fields are the original ones; only
// the redis entry id is new, so it lands after anything published meanwhile.
// Returns false when no such entry exists.
func (c *Client) ReprocessDLQ(ctx context.Context, tenant, executionID, messageID string) (bool, error) {
	dl, err := c.ViewDLQ(ctx, tenant, executionID, messageID)
	if err != nil {
		return false, err
	}
	if dl == nil {
		return false, nil
	}
	values := make(map[string]interface{}, len(dl.Fields))
	for k, v := range dl.Fields {
		values[k] = v
	}
	newID, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: dl.OriginStream, Values: values}).Result()
	if err != nil {
		return false, fmt.Errorf("dlq reinject: %w", err)
	}
	if err := c.rdb.XDel(ctx, dlqStream(tenant, executionID), dl.ID).Err(); err != nil {
		return false, fmt.Errorf("dlq xdel %s: %w", dl.ID, err)
	}
	slog.Info("Reprocessed dead letter",
		"tenant", tenant, "executionId", executionID, "messageId", messageID, "stream", dl.OriginStream, "newId", newID)
	return true, nil
}

func deadLetterOf(entry redis.XMessage) DeadLetter {
	dl := DeadLetter{ID: entry.ID, Fields: make(map[string]string, len(entry.Values))}
	for k, v := range entry.Values {
		s, _ := v.(string)
		switch k {
		case dlqFieldError:
			dl.Error = s
		case dlqFieldStack:
			dl.ErrorStack = s
		case dlqFieldOrigin:
			dl.OriginStream = s
		case dlqFieldID:
			dl.OriginID = s
		case dlqFieldMoved:
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				dl.MovedAt = t
			}
		default:
			dl.Fields[k] = s
		}
	}
	return dl
}
