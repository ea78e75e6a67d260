package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tallyworks/flowline/internal/config"
)

// GlobalChannel is the executionID used to address the tenant-wide stream
// that trigger routing and cross-workflow signals flow through.
const GlobalChannel = "global"

// Message is the envelope carried on every stream entry. Payload is the raw
// JSON document the producer attached; consumers hand it to the engine
// untouched so that a DLQ reprocess is byte-for-byte identical.
type Message struct {
	ID          string // redis stream entry id, set on read
	MessageID   string // producer-assigned id, used for idempotent redelivery
	Tenant      string
	ExecutionID string
	EventName   string
	Payload     string
	EmittedAt   time.Time
}

// Client wraps a single redis connection and knows the key layout for
// execution streams, the global channel and the dead letter queue.
type Client struct {
	rdb *redis.Client
}

// NewClient wraps an existing redis client, used by tests with miniredis.
func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Open connects to redis using the system settings and verifies the
// connection with a ping before returning.
func Open(ctx context.Context) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     config.GetSystemSettingString(config.REDIS_ADDR),
		Password: config.GetSystemSettingString(config.REDIS_PASSWORD),
		DB:       config.GetSystemSettingInteger(config.REDIS_DB),
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Info("Connected to redis", "addr", config.GetSystemSettingString(config.REDIS_ADDR))
	return &Client{rdb: rdb}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

// ExecutionStream returns the stream key for one execution. Passing
// GlobalChannel addresses the tenant-wide channel instead.
func ExecutionStream(tenant, executionID string) string {
	return fmt.Sprintf("flowline:%s:exec:%s", tenant, executionID)
}

// GlobalStream returns the tenant-wide channel key.
func GlobalStream(tenant string) string {
	return ExecutionStream(tenant, GlobalChannel)
}

// streamRegistry is the set of live stream keys consumers partition among
// themselves. Keys are added on publish and carry the tenant in the key
// itself.
const streamRegistry = "flowline:streams"

// Publish appends a message to the stream for msg.ExecutionID and registers
// the stream key for consumer discovery. The entry id is assigned by redis so
// ordering within a stream is the append order.
func (c *Client) Publish(ctx context.Context, msg Message) (string, error) {
	if msg.Tenant == "" {
		return "", errors.New("publish: missing tenant")
	}
	if msg.ExecutionID == "" {
		return "", errors.New("publish: missing execution id")
	}
	key := ExecutionStream(msg.Tenant, msg.ExecutionID)
	pipe := c.rdb.TxPipeline()
	add := pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: fieldsOf(msg)})
	pipe.SAdd(ctx, streamRegistry, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("xadd %s: %w", msg.EventName, err)
	}
	return add.Val(), nil
}

// ActiveStreams returns every registered stream key.
func (c *Client) ActiveStreams(ctx context.Context) ([]string, error) {
	keys, err := c.rdb.SMembers(ctx, streamRegistry).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", streamRegistry, err)
	}
	return keys, nil
}

// ForgetStream drops a drained stream key from the registry.
func (c *Client) ForgetStream(ctx context.Context, key string) error {
	return c.rdb.SRem(ctx, streamRegistry, key).Err()
}

// EnsureGroup creates the consumer group on a stream, creating the stream
// itself when it does not exist yet. Safe to call repeatedly.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	var redisErr redis.Error
	return errors.As(err, &redisErr) && len(redisErr.Error()) >= 9 && redisErr.Error()[:9] == "BUSYGROUP"
}

// Read blocks up to block waiting for undelivered entries across the given
// streams for the group and consumer name. A nil slice with a nil error means
// the block expired with nothing to do.
func (c *Client) Read(ctx context.Context, streams []string, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	return c.readGroup(ctx, streams, group, consumer, count, block, ">")
}

// ReadBacklog returns entries previously delivered to this consumer but never
// acknowledged: the redelivery path after a crash or a pause.
func (c *Client) ReadBacklog(ctx context.Context, streams []string, group, consumer string, count int64) ([]Message, error) {
	return c.readGroup(ctx, streams, group, consumer, count, -1, "0")
}

func (c *Client) readGroup(ctx context.Context, streams []string, group, consumer string,
	count int64, block time.Duration, id string) ([]Message, error) {
	if len(streams) == 0 {
		return nil, nil
	}
	args := make([]string, 0, len(streams)*2)
	args = append(args, streams...)
	for range streams {
		args = append(args, id)
	}
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  args,
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, s := range res {
		for _, entry := range s.Messages {
			out = append(out, messageOf(entry))
		}
	}
	return out, nil
}

// ClaimStale takes ownership of pending entries left idle for at least
// minIdle by any consumer of the group, dead or alive under another name.
// This is the recovery path for a worker that was replaced rather than
// restarted: its per-consumer backlog would otherwise stay orphaned forever.
func (c *Client) ClaimStale(ctx context.Context, stream, group, consumer string,
	minIdle time.Duration, count int64) ([]Message, error) {
	entries, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	var out []Message
	for _, entry := range entries {
		out = append(out, messageOf(entry))
	}
	return out, nil
}

// Ack acknowledges an entry for the group. Called only after the engine has
// durably recorded the outcome, so a crash before ack means redelivery.
func (c *Client) Ack(ctx context.Context, stream, group, id string) error {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, id, err)
	}
	return nil
}

func fieldsOf(msg Message) map[string]interface{} {
	return map[string]interface{}{
		"message_id":   msg.MessageID,
		"tenant":       msg.Tenant,
		"execution_id": msg.ExecutionID,
		"event_name":   msg.EventName,
		"payload":      msg.Payload,
		"emitted_at":   msg.EmittedAt.UTC().Format(time.RFC3339Nano),
	}
}

func messageOf(entry redis.XMessage) Message {
	msg := Message{ID: entry.ID}
	if v, ok := entry.Values["message_id"].(string); ok {
		msg.MessageID = v
	}
	if v, ok := entry.Values["tenant"].(string); ok {
		msg.Tenant = v
	}
	if v, ok := entry.Values["execution_id"].(string); ok {
		msg.ExecutionID = v
	}
	if v, ok := entry.Values["event_name"].(string); ok {
		msg.EventName = v
	}
	if v, ok := entry.Values["payload"].(string); ok {
		msg.Payload = v
	}
	if v, ok := entry.Values["emitted_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.EmittedAt = t
		}
	}
	return msg
}
