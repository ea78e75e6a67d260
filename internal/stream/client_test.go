package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewClient(rdb)
}

func TestPublishReadAckRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	key := ExecutionStream("acme", "ex-1")
	if err := c.EnsureGroup(ctx, key, "engine"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	emitted := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	id, err := c.Publish(ctx, Message{
		MessageID:   "m-1",
		Tenant:      "acme",
		ExecutionID: "ex-1",
		EventName:   "order.created",
		Payload:     `{"total": 42}`,
		EmittedAt:   emitted,
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id == "" {
		t.Fatal("Publish returned an empty entry id")
	}

	msgs, err := c.Read(ctx, []string{key}, "engine", "worker-0", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("read %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != id || got.MessageID != "m-1" || got.EventName != "order.created" {
		t.Fatalf("round trip mangled the message: %+v", got)
	}
	if got.Payload != `{"total": 42}` {
		t.Fatalf("payload altered: %q", got.Payload)
	}
	if !got.EmittedAt.Equal(emitted) {
		t.Fatalf("emitted at %v, want %v", got.EmittedAt, emitted)
	}

	if err := c.Ack(ctx, key, "engine", got.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	backlog, err := c.ReadBacklog(ctx, []string{key}, "engine", "worker-0", 10)
	if err != nil {
		t.Fatalf("ReadBacklog: %v", err)
	}
	if len(backlog) != 0 {
		t.Fatalf("acked entry still in backlog: %+v", backlog)
	}
}

func TestUnackedEntryStaysInBacklog(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	key := ExecutionStream("acme", "ex-1")
	c.EnsureGroup(ctx, key, "engine")
	c.Publish(ctx, Message{MessageID: "m-1", Tenant: "acme", ExecutionID: "ex-1", EventName: "e"})

	if _, err := c.Read(ctx, []string{key}, "engine", "worker-0", 10, time.Millisecond); err != nil {
		t.Fatalf("Read: %v", err)
	}

	// Crash without ack: the same consumer finds the entry in its backlog.
	backlog, err := c.ReadBacklog(ctx, []string{key}, "engine", "worker-0", 10)
	if err != nil {
		t.Fatalf("ReadBacklog: %v", err)
	}
	if len(backlog) != 1 || backlog[0].MessageID != "m-1" {
		t.Fatalf("backlog = %+v, want the unacked entry", backlog)
	}
}

func TestPublishRegistersStream(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	c.Publish(ctx, Message{MessageID: "m-1", Tenant: "acme", ExecutionID: "ex-1", EventName: "e"})
	c.Publish(ctx, Message{MessageID: "m-2", Tenant: "acme", ExecutionID: GlobalChannel, EventName: "e"})

	keys, err := c.ActiveStreams(ctx)
	if err != nil {
		t.Fatalf("ActiveStreams: %v", err)
	}
	want := map[string]bool{
		ExecutionStream("acme", "ex-1"): false,
		GlobalStream("acme"):            false,
	}
	for _, k := range keys {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Fatalf("stream %s not registered (have %v)", k, keys)
		}
	}

	if err := c.ForgetStream(ctx, ExecutionStream("acme", "ex-1")); err != nil {
		t.Fatalf("ForgetStream: %v", err)
	}
	keys, _ = c.ActiveStreams(ctx)
	for _, k := range keys {
		if k == ExecutionStream("acme", "ex-1") {
			t.Fatal("forgotten stream still registered")
		}
	}
}

func TestClaimStaleRecoversReplacedConsumerEntry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := ExecutionStream("acme", "ex-1")
	c.EnsureGroup(ctx, key, "engine")
	c.Publish(ctx, Message{MessageID: "m-1", Tenant: "acme", ExecutionID: "ex-1", EventName: "e"})

	// worker-old reads the entry and disappears without acking; a rescheduled
	// node comes back under a different consumer name, so the entry is not in
	// worker-new's own backlog and must be claimed over.
	if _, err := c.Read(ctx, []string{key}, "engine", "worker-old", 10, time.Millisecond); err != nil {
		t.Fatalf("Read: %v", err)
	}
	backlog, err := c.ReadBacklog(ctx, []string{key}, "engine", "worker-new", 10)
	if err != nil {
		t.Fatalf("ReadBacklog: %v", err)
	}
	if len(backlog) != 0 {
		t.Fatalf("another consumer's pending entry showed up in the backlog: %+v", backlog)
	}

	claimed, err := c.ClaimStale(ctx, key, "engine", "worker-new", 0, 10)
	if err != nil {
		t.Fatalf("ClaimStale: %v", err)
	}
	if len(claimed) != 1 || claimed[0].MessageID != "m-1" {
		t.Fatalf("claimed = %+v, want the orphaned entry", claimed)
	}

	// ownership moved: the entry now redelivers to worker-new, not worker-old
	if err := c.Ack(ctx, key, "engine", claimed[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	left, err := c.ClaimStale(ctx, key, "engine", "worker-new", 0, 10)
	if err != nil {
		t.Fatalf("ClaimStale after ack: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("acked entry still pending: %+v", left)
	}
}

func TestPublishValidation(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	if _, err := c.Publish(ctx, Message{ExecutionID: "ex-1"}); err == nil {
		t.Fatal("publish without tenant accepted")
	}
	if _, err := c.Publish(ctx, Message{Tenant: "acme"}); err == nil {
		t.Fatal("publish without execution id accepted")
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := ExecutionStream("acme", "ex-1")
	for i := 0; i < 2; i++ {
		if err := c.EnsureGroup(ctx, key, "engine"); err != nil {
			t.Fatalf("EnsureGroup #%d: %v", i+1, err)
		}
	}
}

func TestOrderingWithinStream(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := ExecutionStream("acme", "ex-1")
	c.EnsureGroup(ctx, key, "engine")

	for _, id := range []string{"m-1", "m-2", "m-3"} {
		if _, err := c.Publish(ctx, Message{MessageID: id, Tenant: "acme", ExecutionID: "ex-1", EventName: "e"}); err != nil {
			t.Fatalf("Publish %s: %v", id, err)
		}
	}
	msgs, err := c.Read(ctx, []string{key}, "engine", "worker-0", 10, time.Millisecond)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("read %d, want 3", len(msgs))
	}
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		if msgs[i].MessageID != want {
			t.Fatalf("position %d: got %s, want %s", i, msgs[i].MessageID, want)
		}
	}
}
