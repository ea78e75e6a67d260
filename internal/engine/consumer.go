package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tallyworks/flowline/internal/config"
	"github.com/tallyworks/flowline/internal/domain"
	"github.com/tallyworks/flowline/internal/retry"
	"github.com/tallyworks/flowline/internal/stream"
	"github.com/tallyworks/flowline/pkg/flowline/core"
)

// Runtime runs the competing consumers and the background sweeper. Stream
// keys are partitioned across workers by hash so a single execution is only
// ever processed by one worker at a time; the engine is single threaded per
// execution and fully parallel across executions.
//
// The hash partition only covers the workers of one process. When several
// processes join the same consumer group, two of them can hold messages of
// the same execution at once and serialization falls to the event store
// append guard: the loser gets ErrConcurrentModification, re-reads and
// retries. That is correct but slower, so scale workers within one process
// before scaling processes.
type Runtime struct {
	streams      StreamClient
	engine       *Engine
	router       *TriggerRouter
	executions   ExecutionRepo
	inbox        Inbox
	clock        core.Clock
	policy       retry.Policy
	group        string
	workers      int
	pollBlock    time.Duration
	claimMinIdle time.Duration
	consumerBase string
}

func NewRuntime(streams StreamClient, engine *Engine, router *TriggerRouter,
	executions ExecutionRepo, inbox Inbox, clock core.Clock, policy retry.Policy) *Runtime {
	base := config.GetSystemSettingString(config.ENGINE_CONSUMER_NAME)
	if base == "" {
		if hostname, err := os.Hostname(); err == nil {
			base = hostname
		} else {
			base = "flowline"
		}
	}
	workers := config.GetSystemSettingInteger(config.ENGINE_WORKER_COUNT)
	if workers <= 0 {
		workers = 4
	}
	return &Runtime{
		streams:      streams,
		engine:       engine,
		router:       router,
		executions:   executions,
		inbox:        inbox,
		clock:        clock,
		policy:       policy,
		group:        config.GetSystemSettingString(config.ENGINE_CONSUMER_GROUP),
		workers:      workers,
		pollBlock:    config.GetSystemSettingDuration(config.ENGINE_POLL_BLOCK),
		claimMinIdle: config.GetSystemSettingDuration(config.ENGINE_CLAIM_MIN_IDLE),
		consumerBase: base,
	}
}

// Start launches the workers and the sweeper and blocks until ctx is done.
func (rt *Runtime) Start(ctx context.Context) {
	slog.Info("Starting engine runtime",
		"workers", rt.workers, "group", rt.group, "consumer", rt.consumerBase, "poll_block", rt.pollBlock.String())
	for i := 0; i < rt.workers; i++ {
		go rt.worker(ctx, i)
	}
	go rt.sweeper(ctx)
	<-ctx.Done()
	slog.InfoContext(ctx, "Engine runtime stopping due to context cancel")
}

// worker owns the streams whose key hashes onto its index. Per cycle it
// claims entries abandoned by dead consumers, drains its own unacked backlog
// (crash and pause redelivery), then blocks for new entries across all owned
// streams in one read.
func (rt *Runtime) worker(ctx context.Context, id int) {
	consumer := fmt.Sprintf("%s-%d", rt.consumerBase, id)
	ensured := map[string]bool{}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		keys, err := rt.streams.ActiveStreams(ctx)
		if err != nil {
			slog.Error("Error listing active streams", "error", err, "consumer", consumer)
			rt.clock.Sleep(rt.pollBlock)
			continue
		}
		mine := rt.partition(keys, id)
		if len(mine) == 0 {
			rt.clock.Sleep(rt.pollBlock)
			continue
		}
		for _, key := range mine {
			if ensured[key] {
				continue
			}
			if err := rt.streams.EnsureGroup(ctx, key, rt.group); err != nil {
				slog.Error("Error ensuring consumer group", "stream", key, "error", err)
				continue
			}
			ensured[key] = true
		}

		for _, key := range mine {
			stale, err := rt.streams.ClaimStale(ctx, key, rt.group, consumer, rt.claimMinIdle, 16)
			if err != nil {
				slog.Error("Error claiming stale entries", "stream", key, "error", err)
				continue
			}
			for _, msg := range stale {
				rt.process(ctx, msg)
			}
		}

		backlog, err := rt.streams.ReadBacklog(ctx, mine, rt.group, consumer, 16)
		if err != nil {
			slog.Error("Error reading backlog", "error", err, "consumer", consumer)
		}
		for _, msg := range backlog {
			rt.process(ctx, msg)
		}

		msgs, err := rt.streams.Read(ctx, mine, rt.group, consumer, 16, rt.pollBlock)
		if err != nil {
			slog.Error("Error reading streams", "error", err, "consumer", consumer)
			rt.clock.Sleep(rt.pollBlock)
			continue
		}
		for _, msg := range msgs {
			rt.process(ctx, msg)
		}
	}
}

func (rt *Runtime) partition(keys []string, id int) []string {
	var mine []string
	for _, key := range keys {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		if int(h.Sum32())%rt.workers == id {
			mine = append(mine, key)
		}
	}
	return mine
}

// process applies one message with inline bounded retries. The retry loop
// runs in the worker itself so later entries of the same stream never
// overtake a retrying one. Exhausted or permanent failures park the message
// on the DLQ; a paused execution leaves it pending for later redelivery.
func (rt *Runtime) process(ctx context.Context, msg stream.Message) {
	streamKey := stream.ExecutionStream(msg.Tenant, msg.ExecutionID)
	for attempt := 0; ; attempt++ {
		err := rt.dispatch(ctx, msg)
		if err == nil {
			if err := rt.streams.Ack(ctx, streamKey, rt.group, msg.ID); err != nil {
				slog.Error("Error acking message", "stream", streamKey, "id", msg.ID, "error", err)
			}
			rt.retireStream(ctx, msg)
			return
		}
		if errors.Is(err, ErrExecutionPaused) {
			slog.InfoContext(ctx, "Leaving message pending for paused execution",
				"execution_id", msg.ExecutionID, "event", msg.EventName)
			return
		}
		cls := retry.Classify(err, attempt, rt.policy)
		if !cls.Retryable {
			if dlqErr := rt.streams.MoveToDLQ(ctx, rt.group, msg, err); dlqErr != nil {
				slog.Error("Error moving message to DLQ", "stream", streamKey, "id", msg.ID, "error", dlqErr)
			}
			return
		}
		slog.WarnContext(ctx, "Retrying message",
			"execution_id", msg.ExecutionID, "event", msg.EventName,
			"attempt", attempt+1, "category", string(cls.Category), "delay", cls.Delay.String(), "error", err)
		rt.clock.Sleep(cls.Delay)
	}
}

// retireStream drops a terminal execution's stream from the active registry
// so workers stop polling it. Best effort: a stream forgotten too early is
// re-registered by the next publish to it.
func (rt *Runtime) retireStream(ctx context.Context, msg stream.Message) {
	if msg.ExecutionID == stream.GlobalChannel {
		return
	}
	ex, err := rt.executions.FindByID(ctx, msg.Tenant, msg.ExecutionID)
	if err != nil || !domain.IsTerminalStatus(ex.Status) {
		return
	}
	key := stream.ExecutionStream(msg.Tenant, msg.ExecutionID)
	if err := rt.streams.ForgetStream(ctx, key); err != nil {
		slog.Error("Error retiring drained stream", "stream", key, "error", err)
	}
}

func (rt *Runtime) dispatch(ctx context.Context, msg stream.Message) error {
	if msg.ExecutionID == stream.GlobalChannel {
		return rt.router.Handle(ctx, msg)
	}
	return rt.engine.HandleMessage(ctx, msg)
}

// sweeper periodically synthesizes timeout events for expired waits and
// expires overdue tasks.
func (rt *Runtime) sweeper(ctx context.Context) {
	interval := config.GetSystemSettingDuration(config.ENGINE_SWEEP_INTERVAL)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Sweeper stopping due to context cancel")
			return
		case <-ticker.C:
			rt.sweepExpiredWaits(ctx)
			rt.sweepOverdueTasks(ctx)
		}
	}
}

// sweepExpiredWaits publishes the reserved timeout event into each expired
// execution's stream; from there it flows through the normal wait arrival
// path. The deadline is disarmed right after publish so the next sweep does
// not duplicate it.
func (rt *Runtime) sweepExpiredWaits(ctx context.Context) {
	expired, err := rt.executions.FindExpiredWaits(ctx, 100)
	if err != nil {
		slog.Error("Error finding expired waits", "error", err)
		return
	}
	for i := range *expired {
		ex := &(*expired)[i]
		payload, _ := json.Marshal(map[string]any{
			"timed_out": true,
			"deadline":  ex.WaitDeadline.Time.UTC().Format(time.RFC3339Nano),
		})
		msg := stream.Message{
			MessageID:   uuid.New().String(),
			Tenant:      ex.Tenant,
			ExecutionID: ex.ID,
			EventName:   TimeoutEvent,
			Payload:     string(payload),
			EmittedAt:   rt.clock.Now(),
		}
		if _, err := rt.streams.Publish(ctx, msg); err != nil {
			slog.Error("Error publishing timeout event", "execution_id", ex.ID, "error", err)
			continue
		}
		if err := rt.executions.ClearWaitDeadline(ctx, ex.Tenant, ex.ID); err != nil {
			slog.Error("Error clearing wait deadline", "execution_id", ex.ID, "error", err)
		}
		slog.InfoContext(ctx, "Synthesized wait timeout", "execution_id", ex.ID, "deadline", ex.WaitDeadline.Time)
	}
}

func (rt *Runtime) sweepOverdueTasks(ctx context.Context) {
	expired, err := rt.inbox.ExpireOverdue(ctx, 100)
	if err != nil {
		slog.Error("Error expiring overdue tasks", "error", err)
		return
	}
	if expired > 0 {
		slog.InfoContext(ctx, "Expired overdue tasks", "count", expired)
	}
}
