// Package events is the control-plane event bus: fire-and-forget pub/sub on
// a single Redis channel. The bus is a wake signal, not a source of truth —
// consumers read actual state from the state store, and missed or duplicated
// events are harmless because every handler is idempotent.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"dalston.dev/dalston/telemetry"
)

// Channel is the control-events channel. RealtimeChannel carries
// session-router events (worker.offline) consumed by the gateway.
const (
	Channel         = "dalston:events"
	RealtimeChannel = "dalston:realtime:events"
)

// Event types the control plane publishes and handles.
const (
	JobCreated         = "job.created"
	JobCancelRequested = "job.cancel_requested"
	JobCompleted       = "job.completed"
	JobFailed          = "job.failed"
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
	TaskWaitTimeout    = "task.wait_timeout"
	WorkerOffline      = "worker.offline"
)

type (
	// Event is one bus message. Unknown extra fields from other publishers
	// are ignored on decode.
	Event struct {
		Type      string `json:"type"`
		JobID     string `json:"job_id,omitempty"`
		TaskID    string `json:"task_id,omitempty"`
		SessionID string `json:"session_id,omitempty"`
		WorkerID  string `json:"worker_id,omitempty"`
		EngineID  string `json:"engine_id,omitempty"`
		RequestID string `json:"request_id,omitempty"`
		Error     string `json:"error,omitempty"`
		// Reason distinguishes synthetic failures (engine_dead, timeout,
		// cancelled, engine_unavailable) from engine-reported ones.
		Reason    string `json:"reason,omitempty"`
		Timestamp string `json:"timestamp,omitempty"`
	}

	// Bus publishes and subscribes control events over Redis pub/sub.
	Bus struct {
		rdb *redis.Client
		log telemetry.Logger
	}
)

// NewBus builds a Bus on the given Redis client.
func NewBus(rdb *redis.Client, log telemetry.Logger) *Bus {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Bus{rdb: rdb, log: log}
}

// Publish sends an event on the control channel. Publishers must not assume
// any subscriber is live; a zero-receiver publish is still a success.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	return b.publish(ctx, Channel, e)
}

// PublishRealtime sends an event on the realtime channel.
func (b *Bus) PublishRealtime(ctx context.Context, e Event) error {
	return b.publish(ctx, RealtimeChannel, e)
}

func (b *Bus) publish(ctx context.Context, channel string, e Event) error {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", e.Type, err)
	}
	b.log.Debug(ctx, "event published", "channel", channel, "type", e.Type, "job_id", e.JobID, "task_id", e.TaskID)
	return nil
}

// Subscribe opens a subscription on the control channel and delivers decoded
// events until the context is cancelled. Malformed payloads are logged and
// dropped. The returned channel is closed when the subscription ends.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := b.rdb.Subscribe(ctx, Channel)
	// Force the subscription to be established before returning so callers
	// do not race their first publish.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", Channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.log.Error(ctx, "invalid event payload", "err", err)
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
