// Package queue adapts Redis Streams into the durable per-stage task queues
// used by the control plane. Each stage has one stream and a single consumer
// group named "engines"; delivery is at-least-once and delivered but
// unacknowledged work is tracked per consumer in the pending-entries list
// (PEL).
//
// Per-channel stages such as "transcribe_ch0" share the base stage's stream
// so one engine pool serves every channel.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"dalston.dev/dalston/pipeline"
	"dalston.dev/dalston/telemetry"
)

const (
	// StreamPrefix namespaces every stage stream key.
	StreamPrefix = "dalston:stream:"
	// ConsumerGroup is the single consumer group on every stage stream.
	ConsumerGroup = "engines"

	// pendingScanLimit bounds one PEL enumeration.
	pendingScanLimit = 1000
)

type (
	// Message is one task delivery read from a stage stream.
	Message struct {
		// ID is the stream message id (e.g. "1234567890-0").
		ID string
		// TaskID and JobID correlate the delivery with state-store rows.
		TaskID string
		JobID  string
		// EnqueuedAt is when the orchestrator published the task.
		EnqueuedAt time.Time
		// TimeoutAt is when the scanner should consider the task timed out.
		TimeoutAt time.Time
		// DeliveryCount is how many times the message was delivered
		// (1 = first attempt).
		DeliveryCount int64
	}

	// PendingEntry describes one delivered-but-unacknowledged message.
	PendingEntry struct {
		MessageID     string
		TaskID        string
		Consumer      string
		Idle          time.Duration
		DeliveryCount int64
	}

	// StreamInfo is a monitoring snapshot of one stage stream.
	StreamInfo struct {
		StreamKey    string
		Length       int64
		PendingCount int64
		Consumers    map[string]int64
	}

	// Queue provides the durable task-queue operations over Redis Streams.
	Queue struct {
		rdb     *redis.Client
		log     telemetry.Logger
		metrics telemetry.Metrics
	}

	// Option configures a Queue.
	Option func(*Queue)
)

// WithLogger sets the logger used for queue diagnostics.
func WithLogger(l telemetry.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New builds a Queue on the given Redis client.
func New(rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{
		rdb:     rdb,
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// StreamKey returns the stream key for a stage, routing per-channel stages to
// the base stream.
func StreamKey(stage string) string {
	return StreamPrefix + pipeline.BaseStage(stage)
}

// StageFromKey recovers the stage name from a stream key.
func StageFromKey(key string) string {
	return strings.TrimPrefix(key, StreamPrefix)
}

// EnsureGroup creates the stage stream and consumer group if needed. Safe to
// call repeatedly; a pre-existing group is not an error.
func (q *Queue) EnsureGroup(ctx context.Context, stage string) error {
	err := q.rdb.XGroupCreateMkStream(ctx, StreamKey(stage), ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group for stage %q: %w", stage, err)
	}
	return nil
}

// Publish appends a task message to the stage stream, creating the stream and
// group on first use. The timeout is stamped into the message so the recovery
// scanner can enforce it without consulting the state store.
func (q *Queue) Publish(ctx context.Context, stage, taskID, jobID string, timeout time.Duration) (string, error) {
	if err := q.EnsureGroup(ctx, stage); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	id, err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(stage),
		Values: map[string]any{
			"task_id":     taskID,
			"job_id":      jobID,
			"enqueued_at": now.Format(time.RFC3339Nano),
			"timeout_at":  now.Add(timeout).Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish task %s to stage %q: %w", taskID, stage, err)
	}

	q.log.Debug(ctx, "task published", "stage", stage, "task_id", taskID, "message_id", id)
	return id, nil
}

// ClaimNext blocks up to block for a new (undelivered) message on the stage
// stream and atomically places it in the consumer's PEL. Returns nil when the
// block elapses without a delivery; block <= 0 polls without blocking.
func (q *Queue) ClaimNext(ctx context.Context, stage, consumer string, block time.Duration) (*Message, error) {
	if err := q.EnsureGroup(ctx, stage); err != nil {
		return nil, err
	}

	if block <= 0 {
		block = -1
	}
	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: consumer,
		Streams:  []string{StreamKey(stage), ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if isNoGroup(err) {
			return nil, q.EnsureGroup(ctx, stage)
		}
		return nil, fmt.Errorf("claim next on stage %q: %w", stage, err)
	}

	for _, s := range streams {
		for _, m := range s.Messages {
			msg := parseMessage(m, 1)
			return &msg, nil
		}
	}
	return nil, nil
}

// ClaimIdle atomically reclaims up to count messages that have sat in some
// PEL without an ACK for at least minIdle. Delivery counts are preserved by
// probing the PEL for each reclaimed message.
func (q *Queue) ClaimIdle(ctx context.Context, stage, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey(stage),
		Group:    ConsumerGroup,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim idle on stage %q: %w", stage, err)
	}

	claimed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Values) == 0 {
			continue
		}
		claimed = append(claimed, parseMessage(m, q.deliveryCount(ctx, stage, m.ID)))
	}
	if len(claimed) > 0 {
		q.log.Info(ctx, "claimed stale tasks", "stage", stage, "consumer", consumer, "count", len(claimed))
	}
	return claimed, nil
}

// ClaimByID force-claims specific messages regardless of idle time, for
// targeted recovery.
func (q *Queue) ClaimByID(ctx context.Context, stage, consumer string, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   StreamKey(stage),
		Group:    ConsumerGroup,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim by id on stage %q: %w", stage, err)
	}

	claimed := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.Values) == 0 {
			continue
		}
		claimed = append(claimed, parseMessage(m, q.deliveryCount(ctx, stage, m.ID)))
	}
	return claimed, nil
}

// Ack removes a message from the PEL. Call it on both success and terminal
// failure; an unacked message is re-delivered by the recovery path.
func (q *Queue) Ack(ctx context.Context, stage, messageID string) error {
	if err := q.rdb.XAck(ctx, StreamKey(stage), ConsumerGroup, messageID).Err(); err != nil {
		return fmt.Errorf("ack %s on stage %q: %w", messageID, stage, err)
	}
	return nil
}

// Delete removes a message from the stream entirely. Used when a never-claimed
// message must not be delivered (wait-for-engine timeouts).
func (q *Queue) Delete(ctx context.Context, stage, messageID string) error {
	if err := q.rdb.XDel(ctx, StreamKey(stage), messageID).Err(); err != nil {
		return fmt.Errorf("delete %s on stage %q: %w", messageID, stage, err)
	}
	return nil
}

// Pending enumerates the PEL for a stage with per-entry idle time, consumer,
// and delivery count.
func (q *Queue) Pending(ctx context.Context, stage string) ([]PendingEntry, error) {
	entries, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamKey(stage),
		Group:  ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  pendingScanLimit,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending on stage %q: %w", stage, err)
	}

	pending := make([]PendingEntry, 0, len(entries))
	for _, e := range entries {
		taskID := "unknown"
		if msg, ok := q.message(ctx, stage, e.ID); ok {
			if v, okv := msg.Values["task_id"].(string); okv {
				taskID = v
			}
		}
		pending = append(pending, PendingEntry{
			MessageID:     e.ID,
			TaskID:        taskID,
			Consumer:      e.Consumer,
			Idle:          e.Idle,
			DeliveryCount: e.RetryCount,
		})
	}
	return pending, nil
}

// IsPending reports whether a specific message is currently in the PEL.
func (q *Queue) IsPending(ctx context.Context, stage, messageID string) (bool, error) {
	entries, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamKey(stage),
		Group:  ConsumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return false, nil
		}
		return false, fmt.Errorf("probe pending %s on stage %q: %w", messageID, stage, err)
	}
	return len(entries) > 0, nil
}

// Message returns the raw stream message by id, if it still exists.
func (q *Queue) Message(ctx context.Context, stage, messageID string) (*Message, error) {
	m, ok := q.message(ctx, stage, messageID)
	if !ok {
		return nil, nil
	}
	msg := parseMessage(m, q.deliveryCount(ctx, stage, messageID))
	return &msg, nil
}

// Enumerate scans the key space for all stage streams.
func (q *Queue) Enumerate(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := q.rdb.Scan(ctx, cursor, StreamPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("enumerate streams: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Info returns a monitoring snapshot for a stage stream. A missing stream or
// group yields a zero snapshot, not an error.
func (q *Queue) Info(ctx context.Context, stage string) (StreamInfo, error) {
	info := StreamInfo{StreamKey: StreamKey(stage), Consumers: map[string]int64{}}

	length, err := q.rdb.XLen(ctx, info.StreamKey).Result()
	if err != nil && err != redis.Nil {
		return info, fmt.Errorf("stream length for stage %q: %w", stage, err)
	}
	info.Length = length

	summary, err := q.rdb.XPending(ctx, info.StreamKey, ConsumerGroup).Result()
	if err != nil {
		if isNoGroup(err) || err == redis.Nil {
			return info, nil
		}
		return info, fmt.Errorf("pending summary for stage %q: %w", stage, err)
	}
	info.PendingCount = summary.Count
	for consumer, n := range summary.Consumers {
		info.Consumers[consumer] = n
	}
	return info, nil
}

// OldestAge returns the age of the first undelivered message on a stage
// stream, computed from the message's enqueued_at field relative to the
// group's last-delivered-id. Stream history retains acked messages, so length
// alone says nothing about backlog; zero means no undelivered backlog.
func (q *Queue) OldestAge(ctx context.Context, stage string, now time.Time) (time.Duration, error) {
	groups, err := q.rdb.XInfoGroups(ctx, StreamKey(stage)).Result()
	if err != nil {
		if isNoGroup(err) || err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("group info for stage %q: %w", stage, err)
	}

	for _, g := range groups {
		if g.Name != ConsumerGroup {
			continue
		}
		start := "-"
		if g.LastDeliveredID != "" && g.LastDeliveredID != "0-0" {
			start = "(" + g.LastDeliveredID
		}
		msgs, err := q.rdb.XRangeN(ctx, StreamKey(stage), start, "+", 1).Result()
		if err != nil {
			return 0, fmt.Errorf("oldest undelivered for stage %q: %w", stage, err)
		}
		if len(msgs) == 0 {
			return 0, nil
		}
		msg := parseMessage(msgs[0], 0)
		if msg.EnqueuedAt.IsZero() {
			return 0, nil
		}
		return now.Sub(msg.EnqueuedAt), nil
	}
	return 0, nil
}

// deliveryCount probes the PEL for a message's delivery count. The substrate
// does not return counts on claim paths, so they are looked up separately.
func (q *Queue) deliveryCount(ctx context.Context, stage, messageID string) int64 {
	entries, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamKey(stage),
		Group:  ConsumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil || len(entries) == 0 {
		return 1
	}
	return entries[0].RetryCount
}

func (q *Queue) message(ctx context.Context, stage, messageID string) (redis.XMessage, bool) {
	msgs, err := q.rdb.XRangeN(ctx, StreamKey(stage), messageID, messageID, 1).Result()
	if err != nil || len(msgs) == 0 {
		return redis.XMessage{}, false
	}
	return msgs[0], true
}

func parseMessage(m redis.XMessage, deliveries int64) Message {
	msg := Message{ID: m.ID, DeliveryCount: deliveries}
	if v, ok := m.Values["task_id"].(string); ok {
		msg.TaskID = v
	}
	if v, ok := m.Values["job_id"].(string); ok {
		msg.JobID = v
	}
	if v, ok := m.Values["enqueued_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.EnqueuedAt = t
		}
	}
	if v, ok := m.Values["timeout_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			msg.TimeoutAt = t
		}
	}
	return msg
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
