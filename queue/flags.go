package queue

import (
	"context"
	"fmt"
	"time"

	"dalston.dev/dalston/pipeline"
)

// Flag and marker keys shared with engines. Engines poll the cancellation
// flag between work units and self-abort when it is set.
const (
	jobCancelledKeyPrefix = "dalston:job:cancelled:"
	// JobCancelledTTL outlives any job run so flags self-clean.
	JobCancelledTTL = 24 * time.Hour

	waitingEngineTasksKey = "dalston:waiting_engine_tasks"
	taskMetaKeyPrefix     = "dalston:task:"

	engineKeyPrefix = "dalston:engine:"
	// EngineHeartbeatTimeout is how stale an engine heartbeat may be before
	// the engine is considered dead.
	EngineHeartbeatTimeout = 60 * time.Second
)

// WaitMarker is the per-task metadata recorded when a task is parked waiting
// for an engine to come online.
type WaitMarker struct {
	TaskID          string
	EngineID        string
	QueueID         string
	StreamMessageID string
	WaitDeadlineAt  time.Time
	WaitTimeout     time.Duration
}

// MarkJobCancelled sets the cancellation flag engines consult to self-abort.
func (q *Queue) MarkJobCancelled(ctx context.Context, jobID string) error {
	key := jobCancelledKeyPrefix + jobID
	if err := q.rdb.Set(ctx, key, "1", JobCancelledTTL).Err(); err != nil {
		return fmt.Errorf("mark job %s cancelled: %w", jobID, err)
	}
	return nil
}

// IsJobCancelled reports whether the cancellation flag is set for a job.
func (q *Queue) IsJobCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, jobCancelledKeyPrefix+jobID).Result()
	if err != nil {
		return false, fmt.Errorf("probe cancel flag for job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// AddWaitMarker records that a task is parked waiting for an engine and adds
// it to the waiting set the scanner sweeps.
func (q *Queue) AddWaitMarker(ctx context.Context, m WaitMarker) error {
	metaKey := taskMetaKeyPrefix + m.TaskID
	fields := map[string]any{
		"waiting_for_engine": "true",
		"engine_id":          m.EngineID,
		"queue_id":           m.QueueID,
		"stream_message_id":  m.StreamMessageID,
		"wait_deadline_at":   m.WaitDeadlineAt.UTC().Format(time.RFC3339Nano),
		"wait_timeout_s":     fmt.Sprintf("%d", int(m.WaitTimeout.Seconds())),
	}
	if err := q.rdb.HSet(ctx, metaKey, fields).Err(); err != nil {
		return fmt.Errorf("set wait marker for task %s: %w", m.TaskID, err)
	}
	if err := q.rdb.SAdd(ctx, waitingEngineTasksKey, m.TaskID).Err(); err != nil {
		return fmt.Errorf("add task %s to waiting set: %w", m.TaskID, err)
	}
	return nil
}

// WaitingTasks returns the ids of tasks currently parked waiting for an engine.
func (q *Queue) WaitingTasks(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, waitingEngineTasksKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list waiting tasks: %w", err)
	}
	return ids, nil
}

// WaitMarkerFor loads a task's wait marker. Returns nil when the task has no
// marker or is no longer flagged as waiting.
func (q *Queue) WaitMarkerFor(ctx context.Context, taskID string) (*WaitMarker, error) {
	meta, err := q.rdb.HGetAll(ctx, taskMetaKeyPrefix+taskID).Result()
	if err != nil {
		return nil, fmt.Errorf("load wait marker for task %s: %w", taskID, err)
	}
	if len(meta) == 0 || meta["waiting_for_engine"] != "true" {
		return nil, nil
	}
	m := &WaitMarker{
		TaskID:          taskID,
		EngineID:        meta["engine_id"],
		QueueID:         meta["queue_id"],
		StreamMessageID: meta["stream_message_id"],
	}
	if v := meta["wait_deadline_at"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			m.WaitDeadlineAt = t
		}
	}
	if v := meta["wait_timeout_s"]; v != "" {
		var secs int
		if _, err := fmt.Sscanf(v, "%d", &secs); err == nil {
			m.WaitTimeout = time.Duration(secs) * time.Second
		}
	}
	return m, nil
}

// MarkWaitTimedOut stamps a blocked marker on the task metadata before the
// timeout is acted on, closing the race where an engine claims the stream
// message mid-handling.
func (q *Queue) MarkWaitTimedOut(ctx context.Context, taskID string, at time.Time) error {
	fields := map[string]any{
		"blocked_reason": "engine_wait_timeout",
		"blocked_at":     at.UTC().Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, taskMetaKeyPrefix+taskID, fields).Err(); err != nil {
		return fmt.Errorf("mark wait timeout for task %s: %w", taskID, err)
	}
	return nil
}

// ClearWaitMarker removes a task's waiting markers and drops it from the
// waiting set.
func (q *Queue) ClearWaitMarker(ctx context.Context, taskID string) error {
	if err := q.rdb.SRem(ctx, waitingEngineTasksKey, taskID).Err(); err != nil {
		return fmt.Errorf("remove task %s from waiting set: %w", taskID, err)
	}
	err := q.rdb.HDel(ctx, taskMetaKeyPrefix+taskID,
		"waiting_for_engine", "wait_deadline_at", "wait_timeout_s", "queue_id", "stream_message_id", "engine_id").Err()
	if err != nil {
		return fmt.Errorf("clear wait marker for task %s: %w", taskID, err)
	}
	return nil
}

// IsEngineAlive reports whether an engine has a fresh heartbeat in the engine
// registry. Engines heartbeat into a per-engine hash; a missing hash, an
// offline status, or a stale heartbeat all count as dead.
func (q *Queue) IsEngineAlive(ctx context.Context, engineID string, now time.Time) (bool, error) {
	data, err := q.rdb.HGetAll(ctx, engineKeyPrefix+engineID).Result()
	if err != nil {
		return false, fmt.Errorf("probe engine %s: %w", engineID, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if data["status"] == "offline" {
		return false, nil
	}
	hb := data["last_heartbeat"]
	if hb == "" {
		return false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, hb)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, hb); err != nil {
			return false, nil
		}
	}
	return now.Sub(t) < EngineHeartbeatTimeout, nil
}

// HasLiveConsumer reports whether a live engine serves the stage. Engines
// register in the engine registry under the stream they consume (their
// listed engine id matches the stream name), so the probe is a registry
// lookup on the stage's base name. Used by the fail-fast dispatch policy to
// decide whether anyone will ever claim the task.
func (q *Queue) HasLiveConsumer(ctx context.Context, stage string, now time.Time) (bool, error) {
	return q.IsEngineAlive(ctx, pipeline.BaseStage(stage), now)
}

// RegisterEngineHeartbeat writes an engine heartbeat. The control plane never
// calls this in production — engines own their registry entries — but test
// fixtures and the local dev harness do.
func (q *Queue) RegisterEngineHeartbeat(ctx context.Context, engineID, status string, at time.Time) error {
	fields := map[string]any{
		"status":         status,
		"last_heartbeat": at.UTC().Format(time.RFC3339Nano),
	}
	if err := q.rdb.HSet(ctx, engineKeyPrefix+engineID, fields).Err(); err != nil {
		return fmt.Errorf("register heartbeat for engine %s: %w", engineID, err)
	}
	return nil
}
