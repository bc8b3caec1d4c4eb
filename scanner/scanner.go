// Package scanner implements the recovery scanner: a leader-elected sweep
// that turns undetected task and engine failures into explicit task.failed
// events the orchestrator can react to.
//
// Every orchestrator instance runs the loop; a Redis lock elects one leader
// per sweep so multi-instance deployments scan exactly once. Losing the lock
// mid-sweep aborts the iteration.
package scanner

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

const (
	// DefaultScanInterval is how often the sweep runs.
	DefaultScanInterval = time.Minute
	// DefaultStaleThreshold is how long a PEL entry may sit unacknowledged
	// before the scanner inspects it.
	DefaultStaleThreshold = 10 * time.Minute
)

// Failure reasons stamped on synthetic task failures.
const (
	ReasonEngineDead = "engine_dead"
	ReasonTimeout    = "timeout"
)

type (
	// WaitPolicy reports whether the wait-for-engine dispatch mode is
	// active; the settings service implements it. When inactive the
	// waiting-set sweep is skipped entirely.
	WaitPolicy interface {
		EngineWaitEnabled(ctx context.Context) bool
	}

	// Scanner sweeps the queue substrate for stale deliveries and expired
	// wait-for-engine parks.
	Scanner struct {
		queue    *queue.Queue
		lock     *queue.LeaderLock
		store    store.Store
		bus      *events.Bus
		policy   WaitPolicy
		log      telemetry.Logger
		metrics  telemetry.Metrics
		interval time.Duration
		stale    time.Duration
		instance string
		clock    func() time.Time

		leader bool
	}

	// Option configures the Scanner.
	Option func(*Scanner)
)

// WithScanInterval overrides the sweep interval.
func WithScanInterval(d time.Duration) Option {
	return func(s *Scanner) { s.interval = d }
}

// WithStaleThreshold overrides the PEL staleness threshold.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Scanner) { s.stale = d }
}

// WithInstanceID overrides the leader-lock identity (default hostname:pid).
func WithInstanceID(id string) Option {
	return func(s *Scanner) { s.instance = id }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Scanner) { s.clock = clock }
}

// WithTelemetry sets the logger and metrics recorder.
func WithTelemetry(log telemetry.Logger, m telemetry.Metrics) Option {
	return func(s *Scanner) {
		s.log = log
		s.metrics = m
	}
}

// WithLeaderLock overrides the election lock (tests).
func WithLeaderLock(lock *queue.LeaderLock) Option {
	return func(s *Scanner) { s.lock = lock }
}

// New builds a Scanner.
func New(q *queue.Queue, st store.Store, bus *events.Bus, policy WaitPolicy, opts ...Option) *Scanner {
	hostname, _ := os.Hostname()
	s := &Scanner{
		queue:    q,
		store:    st,
		bus:      bus,
		policy:   policy,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		interval: DefaultScanInterval,
		stale:    DefaultStaleThreshold,
		instance: fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.lock == nil {
		s.lock = queue.NewLeaderLockFor(q, s.instance)
	}
	return s
}

// Run executes the election-and-sweep loop until the context is cancelled.
func (s *Scanner) Run(ctx context.Context) error {
	s.log.Info(ctx, "recovery scanner started",
		"interval", s.interval.String(), "stale_threshold", s.stale.String(), "instance", s.instance)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.leader {
				_ = s.lock.Release(context.WithoutCancel(ctx))
			}
			s.log.Info(ctx, "recovery scanner stopped", "instance", s.instance)
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one election round. The lock is released after a completed sweep
// so leadership rotates naturally.
func (s *Scanner) tick(ctx context.Context) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		s.log.Error(ctx, "leader election failed", "err", err)
		s.leader = false
		s.metrics.IncCounter(telemetry.MetricScannerSweeps, 1, "outcome", "error")
		return
	}
	if !acquired {
		if s.leader {
			s.log.Info(ctx, "scanner lost leadership", "instance", s.instance)
		}
		s.leader = false
		s.metrics.IncCounter(telemetry.MetricScannerSweeps, 1, "outcome", "skipped_not_leader")
		return
	}
	if !s.leader {
		s.log.Info(ctx, "scanner became leader", "instance", s.instance)
		s.leader = true
	}

	if err := s.Sweep(ctx); err != nil {
		s.log.Error(ctx, "sweep failed", "err", err)
		s.metrics.IncCounter(telemetry.MetricScannerSweeps, 1, "outcome", "error")
	} else {
		s.metrics.IncCounter(telemetry.MetricScannerSweeps, 1, "outcome", "success")
	}

	if err := s.lock.Release(ctx); err != nil {
		s.log.Warn(ctx, "leader lock release failed", "err", err)
	}
	s.leader = false
}

// Sweep runs one full scan: every stage stream's PEL, then the
// waiting-for-engine set.
func (s *Scanner) Sweep(ctx context.Context) error {
	keys, err := s.queue.Enumerate(ctx)
	if err != nil {
		return err
	}

	var stale, failed int
	for _, key := range keys {
		// Under election, confirm leadership before each stream and abort
		// the iteration on loss.
		if s.leader {
			stillLeader, err := s.lock.Extend(ctx)
			if err != nil || !stillLeader {
				s.log.Warn(ctx, "leadership lost mid-sweep, aborting", "instance", s.instance)
				return nil
			}
		}
		st, fl, err := s.scanStream(ctx, queue.StageFromKey(key))
		if err != nil {
			s.log.Error(ctx, "stream scan failed", "stream", key, "err", err)
			continue
		}
		stale += st
		failed += fl
	}

	waitFailed, err := s.scanWaitingTasks(ctx)
	if err != nil {
		s.log.Error(ctx, "waiting-task scan failed", "err", err)
	}
	failed += waitFailed

	if stale > 0 || failed > 0 {
		s.log.Info(ctx, "sweep complete",
			"streams", len(keys), "stale_found", stale, "tasks_failed", failed)
	}
	return nil
}

// scanStream fails stale deliveries whose engine died or whose timeout
// passed.
func (s *Scanner) scanStream(ctx context.Context, stage string) (staleCount, failedCount int, err error) {
	pending, err := s.queue.Pending(ctx, stage)
	if err != nil {
		return 0, 0, err
	}
	now := s.clock()

	for _, entry := range pending {
		if entry.Idle < s.stale {
			continue
		}
		staleCount++

		alive, err := s.queue.IsEngineAlive(ctx, entry.Consumer, now)
		if err != nil {
			s.log.Error(ctx, "engine probe failed", "engine_id", entry.Consumer, "err", err)
			continue
		}
		if !alive {
			reason := fmt.Sprintf("engine %q stopped heartbeating while processing task", entry.Consumer)
			if s.failStaleTask(ctx, stage, entry, reason, ReasonEngineDead) {
				failedCount++
			}
			continue
		}

		msg, err := s.queue.Message(ctx, stage, entry.MessageID)
		if err != nil || msg == nil {
			continue
		}
		if !msg.TimeoutAt.IsZero() && now.After(msg.TimeoutAt) {
			if s.failStaleTask(ctx, stage, entry, "task exceeded configured timeout", ReasonTimeout) {
				failedCount++
				s.metrics.IncCounter(telemetry.MetricTasksTimedOut, 1, "stage", stage)
			}
		}
	}
	return staleCount, failedCount, nil
}

// failStaleTask conditionally fails the task row, acks the queue message,
// and publishes task.failed. The conditional update makes repeated sweeps
// no-ops.
func (s *Scanner) failStaleTask(ctx context.Context, stage string, entry queue.PendingEntry, errMsg, reason string) bool {
	taskID, err := uuid.Parse(entry.TaskID)
	if err != nil {
		s.log.Warn(ctx, "invalid task id in PEL", "task_id", entry.TaskID, "stream_stage", stage)
		return false
	}

	now := s.clock()
	updated, err := s.store.Tasks().UpdateStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskRunning}, model.TaskFailed,
		store.TaskUpdate{Error: &errMsg, CompletedAt: &now})
	if err != nil {
		s.log.Error(ctx, "fail task update error", "task_id", entry.TaskID, "err", err)
		return false
	}
	if !updated {
		// Task already advanced (duplicate sweep or the engine finished
		// racing us); leave it alone.
		s.log.Debug(ctx, "stale task not running, skipped", "task_id", entry.TaskID)
		return false
	}

	if err := s.queue.Ack(ctx, stage, entry.MessageID); err != nil {
		s.log.Error(ctx, "ack failed after scanner fail", "task_id", entry.TaskID, "err", err)
	}

	task, err := s.store.Tasks().Get(ctx, taskID)
	jobID := ""
	if err == nil {
		jobID = task.JobID.String()
	}
	if err := s.bus.Publish(ctx, events.Event{
		Type:   events.TaskFailed,
		TaskID: entry.TaskID,
		JobID:  jobID,
		Error:  errMsg,
		Reason: reason,
	}); err != nil {
		s.log.Error(ctx, "publish task.failed failed", "task_id", entry.TaskID, "err", err)
	}

	s.log.Info(ctx, "task failed by scanner",
		"task_id", entry.TaskID, "stream_stage", stage, "reason", reason, "consumer", entry.Consumer)
	return true
}

// scanWaitingTasks enforces the wait-for-engine deadline: parked tasks whose
// deadline elapsed and whose stream message was never claimed are failed via
// task.wait_timeout. A task claimed into a PEL in the meantime is left to the
// standard stale-task path.
func (s *Scanner) scanWaitingTasks(ctx context.Context) (int, error) {
	if s.policy != nil && !s.policy.EngineWaitEnabled(ctx) {
		return 0, nil
	}

	waiting, err := s.queue.WaitingTasks(ctx)
	if err != nil {
		return 0, err
	}
	if len(waiting) == 0 {
		return 0, nil
	}

	now := s.clock()
	timedOut := 0

	for _, taskID := range waiting {
		marker, err := s.queue.WaitMarkerFor(ctx, taskID)
		if err != nil {
			s.log.Error(ctx, "load wait marker failed", "task_id", taskID, "err", err)
			continue
		}
		if marker == nil || marker.WaitDeadlineAt.IsZero() {
			_ = s.queue.ClearWaitMarker(ctx, taskID)
			continue
		}
		if !now.After(marker.WaitDeadlineAt) {
			continue
		}

		id, err := uuid.Parse(taskID)
		if err != nil {
			_ = s.queue.ClearWaitMarker(ctx, taskID)
			continue
		}
		task, err := s.store.Tasks().Get(ctx, id)
		if err != nil {
			_ = s.queue.ClearWaitMarker(ctx, taskID)
			continue
		}
		if task.Status != model.TaskReady && task.Status != model.TaskPending {
			// Already moved on; no timeout action needed.
			_ = s.queue.ClearWaitMarker(ctx, taskID)
			continue
		}

		if marker.QueueID != "" && marker.StreamMessageID != "" {
			claimed, err := s.queue.IsPending(ctx, marker.QueueID, marker.StreamMessageID)
			if err == nil && claimed {
				// An engine picked it up after all.
				_ = s.queue.ClearWaitMarker(ctx, taskID)
				continue
			}
		}

		engineID := marker.EngineID
		if engineID == "" {
			engineID = task.EngineID
		}
		waitSecs := int(marker.WaitTimeout.Seconds())
		errMsg := fmt.Sprintf("engine %q did not become available within %d seconds", engineID, waitSecs)

		// Block the message before publishing so an engine cannot claim it
		// mid-handling.
		if err := s.queue.MarkWaitTimedOut(ctx, taskID, now); err != nil {
			s.log.Error(ctx, "mark wait timeout failed", "task_id", taskID, "err", err)
			continue
		}
		if err := s.bus.Publish(ctx, events.Event{
			Type:     events.TaskWaitTimeout,
			TaskID:   taskID,
			JobID:    task.JobID.String(),
			EngineID: engineID,
			Error:    errMsg,
		}); err != nil {
			s.log.Error(ctx, "publish task.wait_timeout failed", "task_id", taskID, "err", err)
		}
		if marker.QueueID != "" && marker.StreamMessageID != "" {
			if err := s.queue.Delete(ctx, marker.QueueID, marker.StreamMessageID); err != nil {
				s.log.Error(ctx, "delete parked message failed", "task_id", taskID, "err", err)
			}
		}
		if err := s.queue.ClearWaitMarker(ctx, taskID); err != nil {
			s.log.Error(ctx, "clear wait marker failed", "task_id", taskID, "err", err)
		}

		timedOut++
		s.log.Warn(ctx, "wait-for-engine deadline exceeded",
			"task_id", taskID, "engine_id", engineID, "wait_timeout_s", waitSecs)
	}
	return timedOut, nil
}
