// Package orchestrator drives job DAGs: it materializes tasks when a job is
// created, dispatches ready tasks onto the queue substrate, processes task
// completions and failures, retries or gives up, and finalizes jobs.
//
// The orchestrator is woken by bus events but trusts only the state store.
// Every state advance is a conditional update guarded on the previous state,
// so duplicate or replayed events become no-ops; events for one job serialize
// on the job row lock while different jobs proceed in parallel.
package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/blob"
	"dalston.dev/dalston/delivery"
	"dalston.dev/dalston/events"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// Engine availability behaviors selected by the engine_unavailable_behavior
// setting.
const (
	BehaviorFailFast = "fail_fast"
	BehaviorWait     = "wait"
)

// DefaultEngineWaitTimeout bounds how long a task may stay parked waiting
// for an engine in wait mode.
const DefaultEngineWaitTimeout = 5 * time.Minute

type (
	// DispatchPolicy supplies the dispatch-time settings; the settings
	// service implements it.
	DispatchPolicy interface {
		// EngineUnavailableBehavior returns BehaviorFailFast or
		// BehaviorWait.
		EngineUnavailableBehavior(ctx context.Context) string
		// EngineWaitTimeout returns the wait-mode deadline.
		EngineWaitTimeout(ctx context.Context) time.Duration
	}

	// StaticPolicy is a fixed DispatchPolicy for wiring without the
	// settings service.
	StaticPolicy struct {
		Behavior    string
		WaitTimeout time.Duration
	}

	// Orchestrator is the DAG scheduler.
	Orchestrator struct {
		store     store.Store
		queue     *queue.Queue
		bus       *events.Bus
		blobs     blob.Store
		bucket    string
		scheduler *delivery.Scheduler
		policies  *retention.Service
		policy    DispatchPolicy
		log       telemetry.Logger
		metrics   telemetry.Metrics
		clock     func() time.Time
	}

	// Option configures the Orchestrator.
	Option func(*Orchestrator)
)

// EngineUnavailableBehavior implements DispatchPolicy.
func (p StaticPolicy) EngineUnavailableBehavior(context.Context) string {
	if p.Behavior == "" {
		return BehaviorFailFast
	}
	return p.Behavior
}

// EngineWaitTimeout implements DispatchPolicy.
func (p StaticPolicy) EngineWaitTimeout(context.Context) time.Duration {
	if p.WaitTimeout <= 0 {
		return DefaultEngineWaitTimeout
	}
	return p.WaitTimeout
}

// WithTelemetry sets the logger and metrics recorder.
func WithTelemetry(log telemetry.Logger, m telemetry.Metrics) Option {
	return func(o *Orchestrator) {
		o.log = log
		o.metrics = m
	}
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithDispatchPolicy overrides the engine availability policy.
func WithDispatchPolicy(p DispatchPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// New wires the orchestrator. bucket names the artifact store bucket used
// when rendering artifact URIs.
func New(st store.Store, q *queue.Queue, bus *events.Bus, blobs blob.Store, bucket string, scheduler *delivery.Scheduler, policies *retention.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		queue:     q,
		bus:       bus,
		blobs:     blobs,
		bucket:    bucket,
		scheduler: scheduler,
		policies:  policies,
		policy:    StaticPolicy{},
		log:       telemetry.NewNoopLogger(),
		metrics:   telemetry.NewNoopMetrics(),
		clock:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run consumes bus events until the context is cancelled. Handler panics are
// impossible by construction (no panics in handlers); handler errors are
// logged and the loop continues with the next event.
func (o *Orchestrator) Run(ctx context.Context) error {
	ch, err := o.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	o.log.Info(ctx, "orchestrator started")
	for {
		select {
		case <-ctx.Done():
			o.log.Info(ctx, "orchestrator stopped")
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				o.log.Info(ctx, "orchestrator stopped")
				return ctx.Err()
			}
			o.Handle(ctx, e)
		}
	}
}

// Handle dispatches one bus event. Unknown event types are ignored so new
// publishers can roll out ahead of consumers.
func (o *Orchestrator) Handle(ctx context.Context, e events.Event) {
	var err error
	switch e.Type {
	case events.JobCreated:
		err = o.withJob(ctx, e.JobID, o.handleJobCreated)
	case events.TaskCompleted:
		err = o.withTaskJob(ctx, e.TaskID, func(ctx context.Context, tx store.Store, taskID uuid.UUID) error {
			return o.handleTaskCompleted(ctx, tx, taskID)
		})
	case events.TaskFailed:
		err = o.withTaskJob(ctx, e.TaskID, func(ctx context.Context, tx store.Store, taskID uuid.UUID) error {
			return o.handleTaskFailed(ctx, tx, taskID, e.Error, e.Reason)
		})
	case events.TaskWaitTimeout:
		err = o.withTaskJob(ctx, e.TaskID, func(ctx context.Context, tx store.Store, taskID uuid.UUID) error {
			return o.handleWaitTimeout(ctx, tx, taskID, e.Error)
		})
	case events.JobCancelRequested:
		err = o.withJob(ctx, e.JobID, o.handleCancelRequested)
	default:
		o.log.Debug(ctx, "ignoring event", "type", e.Type)
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
		o.log.Error(ctx, "event handling failed",
			"type", e.Type, "job_id", e.JobID, "task_id", e.TaskID, "err", err)
	}
	o.metrics.IncCounter(telemetry.MetricEventsProcessed, 1, "type", e.Type, "outcome", outcome)
}

// withJob runs fn inside a transaction holding the job's row lock, which
// serializes event handling per job.
func (o *Orchestrator) withJob(ctx context.Context, jobID string, fn func(context.Context, store.Store, uuid.UUID) error) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		o.log.Warn(ctx, "event with invalid job id", "job_id", jobID)
		return nil
	}
	return o.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.Jobs().GetForUpdate(ctx, id); err != nil {
			return err
		}
		return fn(ctx, tx, id)
	})
}

// withTaskJob resolves the task's job and serializes on it.
func (o *Orchestrator) withTaskJob(ctx context.Context, taskID string, fn func(context.Context, store.Store, uuid.UUID) error) error {
	id, err := uuid.Parse(taskID)
	if err != nil {
		o.log.Warn(ctx, "event with invalid task id", "task_id", taskID)
		return nil
	}
	task, err := o.store.Tasks().Get(ctx, id)
	if err != nil {
		return err
	}
	return o.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.Jobs().GetForUpdate(ctx, task.JobID); err != nil {
			return err
		}
		return fn(ctx, tx, id)
	})
}
