package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/pipeline"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// Failure reasons understood by the retry policy. Engine-reported poison
// pills and wait-timeouts never retry; everything else retries while budget
// remains.
const (
	reasonCancelled         = "cancelled"
	reasonPoison            = "poison"
	reasonEngineUnavailable = "engine_unavailable"
)

// handleJobCreated plans the DAG, persists the tasks, and dispatches the
// roots. Replayed events no-op on the existing task rows.
func (o *Orchestrator) handleJobCreated(ctx context.Context, tx store.Store, jobID uuid.UUID) error {
	job, err := tx.Jobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobPending {
		o.log.Debug(ctx, "job already planned", "job_id", jobID.String(), "status", string(job.Status))
		return nil
	}

	existing, err := tx.Tasks().ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		params, err := model.ParseParameters(job.Parameters)
		if err != nil {
			// Parameters were validated at submission; a failure here is a
			// poison job, not a retriable error.
			return o.failJob(ctx, tx, job, fmt.Sprintf("invalid parameters: %v", err))
		}
		specs := pipeline.Build(params)
		tasks, err := pipeline.Materialize(jobID, specs)
		if err != nil {
			return o.failJob(ctx, tx, job, fmt.Sprintf("plan pipeline: %v", err))
		}
		if err := tx.Tasks().CreateBatch(ctx, tasks); err != nil {
			return err
		}
		existing = tasks
		o.log.Info(ctx, "job planned", "job_id", jobID.String(), "tasks", len(tasks))
	}

	now := o.clock()
	if _, err := tx.Jobs().UpdateStatus(ctx, jobID,
		[]model.JobStatus{model.JobPending}, model.JobRunning,
		store.JobUpdate{StartedAt: &now}); err != nil {
		return err
	}

	return o.advanceReady(ctx, tx, job, existing)
}

// handleTaskCompleted records a task result and advances the DAG.
func (o *Orchestrator) handleTaskCompleted(ctx context.Context, tx store.Store, taskID uuid.UUID) error {
	task, err := tx.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}

	now := o.clock()
	outputURI := task.OutputURI
	if outputURI == "" {
		outputURI = o.artifactURI(taskOutputKey(task))
	}
	updated, err := tx.Tasks().UpdateStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskReady, model.TaskRunning}, model.TaskCompleted,
		store.TaskUpdate{CompletedAt: &now, OutputURI: &outputURI})
	if err != nil {
		return err
	}
	if !updated && task.Status != model.TaskCompleted {
		o.log.Debug(ctx, "completion for non-active task ignored",
			"task_id", taskID.String(), "status", string(task.Status))
		return nil
	}
	_ = o.queue.ClearWaitMarker(ctx, taskID.String())

	job, err := tx.Jobs().Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	tasks, err := tx.Tasks().ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	if job.Status == model.JobCancelling {
		return o.finishCancellationIfDrained(ctx, tx, job, tasks)
	}

	if done, allOK := jobSettled(tasks); done {
		if allOK {
			return o.completeJob(ctx, tx, job, tasks)
		}
		return o.finishFailureIfDrained(ctx, tx, job, tasks)
	}

	return o.advanceReady(ctx, tx, job, tasks)
}

// handleTaskFailed applies the retry policy to one failed task.
func (o *Orchestrator) handleTaskFailed(ctx context.Context, tx store.Store, taskID uuid.UUID, errMsg, reason string) error {
	task, err := tx.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}
	job, err := tx.Jobs().Get(ctx, task.JobID)
	if err != nil {
		return err
	}

	now := o.clock()

	// A task aborted due to cancellation is recorded as cancelled, not
	// failed; the job error stays empty.
	if reason == reasonCancelled || job.Status == model.JobCancelling {
		if _, err := tx.Tasks().UpdateStatus(ctx, taskID,
			[]model.TaskStatus{model.TaskPending, model.TaskReady, model.TaskRunning}, model.TaskCancelled,
			store.TaskUpdate{CompletedAt: &now}); err != nil {
			return err
		}
		_ = o.queue.ClearWaitMarker(ctx, taskID.String())
		tasks, err := tx.Tasks().ListByJob(ctx, job.ID)
		if err != nil {
			return err
		}
		return o.finishCancellationIfDrained(ctx, tx, job, tasks)
	}

	// Record the failure; no-op when the scanner already did. Guarding on
	// running (claims set running atomically) makes a replayed failure
	// event for an already-retried task a no-op instead of a double retry.
	if _, err := tx.Tasks().UpdateStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskRunning}, model.TaskFailed,
		store.TaskUpdate{Error: &errMsg, CompletedAt: &now}); err != nil {
		return err
	}
	_ = o.queue.ClearWaitMarker(ctx, taskID.String())

	task, err = tx.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.TaskFailed {
		o.log.Debug(ctx, "failure for non-running task ignored",
			"task_id", taskID.String(), "status", string(task.Status))
		return nil
	}

	if retriable(reason) && task.Retries < task.MaxRetries {
		updated, err := tx.Tasks().UpdateStatus(ctx, taskID,
			[]model.TaskStatus{model.TaskFailed}, model.TaskReady,
			store.TaskUpdate{IncrementRetries: true})
		if err != nil {
			return err
		}
		if updated {
			o.metrics.IncCounter(telemetry.MetricTasksRetried, 1, "stage", task.Stage)
			o.log.Info(ctx, "task retry scheduled",
				"task_id", taskID.String(), "stage", task.Stage,
				"retry", task.Retries+1, "max_retries", task.MaxRetries)
			return o.publishTask(ctx, tx, job, task)
		}
		return nil
	}

	o.metrics.IncCounter(telemetry.MetricTasksFailed, 1, "stage", task.Stage)
	o.log.Warn(ctx, "task failed terminally",
		"task_id", taskID.String(), "stage", task.Stage, "reason", reason, "error", errMsg)

	tasks, err := tx.Tasks().ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	if task.Required {
		return o.failJobWithTasks(ctx, tx, job, tasks)
	}

	// Optional failure: dependents treat it as skipped.
	if done, allOK := jobSettled(tasks); done {
		if allOK {
			return o.completeJob(ctx, tx, job, tasks)
		}
		return o.finishFailureIfDrained(ctx, tx, job, tasks)
	}
	return o.advanceReady(ctx, tx, job, tasks)
}

// handleWaitTimeout fails a task whose engine never came online. The failure
// is non-retriable: there is no engine to retry against.
func (o *Orchestrator) handleWaitTimeout(ctx context.Context, tx store.Store, taskID uuid.UUID, errMsg string) error {
	if errMsg == "" {
		errMsg = "engine did not become available"
	}
	task, err := tx.Tasks().Get(ctx, taskID)
	if err != nil {
		return err
	}

	now := o.clock()
	updated, err := tx.Tasks().UpdateStatus(ctx, taskID,
		[]model.TaskStatus{model.TaskPending, model.TaskReady}, model.TaskFailed,
		store.TaskUpdate{Error: &errMsg, CompletedAt: &now})
	if err != nil {
		return err
	}
	if !updated {
		o.log.Debug(ctx, "wait timeout for settled task ignored", "task_id", taskID.String())
		return nil
	}
	o.metrics.IncCounter(telemetry.MetricTasksFailed, 1, "stage", task.Stage)

	job, err := tx.Jobs().Get(ctx, task.JobID)
	if err != nil {
		return err
	}
	tasks, err := tx.Tasks().ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if task.Required {
		return o.failJobWithTasks(ctx, tx, job, tasks)
	}
	return o.advanceReady(ctx, tx, job, tasks)
}

// handleCancelRequested transitions the job to cancelling, flags it for
// engines, cancels undistributed work, and waits for running tasks to drain.
func (o *Orchestrator) handleCancelRequested(ctx context.Context, tx store.Store, jobID uuid.UUID) error {
	job, err := tx.Jobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		o.log.Debug(ctx, "cancel for terminal job ignored", "job_id", jobID.String())
		return nil
	}

	if _, err := tx.Jobs().UpdateStatus(ctx, jobID,
		[]model.JobStatus{model.JobPending, model.JobRunning}, model.JobCancelling,
		store.JobUpdate{}); err != nil {
		return err
	}
	if err := o.queue.MarkJobCancelled(ctx, jobID.String()); err != nil {
		o.log.Error(ctx, "set cancel flag failed", "job_id", jobID.String(), "err", err)
	}

	tasks, err := tx.Tasks().ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := o.clock()
	for i := range tasks {
		task := &tasks[i]
		if task.Status != model.TaskPending && task.Status != model.TaskReady {
			continue
		}
		if _, err := tx.Tasks().UpdateStatus(ctx, task.ID,
			[]model.TaskStatus{model.TaskPending, model.TaskReady}, model.TaskCancelled,
			store.TaskUpdate{CompletedAt: &now}); err != nil {
			return err
		}
		task.Status = model.TaskCancelled
		_ = o.queue.ClearWaitMarker(ctx, task.ID.String())
	}

	job.Status = model.JobCancelling
	return o.finishCancellationIfDrained(ctx, tx, job, tasks)
}

// advanceReady dispatches every pending task whose dependencies are
// satisfied.
func (o *Orchestrator) advanceReady(ctx context.Context, tx store.Store, job *model.Job, tasks []model.Task) error {
	byID := make(map[uuid.UUID]*model.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].ID] = &tasks[i]
	}
	for i := range tasks {
		task := &tasks[i]
		if task.Status != model.TaskPending {
			continue
		}
		if !depsSatisfied(task, byID) {
			continue
		}
		if err := o.dispatchTask(ctx, tx, job, task, byID); err != nil {
			return err
		}
	}
	return nil
}

// depsSatisfied reports whether every dependency has settled in a way that
// unblocks dependents: completed, skipped, or failed-but-optional.
func depsSatisfied(task *model.Task, byID map[uuid.UUID]*model.Task) bool {
	for _, depID := range task.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false
		}
		switch {
		case dep.Status.SatisfiesDependency():
		case dep.Status == model.TaskFailed && !dep.Required:
		default:
			return false
		}
	}
	return true
}

// jobSettled reports whether every task is terminal, and whether the job can
// be considered successful (every required task completed).
func jobSettled(tasks []model.Task) (settled, success bool) {
	success = true
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return false, false
		}
		if task.Required && task.Status != model.TaskCompleted {
			success = false
		}
	}
	return true, success
}

// runningTasks counts tasks still in flight.
func runningTasks(tasks []model.Task) int {
	count := 0
	for _, task := range tasks {
		if task.Status == model.TaskRunning {
			count++
		}
	}
	return count
}

// failJobWithTasks marks the job failed, cancels undistributed tasks, and
// finalizes once nothing is running.
func (o *Orchestrator) failJobWithTasks(ctx context.Context, tx store.Store, job *model.Job, tasks []model.Task) error {
	now := o.clock()
	for i := range tasks {
		task := &tasks[i]
		if task.Status != model.TaskPending && task.Status != model.TaskReady {
			continue
		}
		if _, err := tx.Tasks().UpdateStatus(ctx, task.ID,
			[]model.TaskStatus{model.TaskPending, model.TaskReady}, model.TaskCancelled,
			store.TaskUpdate{CompletedAt: &now}); err != nil {
			return err
		}
		task.Status = model.TaskCancelled
		_ = o.queue.ClearWaitMarker(ctx, task.ID.String())
	}
	return o.finishFailureIfDrained(ctx, tx, job, tasks)
}

// finishFailureIfDrained finalizes a failing job once no task is running.
func (o *Orchestrator) finishFailureIfDrained(ctx context.Context, tx store.Store, job *model.Job, tasks []model.Task) error {
	if n := runningTasks(tasks); n > 0 {
		o.log.Info(ctx, "waiting for running tasks before failing job",
			"job_id", job.ID.String(), "running", n)
		return nil
	}
	return o.failJob(ctx, tx, job, taskErrorRollup(tasks))
}

// finishCancellationIfDrained finalizes a cancelling job once no task is
// running.
func (o *Orchestrator) finishCancellationIfDrained(ctx context.Context, tx store.Store, job *model.Job, tasks []model.Task) error {
	if job.Status != model.JobCancelling {
		return nil
	}
	if n := runningTasks(tasks); n > 0 {
		o.log.Info(ctx, "waiting for running tasks before cancelling job",
			"job_id", job.ID.String(), "running", n)
		return nil
	}

	now := o.clock()
	updated, err := tx.Jobs().UpdateStatus(ctx, job.ID,
		[]model.JobStatus{model.JobCancelling}, model.JobCancelled,
		store.JobUpdate{CompletedAt: &now})
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	o.log.Info(ctx, "job cancelled", "job_id", job.ID.String())

	if err := o.bus.Publish(ctx, events.Event{Type: events.JobCompleted, JobID: job.ID.String(), Reason: reasonCancelled}); err != nil {
		o.log.Error(ctx, "publish job.completed failed", "job_id", job.ID.String(), "err", err)
	}
	o.enqueueWebhooks(ctx, tx, job, "transcription.cancelled", "cancelled", nil, nil, nil)
	return nil
}

// taskErrorRollup concatenates the errors of every failed task, required or
// not, for the job row.
func taskErrorRollup(tasks []model.Task) string {
	var parts []string
	for _, task := range tasks {
		if task.Status == model.TaskFailed && task.Error != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", task.Stage, task.Error))
		}
	}
	if len(parts) == 0 {
		return "job failed"
	}
	return strings.Join(parts, "; ")
}

func retriable(reason string) bool {
	switch reason {
	case reasonPoison, reasonEngineUnavailable, reasonCancelled:
		return false
	}
	return true
}
