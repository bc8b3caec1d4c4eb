package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/blob"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/queue"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// taskInput is the descriptor engines read from the artifact store when they
// claim a task.
type taskInput struct {
	TaskID   string         `json:"task_id"`
	JobID    string         `json:"job_id"`
	Stage    string         `json:"stage"`
	AudioURI string         `json:"audio_uri"`
	Config   map[string]any `json:"config"`
	// Inputs maps dependency stages to their output descriptors.
	Inputs map[string]string `json:"inputs,omitempty"`
}

// dispatchTask writes the task's input descriptor, advances it to ready, and
// publishes it, honoring the engine availability policy.
func (o *Orchestrator) dispatchTask(ctx context.Context, tx store.Store, job *model.Job, task *model.Task, byID map[uuid.UUID]*model.Task) error {
	if err := o.writeTaskInput(ctx, job, task, byID); err != nil {
		return err
	}
	inputURI := o.artifactURI(blob.TaskInputKey(job.ID, task.ID))
	if err := tx.Tasks().SetInputURI(ctx, task.ID, inputURI); err != nil {
		return err
	}

	updated, err := tx.Tasks().UpdateStatus(ctx, task.ID,
		[]model.TaskStatus{model.TaskPending}, model.TaskReady, store.TaskUpdate{})
	if err != nil {
		return err
	}
	if !updated {
		// Another handler won the race; nothing to do.
		return nil
	}
	task.Status = model.TaskReady

	return o.publishTask(ctx, tx, job, task)
}

// publishTask pushes a ready task onto its engine stream. With no live
// consumer, fail_fast fails the task immediately while wait parks it under a
// deadline the recovery scanner enforces.
func (o *Orchestrator) publishTask(ctx context.Context, tx store.Store, job *model.Job, task *model.Task) error {
	now := o.clock()
	alive, err := o.queue.HasLiveConsumer(ctx, task.EngineID, now)
	if err != nil {
		return err
	}

	if !alive && o.policy.EngineUnavailableBehavior(ctx) == BehaviorFailFast {
		errMsg := fmt.Sprintf("no live engine for queue %q", task.EngineID)
		o.log.Warn(ctx, "dispatch failed fast", "task_id", task.ID.String(), "engine_id", task.EngineID)
		if _, err := tx.Tasks().UpdateStatus(ctx, task.ID,
			[]model.TaskStatus{model.TaskReady}, model.TaskFailed,
			store.TaskUpdate{Error: &errMsg, CompletedAt: &now}); err != nil {
			return err
		}
		o.metrics.IncCounter(telemetry.MetricTasksFailed, 1, "stage", task.Stage)
		task.Status = model.TaskFailed
		if task.Required {
			tasks, err := tx.Tasks().ListByJob(ctx, job.ID)
			if err != nil {
				return err
			}
			return o.failJobWithTasks(ctx, tx, job, tasks)
		}
		return nil
	}

	msgID, err := o.queue.Publish(ctx, task.Stage, task.ID.String(), job.ID.String(), taskTimeout(task))
	if err != nil {
		return err
	}
	o.metrics.IncCounter(telemetry.MetricTasksDispatched, 1, "stage", task.Stage)
	o.log.Info(ctx, "task dispatched",
		"task_id", task.ID.String(), "job_id", job.ID.String(),
		"stage", task.Stage, "message_id", msgID)

	if !alive {
		// Wait mode: park the task under a deadline; the scanner fails it
		// if no engine claims the message in time.
		deadline := now.Add(o.policy.EngineWaitTimeout(ctx))
		marker := queue.WaitMarker{
			TaskID:          task.ID.String(),
			EngineID:        task.EngineID,
			QueueID:         task.EngineID,
			StreamMessageID: msgID,
			WaitDeadlineAt:  deadline,
			WaitTimeout:     o.policy.EngineWaitTimeout(ctx),
		}
		if err := o.queue.AddWaitMarker(ctx, marker); err != nil {
			return err
		}
		o.log.Info(ctx, "task parked waiting for engine",
			"task_id", task.ID.String(), "engine_id", task.EngineID, "deadline", deadline.Format(time.RFC3339))
	}
	return nil
}

// writeTaskInput renders the input descriptor to the artifact store before
// the task becomes visible to engines.
func (o *Orchestrator) writeTaskInput(ctx context.Context, job *model.Job, task *model.Task, byID map[uuid.UUID]*model.Task) error {
	inputs := make(map[string]string, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		dep, ok := byID[depID]
		if !ok || dep.Status != model.TaskCompleted {
			continue
		}
		uri := dep.OutputURI
		if uri == "" {
			uri = o.artifactURI(taskOutputKey(dep))
		}
		inputs[dep.Stage] = uri
	}

	descriptor := taskInput{
		TaskID:   task.ID.String(),
		JobID:    job.ID.String(),
		Stage:    task.Stage,
		AudioURI: job.AudioURI,
		Config:   task.Config,
		Inputs:   inputs,
	}
	data, err := json.Marshal(descriptor)
	if err != nil {
		return fmt.Errorf("encode task input: %w", err)
	}
	key := blob.TaskInputKey(job.ID, task.ID)
	if err := o.blobs.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("write task input: %w", err)
	}
	return nil
}

func (o *Orchestrator) artifactURI(key string) string {
	return blob.URI(o.bucket, key)
}

func taskOutputKey(task *model.Task) string {
	return blob.TaskOutputKey(task.JobID, task.ID)
}

// taskTimeout reads the per-task timeout from config, defaulting to the
// stock task timeout.
func taskTimeout(task *model.Task) time.Duration {
	if v, ok := task.Config["timeout_seconds"]; ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Second
		case int64:
			return time.Duration(n) * time.Second
		case float64:
			return time.Duration(n) * time.Second
		}
	}
	return model.DefaultTaskTimeout
}
