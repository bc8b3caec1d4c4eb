package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"dalston.dev/dalston/blob"
	"dalston.dev/dalston/delivery"
	"dalston.dev/dalston/events"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/pipeline"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// mergeOutput is the merge engine's result descriptor, the source of the
// job's aggregate statistics.
type mergeOutput struct {
	LanguageCode    string  `json:"language_code"`
	DurationSeconds float64 `json:"duration_seconds"`
	WordCount       int     `json:"word_count"`
	SegmentCount    int     `json:"segment_count"`
	SpeakerCount    *int    `json:"speaker_count"`
	CharacterCount  int     `json:"character_count"`
	Text            string  `json:"text"`
}

// completeJob finalizes a successful job: aggregate stats from the merge
// output, retention stamping, artifact availability, the job.completed
// event, and webhook scheduling.
func (o *Orchestrator) completeJob(ctx context.Context, tx store.Store, job *model.Job, tasks []model.Task) error {
	now := o.clock()
	updated, err := tx.Jobs().UpdateStatus(ctx, job.ID,
		[]model.JobStatus{model.JobRunning, model.JobPending}, model.JobCompleted,
		store.JobUpdate{CompletedAt: &now})
	if err != nil {
		return err
	}
	if !updated {
		// Duplicate completion event; everything below already ran.
		return nil
	}

	output := o.readMergeOutput(ctx, tasks)
	if output != nil {
		stats := store.JobResultStats{
			AudioDurationSeconds: &output.DurationSeconds,
			WordCount:            &output.WordCount,
			SegmentCount:         &output.SegmentCount,
			SpeakerCount:         output.SpeakerCount,
			CharacterCount:       &output.CharacterCount,
		}
		if output.LanguageCode != "" {
			stats.LanguageCode = &output.LanguageCode
		}
		if err := tx.Jobs().SetResultStats(ctx, job.ID, stats); err != nil {
			return err
		}
	}

	o.stampRetention(ctx, tx, job, now)
	if err := tx.Artifacts().MarkAvailable(ctx, model.OwnerJob, job.ID, now); err != nil {
		o.log.Error(ctx, "mark artifacts available failed", "job_id", job.ID.String(), "err", err)
	}

	o.metrics.IncCounter(telemetry.MetricJobsCompleted, 1, "outcome", "completed")
	o.log.Info(ctx, "job completed", "job_id", job.ID.String())

	if err := o.bus.Publish(ctx, events.Event{Type: events.JobCompleted, JobID: job.ID.String()}); err != nil {
		o.log.Error(ctx, "publish job.completed failed", "job_id", job.ID.String(), "err", err)
	}

	var text *string
	var duration *float64
	if output != nil {
		if output.Text != "" {
			text = &output.Text
		}
		duration = &output.DurationSeconds
	}
	o.enqueueWebhooks(ctx, tx, job, "transcription.completed", "completed", text, duration, nil)
	return nil
}

// failJob finalizes a failed job with a rolled-up error message.
func (o *Orchestrator) failJob(ctx context.Context, tx store.Store, job *model.Job, errMsg string) error {
	now := o.clock()
	updated, err := tx.Jobs().UpdateStatus(ctx, job.ID,
		[]model.JobStatus{model.JobPending, model.JobRunning, model.JobCancelling}, model.JobFailed,
		store.JobUpdate{Error: &errMsg, CompletedAt: &now})
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}

	o.metrics.IncCounter(telemetry.MetricJobsCompleted, 1, "outcome", "failed")
	o.log.Warn(ctx, "job failed", "job_id", job.ID.String(), "error", errMsg)

	if err := o.bus.Publish(ctx, events.Event{Type: events.JobFailed, JobID: job.ID.String(), Error: errMsg}); err != nil {
		o.log.Error(ctx, "publish job.failed failed", "job_id", job.ID.String(), "err", err)
	}
	o.enqueueWebhooks(ctx, tx, job, "transcription.failed", "failed", nil, nil, &errMsg)
	return nil
}

// stampRetention computes the job's purge deadline from its policy. Policy
// lookup and update failures are logged and never affect job state.
func (o *Orchestrator) stampRetention(ctx context.Context, tx store.Store, job *model.Job, completedAt time.Time) {
	if job.RetentionPolicyID == nil {
		return
	}
	policy, err := tx.Policies().Get(ctx, *job.RetentionPolicyID)
	if err != nil {
		o.log.Error(ctx, "retention policy lookup failed", "job_id", job.ID.String(), "err", err)
		return
	}
	purgeAfter := retention.PurgeAfter(policy, completedAt)
	if err := tx.Jobs().SetRetention(ctx, job.ID, purgeAfter); err != nil {
		o.log.Error(ctx, "set retention failed", "job_id", job.ID.String(), "err", err)
	}
}

// readMergeOutput loads the merge task's output descriptor; a missing or
// malformed descriptor yields nil and the job completes without stats.
func (o *Orchestrator) readMergeOutput(ctx context.Context, tasks []model.Task) *mergeOutput {
	var merge *model.Task
	for i := range tasks {
		if tasks[i].Stage == pipeline.StageMerge {
			merge = &tasks[i]
			break
		}
	}
	if merge == nil {
		return nil
	}

	key := blob.TaskOutputKey(merge.JobID, merge.ID)
	if merge.OutputURI != "" {
		if _, parsed, err := blob.ParseURI(merge.OutputURI); err == nil {
			key = parsed
		}
	}
	data, err := o.blobs.Get(ctx, key)
	if err != nil {
		o.log.Warn(ctx, "merge output unavailable", "job_id", merge.JobID.String(), "err", err)
		return nil
	}
	var output mergeOutput
	if err := json.Unmarshal(data, &output); err != nil {
		o.log.Warn(ctx, "merge output malformed", "job_id", merge.JobID.String(), "err", err)
		return nil
	}
	return &output
}

// enqueueWebhooks schedules deliveries for the job's per-job webhook and
// every subscribed endpoint. Webhook failures never affect job state.
func (o *Orchestrator) enqueueWebhooks(ctx context.Context, tx store.Store, job *model.Job, eventType, status string, text *string, duration *float64, errMsg *string) {
	if o.scheduler == nil {
		return
	}
	payload := delivery.Payload(eventType, job.ID, status, text, duration, errMsg, job.WebhookMetadata)

	if job.WebhookURL != "" {
		if _, err := o.scheduler.Enqueue(ctx, nil, job.WebhookURL, job.ID, eventType, payload); err != nil {
			o.log.Error(ctx, "enqueue per-job webhook failed", "job_id", job.ID.String(), "err", err)
		}
	}

	endpoints, err := tx.Endpoints().ListSubscribed(ctx, job.TenantID, eventType)
	if err != nil {
		o.log.Error(ctx, "list webhook endpoints failed", "job_id", job.ID.String(), "err", err)
		return
	}
	for i := range endpoints {
		endpointID := endpoints[i].ID
		if _, err := o.scheduler.Enqueue(ctx, &endpointID, "", job.ID, eventType, payload); err != nil {
			o.log.Error(ctx, "enqueue endpoint webhook failed",
				"job_id", job.ID.String(), "endpoint_id", endpointID.String(), "err", err)
		}
	}
}
