package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/audit"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

const (
	// PollInterval is how often the scheduler looks for due deliveries.
	PollInterval = 2 * time.Second
	// MaxConcurrent bounds one poll's batch; row locks with skip-locked
	// semantics keep concurrent scheduler instances from overlapping.
	MaxConcurrent = 10
	// MaxAttempts is the per-delivery retry budget.
	MaxAttempts = 5

	// AutoDisableFailureThreshold and AutoDisableSuccessWindow gate
	// endpoint auto-disable: that many consecutive failures with no success
	// inside the window deactivates the endpoint.
	AutoDisableFailureThreshold = 10
	AutoDisableSuccessWindow    = 7 * 24 * time.Hour

	// DisabledReasonAuto marks endpoints the scheduler deactivated.
	DisabledReasonAuto = "auto_disabled"
)

// RetryDelays is the back-off ladder indexed by attempt count.
var RetryDelays = []time.Duration{0, 30 * time.Second, 2 * time.Minute, 10 * time.Minute, time.Hour}

type (
	// Scheduler polls the state store for pending webhook deliveries and
	// hands them to the sender, updating status with back-off and
	// auto-disabling chronically failing endpoints. Crash-resilient: all
	// state lives in delivery rows.
	Scheduler struct {
		store        store.Store
		sender       Sender
		audit        *audit.Recorder
		log          telemetry.Logger
		metrics      telemetry.Metrics
		globalSecret string
		interval     time.Duration
		batch        int
		clock        func() time.Time
	}

	// SchedulerOption configures the Scheduler.
	SchedulerOption func(*Scheduler)
)

// WithPollInterval overrides the poll interval.
func WithPollInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = d }
}

// WithBatchSize overrides the per-poll batch size.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) { s.batch = n }
}

// WithClock overrides the time source (tests).
func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.clock = clock }
}

// WithTelemetry sets the logger and metrics recorder.
func WithTelemetry(log telemetry.Logger, m telemetry.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.log = log
		s.metrics = m
	}
}

// WithAudit sets the audit recorder for endpoint auto-disable events.
func WithAudit(rec *audit.Recorder) SchedulerOption {
	return func(s *Scheduler) { s.audit = rec }
}

// NewScheduler builds the delivery scheduler. globalSecret signs per-job
// webhooks that have no registered endpoint.
func NewScheduler(st store.Store, sender Sender, globalSecret string, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:        st,
		sender:       sender,
		log:          telemetry.NewNoopLogger(),
		metrics:      telemetry.NewNoopMetrics(),
		globalSecret: globalSecret,
		interval:     PollInterval,
		batch:        MaxConcurrent,
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates a pending delivery row due immediately. Duplicate enqueues
// for the same (endpoint or url, job, event type) return the existing row.
func (s *Scheduler) Enqueue(ctx context.Context, endpointID *uuid.UUID, urlOverride string, jobID uuid.UUID, eventType string, payload map[string]any) (*model.WebhookDelivery, error) {
	now := s.clock()
	d := &model.WebhookDelivery{
		EndpointID:  endpointID,
		JobID:       &jobID,
		EventType:   eventType,
		Payload:     payload,
		URLOverride: urlOverride,
		Status:      model.DeliveryPending,
		NextRetryAt: &now,
	}
	existing, created, err := s.store.Deliveries().CreateOrGet(ctx, d)
	if err != nil {
		return nil, err
	}
	if !created {
		s.log.Debug(ctx, "delivery already enqueued", "delivery_id", existing.ID.String(), "event_type", eventType)
	}
	return existing, nil
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info(ctx, "delivery scheduler started", "poll_interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "delivery scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Poll(ctx); err != nil {
				s.log.Error(ctx, "delivery poll failed", "err", err)
			}
		}
	}
}

// Poll claims one batch of due deliveries under row locks and processes each.
// Per-delivery failures are isolated.
func (s *Scheduler) Poll(ctx context.Context) error {
	return s.store.WithTx(ctx, func(tx store.Store) error {
		due, err := tx.Deliveries().ClaimDue(ctx, s.clock(), s.batch)
		if err != nil {
			return err
		}
		for i := range due {
			s.process(ctx, tx, &due[i])
		}
		return nil
	})
}

func (s *Scheduler) process(ctx context.Context, tx store.Store, d *model.WebhookDelivery) {
	url, secret, ok := s.resolveTarget(ctx, tx, d)
	if !ok {
		return
	}

	status, sendErr := s.sender.Send(ctx, url, secret, d.ID, d.Payload)
	if errors.Is(sendErr, ErrInvalidURL) {
		// Validation rejected the URL before any request; retrying cannot help.
		s.failImmediately(ctx, tx, d, sendErr.Error())
		return
	}

	now := s.clock()
	d.Attempts++
	d.LastAttemptAt = &now
	if status != 0 {
		d.LastStatusCode = &status
	}

	switch {
	case sendErr == nil && status >= 200 && status < 300:
		d.Status = model.DeliverySuccess
		d.LastError = ""
		d.NextRetryAt = nil
		if d.EndpointID != nil {
			if err := tx.Endpoints().RecordSuccess(ctx, *d.EndpointID, now); err != nil {
				s.log.Error(ctx, "record endpoint success failed", "endpoint_id", d.EndpointID.String(), "err", err)
			}
		}
		s.metrics.IncCounter(telemetry.MetricWebhookDeliveries, 1, "outcome", "success")
		s.log.Info(ctx, "webhook delivered", "delivery_id", d.ID.String(), "status_code", status)

	case d.Attempts >= MaxAttempts:
		d.Status = model.DeliveryFailed
		d.LastError = sendOutcome(status, sendErr)
		d.NextRetryAt = nil
		s.metrics.IncCounter(telemetry.MetricWebhookDeliveries, 1, "outcome", "exhausted")
		s.log.Warn(ctx, "webhook delivery exhausted",
			"delivery_id", d.ID.String(), "attempts", d.Attempts, "last_error", d.LastError)
		if d.EndpointID != nil {
			s.recordEndpointFailure(ctx, tx, *d.EndpointID)
		}

	default:
		delay := RetryDelays[min(d.Attempts, len(RetryDelays)-1)]
		next := now.Add(delay)
		d.NextRetryAt = &next
		d.LastError = sendOutcome(status, sendErr)
		s.metrics.IncCounter(telemetry.MetricWebhookDeliveries, 1, "outcome", "retry")
		s.log.Info(ctx, "webhook retry scheduled",
			"delivery_id", d.ID.String(), "attempt", d.Attempts, "delay", delay.String())
	}

	if err := tx.Deliveries().Update(ctx, d); err != nil {
		s.log.Error(ctx, "update delivery failed", "delivery_id", d.ID.String(), "err", err)
	}
}

// resolveTarget loads the endpoint URL and secret, or uses the per-job
// override with the global secret. A missing target fails the delivery
// without calling out.
func (s *Scheduler) resolveTarget(ctx context.Context, tx store.Store, d *model.WebhookDelivery) (url, secret string, ok bool) {
	if d.EndpointID != nil {
		endpoint, err := tx.Endpoints().Get(ctx, *d.EndpointID)
		if err != nil {
			s.failImmediately(ctx, tx, d, "endpoint not found")
			return "", "", false
		}
		return endpoint.URL, endpoint.SigningSecret, true
	}
	if d.URLOverride == "" {
		s.failImmediately(ctx, tx, d, "no url configured")
		return "", "", false
	}
	return d.URLOverride, s.globalSecret, true
}

func (s *Scheduler) failImmediately(ctx context.Context, tx store.Store, d *model.WebhookDelivery, reason string) {
	d.Status = model.DeliveryFailed
	d.LastError = reason
	d.NextRetryAt = nil
	if err := tx.Deliveries().Update(ctx, d); err != nil {
		s.log.Error(ctx, "update delivery failed", "delivery_id", d.ID.String(), "err", err)
	}
	s.metrics.IncCounter(telemetry.MetricWebhookDeliveries, 1, "outcome", "invalid")
	s.log.Warn(ctx, "webhook delivery dropped", "delivery_id", d.ID.String(), "reason", reason)
}

// recordEndpointFailure bumps the endpoint's consecutive-failure counter and
// auto-disables it past the threshold when no recent success exists.
func (s *Scheduler) recordEndpointFailure(ctx context.Context, tx store.Store, endpointID uuid.UUID) {
	failures, err := tx.Endpoints().IncrementFailures(ctx, endpointID)
	if err != nil {
		s.log.Error(ctx, "increment endpoint failures failed", "endpoint_id", endpointID.String(), "err", err)
		return
	}
	if failures < AutoDisableFailureThreshold {
		return
	}

	endpoint, err := tx.Endpoints().Get(ctx, endpointID)
	if err != nil {
		s.log.Error(ctx, "load endpoint failed", "endpoint_id", endpointID.String(), "err", err)
		return
	}
	if endpoint.LastSuccessAt != nil && endpoint.LastSuccessAt.After(s.clock().Add(-AutoDisableSuccessWindow)) {
		return
	}

	if err := tx.Endpoints().Disable(ctx, endpointID, DisabledReasonAuto); err != nil {
		s.log.Error(ctx, "disable endpoint failed", "endpoint_id", endpointID.String(), "err", err)
		return
	}
	s.audit.EndpointDisabled(ctx, endpoint.TenantID, endpointID, DisabledReasonAuto)
	s.log.Warn(ctx, "webhook endpoint auto-disabled",
		"endpoint_id", endpointID.String(), "consecutive_failures", failures)
}

func sendOutcome(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	if status != 0 {
		return fmt.Sprintf("HTTP %d", status)
	}
	return "unknown error"
}
