package sessionrouter

import (
	"context"
	"time"

	"dalston.dev/dalston/events"
	"dalston.dev/dalston/telemetry"
)

const (
	// CheckInterval is how often the monitor scans worker heartbeats.
	CheckInterval = 10 * time.Second
	// HeartbeatTimeout is how stale a heartbeat may be before the worker is
	// marked offline.
	HeartbeatTimeout = 30 * time.Second
)

type (
	// HealthMonitor marks workers offline when their heartbeats go stale
	// and publishes worker.offline events for every affected session so the
	// gateway can notify clients.
	HealthMonitor struct {
		registry *Registry
		bus      *events.Bus
		log      telemetry.Logger
		metrics  telemetry.Metrics
		interval time.Duration
		timeout  time.Duration
		clock    func() time.Time
	}

	// HealthOption configures the monitor.
	HealthOption func(*HealthMonitor)
)

// WithCheckInterval overrides the scan interval.
func WithCheckInterval(d time.Duration) HealthOption {
	return func(h *HealthMonitor) { h.interval = d }
}

// WithHeartbeatTimeout overrides the staleness threshold.
func WithHeartbeatTimeout(d time.Duration) HealthOption {
	return func(h *HealthMonitor) { h.timeout = d }
}

// WithHealthClock overrides the time source (tests).
func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthMonitor) { h.clock = clock }
}

// NewHealthMonitor builds the monitor.
func NewHealthMonitor(registry *Registry, bus *events.Bus, log telemetry.Logger, m telemetry.Metrics, opts ...HealthOption) *HealthMonitor {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	h := &HealthMonitor{
		registry: registry,
		bus:      bus,
		log:      log,
		metrics:  m,
		interval: CheckInterval,
		timeout:  HeartbeatTimeout,
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run scans on the configured interval until the context is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	h.log.Info(ctx, "health monitor started", "interval", h.interval.String(), "timeout", h.timeout.String())
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info(ctx, "health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := h.CheckWorkers(ctx); err != nil {
				h.log.Error(ctx, "health check failed", "err", err)
			}
		}
	}
}

// CheckWorkers marks every stale-heartbeat worker offline and publishes
// worker.offline for each of its sessions.
func (h *HealthMonitor) CheckWorkers(ctx context.Context) error {
	workers, err := h.registry.Workers(ctx)
	if err != nil {
		return err
	}
	now := h.clock()

	for _, worker := range workers {
		if worker.Status == WorkerOffline {
			continue
		}
		age := now.Sub(worker.LastHeartbeat)
		if age <= h.timeout {
			continue
		}

		h.log.Warn(ctx, "worker heartbeat stale",
			"worker_id", worker.WorkerID, "age", age.String())
		if err := h.registry.MarkOffline(ctx, worker.WorkerID); err != nil {
			h.log.Error(ctx, "mark offline failed", "worker_id", worker.WorkerID, "err", err)
			continue
		}
		h.metrics.IncCounter(telemetry.MetricWorkersOffline, 1)

		sessions, err := h.registry.WorkerSessions(ctx, worker.WorkerID)
		if err != nil {
			h.log.Error(ctx, "list worker sessions failed", "worker_id", worker.WorkerID, "err", err)
			continue
		}
		for _, sessionID := range sessions {
			err := h.bus.PublishRealtime(ctx, events.Event{
				Type:      events.WorkerOffline,
				WorkerID:  worker.WorkerID,
				SessionID: sessionID,
			})
			if err != nil {
				h.log.Error(ctx, "publish worker.offline failed",
					"worker_id", worker.WorkerID, "session_id", sessionID, "err", err)
			}
		}
	}
	return nil
}
