// Package telemetry provides the logging and metrics seams used by the
// control plane. Implementations delegate to Clue and OpenTelemetry, but the
// interfaces are intentionally small so tests can provide lightweight stubs.
package telemetry

import (
	"context"
	"time"
)

type (
	// Logger captures structured logging used throughout the control plane.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter and timer helpers for control-plane
	// instrumentation. Tags are flat key-value pairs (k1, v1, k2, v2, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}
)

// Metric names recorded by the control plane. Kept in one place so dashboards
// and tests reference the same strings.
const (
	MetricEventsProcessed   = "dalston.orchestrator.events_processed"
	MetricTasksDispatched   = "dalston.orchestrator.tasks_dispatched"
	MetricTasksRetried      = "dalston.orchestrator.tasks_retried"
	MetricTasksFailed       = "dalston.orchestrator.tasks_failed"
	MetricJobsCompleted     = "dalston.orchestrator.jobs_completed"
	MetricScannerSweeps     = "dalston.scanner.sweeps"
	MetricTasksTimedOut     = "dalston.scanner.tasks_timed_out"
	MetricJobsPurged        = "dalston.retention.jobs_purged"
	MetricSessionsPurged    = "dalston.retention.sessions_purged"
	MetricWebhookDeliveries = "dalston.delivery.webhooks"
	MetricAuditFailures     = "dalston.audit.failures"
	MetricSessionsAllocated = "dalston.sessionrouter.sessions_allocated"
	MetricWorkersOffline    = "dalston.sessionrouter.workers_offline"
	MetricOrphansReconciled = "dalston.sessionrouter.orphans_reconciled"
)
