package sessionrouter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"dalston.dev/dalston/telemetry"
)

// DefaultReconcileInterval is how often the reconciler looks for orphans
// after the startup pass.
const DefaultReconcileInterval = time.Minute

// decrementClampScript decrements a worker's session counter without going
// below zero; a worker whose counter is already zero stays at zero.
var decrementClampScript = redis.NewScript(`
local current = tonumber(redis.call("hget", KEYS[1], "active_sessions") or "0")
if current > 0 then
	return redis.call("hincrby", KEYS[1], "active_sessions", -1)
end
return 0`)

type (
	// Reconciler cleans up orphaned sessions: ids still in the active set
	// whose session record expired because a gateway crashed between accept
	// and close. Each orphan's worker counter is restored (clamped at zero)
	// and the id is dropped from both indexes.
	Reconciler struct {
		rdb      *redis.Client
		log      telemetry.Logger
		metrics  telemetry.Metrics
		interval time.Duration
	}

	// ReconcileOption configures the reconciler.
	ReconcileOption func(*Reconciler)
)

// WithReconcileInterval overrides the periodic pass interval.
func WithReconcileInterval(d time.Duration) ReconcileOption {
	return func(r *Reconciler) { r.interval = d }
}

// NewReconciler builds the reconciler.
func NewReconciler(rdb *redis.Client, log telemetry.Logger, m telemetry.Metrics, opts ...ReconcileOption) *Reconciler {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	r := &Reconciler{rdb: rdb, log: log, metrics: m, interval: DefaultReconcileInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run reconciles once immediately (startup pass) and then on the configured
// interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.Reconcile(ctx); err != nil {
		r.log.Error(ctx, "startup reconcile failed", "err", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.log.Error(ctx, "reconcile failed", "err", err)
			}
		}
	}
}

// Reconcile runs one orphan sweep and returns how many sessions were cleaned.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	ids, err := r.rdb.SMembers(ctx, activeSessionsKey).Result()
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, sessionID := range ids {
		exists, err := r.rdb.Exists(ctx, sessionKeyPrefix+sessionID).Result()
		if err != nil {
			return cleaned, err
		}
		if exists > 0 {
			continue
		}

		// Record expired but the id is still indexed: a crash orphan. The
		// owning worker is unknown without the record, so scan worker
		// session sets for the binding.
		workerID, err := r.findOwner(ctx, sessionID)
		if err != nil {
			return cleaned, err
		}
		if workerID != "" {
			if err := decrementClampScript.Run(ctx, r.rdb, []string{workerKeyPrefix + workerID}).Err(); err != nil && err != redis.Nil {
				return cleaned, err
			}
			if err := r.rdb.SRem(ctx, workerKeyPrefix+workerID+workerSessionsSuffix, sessionID).Err(); err != nil {
				return cleaned, err
			}
		}
		if err := r.rdb.SRem(ctx, activeSessionsKey, sessionID).Err(); err != nil {
			return cleaned, err
		}

		cleaned++
		r.metrics.IncCounter(telemetry.MetricOrphansReconciled, 1)
		r.log.Info(ctx, "orphaned session reconciled", "session_id", sessionID, "worker_id", workerID)
	}
	return cleaned, nil
}

func (r *Reconciler) findOwner(ctx context.Context, sessionID string) (string, error) {
	workerIDs, err := r.rdb.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return "", err
	}
	for _, workerID := range workerIDs {
		member, err := r.rdb.SIsMember(ctx, workerKeyPrefix+workerID+workerSessionsSuffix, sessionID).Result()
		if err != nil {
			return "", err
		}
		if member {
			return workerID, nil
		}
	}
	return "", nil
}
