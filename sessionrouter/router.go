package sessionrouter

import (
	"context"

	"github.com/redis/go-redis/v9"

	"dalston.dev/dalston/events"
	"dalston.dev/dalston/telemetry"
)

type (
	// CapacityInfo summarizes the pool for management APIs.
	CapacityInfo struct {
		TotalCapacity     int
		UsedCapacity      int
		AvailableCapacity int
		WorkerCount       int
		ReadyWorkers      int
	}

	// Router is the gateway-facing facade over the registry, allocator,
	// health monitor, and reconciler.
	Router struct {
		registry   *Registry
		allocator  *Allocator
		health     *HealthMonitor
		reconciler *Reconciler
	}

	// RouterOption configures the router's components.
	RouterOption func(*routerOptions)

	routerOptions struct {
		log       telemetry.Logger
		metrics   telemetry.Metrics
		healthOps []HealthOption
		reconOps  []ReconcileOption
	}
)

// WithTelemetry sets the logger and metrics for every component.
func WithTelemetry(log telemetry.Logger, m telemetry.Metrics) RouterOption {
	return func(o *routerOptions) {
		o.log = log
		o.metrics = m
	}
}

// WithHealthOptions forwards options to the health monitor.
func WithHealthOptions(opts ...HealthOption) RouterOption {
	return func(o *routerOptions) { o.healthOps = append(o.healthOps, opts...) }
}

// WithReconcileOptions forwards options to the reconciler.
func WithReconcileOptions(opts ...ReconcileOption) RouterOption {
	return func(o *routerOptions) { o.reconOps = append(o.reconOps, opts...) }
}

// NewRouter wires the session router over a Redis client and event bus.
func NewRouter(rdb *redis.Client, bus *events.Bus, opts ...RouterOption) *Router {
	o := &routerOptions{
		log:     telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
	}
	for _, opt := range opts {
		opt(o)
	}

	registry := NewRegistry(rdb)
	return &Router{
		registry:   registry,
		allocator:  NewAllocator(rdb, registry, o.log, o.metrics),
		health:     NewHealthMonitor(registry, bus, o.log, o.metrics, o.healthOps...),
		reconciler: NewReconciler(rdb, o.log, o.metrics, o.reconOps...),
	}
}

// Run starts the health monitor and reconciler loops; it blocks until the
// context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	errCh := make(chan error, 2)
	go func() { errCh <- r.health.Run(ctx) }()
	go func() { errCh <- r.reconciler.Run(ctx) }()
	<-ctx.Done()
	<-errCh
	<-errCh
	return ctx.Err()
}

// Acquire reserves a worker slot for a new session.
func (r *Router) Acquire(ctx context.Context, language, model, clientIP string, enhanceOnEnd bool) (*Allocation, error) {
	return r.allocator.Acquire(ctx, language, model, clientIP, enhanceOnEnd)
}

// Release frees a session's worker slot.
func (r *Router) Release(ctx context.Context, sessionID string) (*SessionState, error) {
	return r.allocator.Release(ctx, sessionID)
}

// Session returns a session's registry record.
func (r *Router) Session(ctx context.Context, sessionID string) (*SessionState, error) {
	return r.allocator.Session(ctx, sessionID)
}

// KeepAlive renews a session record's TTL.
func (r *Router) KeepAlive(ctx context.Context, sessionID string) error {
	return r.allocator.ExtendTTL(ctx, sessionID, SessionTTL)
}

// Workers lists the pool.
func (r *Router) Workers(ctx context.Context) ([]WorkerState, error) {
	return r.registry.Workers(ctx)
}

// Capacity summarizes the pool.
func (r *Router) Capacity(ctx context.Context) (CapacityInfo, error) {
	workers, err := r.registry.Workers(ctx)
	if err != nil {
		return CapacityInfo{}, err
	}
	info := CapacityInfo{WorkerCount: len(workers)}
	for _, w := range workers {
		info.TotalCapacity += w.Capacity
		info.UsedCapacity += w.ActiveSessions
		if w.Status == WorkerReady || w.Status == WorkerBusy {
			info.ReadyWorkers++
		}
	}
	info.AvailableCapacity = info.TotalCapacity - info.UsedCapacity
	return info, nil
}
