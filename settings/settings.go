// Package settings resolves namespaced runtime settings with admin
// overrides. Resolution order per key: tenant-scoped override → system
// override → environment variable → code default.
//
// Database overrides are cached per process for a few seconds; writers
// invalidate every process's cache through a Pulse replicated map, so a
// changed setting takes effect fleet-wide within one watch round-trip
// instead of one cache TTL.
package settings

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"dalston.dev/dalston/model"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// CacheTTL bounds how stale a cached namespace may be without an
// invalidation.
const CacheTTL = 5 * time.Second

// invalidationMapName is the replicated map settings writers touch.
const invalidationMapName = "dalston:settings:invalidations"

// Namespaces and keys the control plane reads.
const (
	NamespaceOrchestrator = "orchestrator"
	NamespaceRetention    = "retention"
	NamespaceWebhooks     = "webhooks"

	KeyEngineUnavailableBehavior = "engine_unavailable_behavior"
	KeyEngineWaitTimeoutSeconds  = "engine_wait_timeout_seconds"
	KeyCleanupIntervalSeconds    = "cleanup_interval_seconds"
	KeyCleanupBatchSize          = "cleanup_batch_size"
	KeyWebhookAllowPrivateURLs   = "allow_private_urls"
)

type (
	// Definition is one setting's schema: its env fallback, default, and
	// optional validation.
	Definition struct {
		Namespace string
		Key       string
		EnvVar    string
		Default   string
		// Validate rejects bad override values at write time. Nil accepts
		// anything.
		Validate func(value string) error
	}

	// Service resolves settings.
	Service struct {
		store store.Store
		log   telemetry.Logger

		invalidations *rmap.Map
		events        <-chan rmap.EventKind

		mu    sync.Mutex
		cache map[string]cacheEntry
	}

	cacheEntry struct {
		rows      map[string]string
		fetchedAt time.Time
	}
)

// Definitions is the setting registry. Admin updates outside this registry
// are rejected.
var Definitions = []Definition{
	{
		Namespace: NamespaceOrchestrator,
		Key:       KeyEngineUnavailableBehavior,
		EnvVar:    "DALSTON_ENGINE_UNAVAILABLE_BEHAVIOR",
		Default:   "fail_fast",
		Validate: func(v string) error {
			if v != "fail_fast" && v != "wait" {
				return fmt.Errorf("must be fail_fast or wait, got %q", v)
			}
			return nil
		},
	},
	{
		Namespace: NamespaceOrchestrator,
		Key:       KeyEngineWaitTimeoutSeconds,
		EnvVar:    "DALSTON_ENGINE_WAIT_TIMEOUT_SECONDS",
		Default:   "300",
		Validate:  validatePositiveInt,
	},
	{
		Namespace: NamespaceRetention,
		Key:       KeyCleanupIntervalSeconds,
		EnvVar:    "DALSTON_RETENTION_CLEANUP_INTERVAL_SECONDS",
		Default:   "300",
		Validate:  validatePositiveInt,
	},
	{
		Namespace: NamespaceRetention,
		Key:       KeyCleanupBatchSize,
		EnvVar:    "DALSTON_RETENTION_CLEANUP_BATCH_SIZE",
		Default:   "100",
		Validate:  validatePositiveInt,
	},
	{
		Namespace: NamespaceWebhooks,
		Key:       KeyWebhookAllowPrivateURLs,
		EnvVar:    "DALSTON_WEBHOOK_ALLOW_PRIVATE_URLS",
		Default:   "false",
		Validate: func(v string) error {
			if _, err := strconv.ParseBool(v); err != nil {
				return fmt.Errorf("must be a boolean, got %q", v)
			}
			return nil
		},
	},
}

func validatePositiveInt(v string) error {
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive integer, got %q", v)
	}
	return nil
}

// definition looks up a registry entry.
func definition(namespace, key string) (Definition, bool) {
	for _, d := range Definitions {
		if d.Namespace == namespace && d.Key == key {
			return d, true
		}
	}
	return Definition{}, false
}

// NewService builds a settings service. rdb is optional: with nil Redis the
// service runs with cache-TTL-only invalidation (tests, single-process dev).
func NewService(ctx context.Context, st store.Store, rdb *redis.Client, log telemetry.Logger) (*Service, error) {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	s := &Service{
		store: st,
		log:   log,
		cache: map[string]cacheEntry{},
	}
	if rdb != nil {
		m, err := rmap.Join(ctx, invalidationMapName, rdb)
		if err != nil {
			return nil, fmt.Errorf("join settings invalidation map: %w", err)
		}
		s.invalidations = m
		s.events = m.Subscribe()
		go s.watchInvalidations(ctx)
	}
	return s, nil
}

// Close releases the invalidation map subscription.
func (s *Service) Close() {
	if s.invalidations != nil {
		s.invalidations.Unsubscribe(s.events)
		s.invalidations.Close()
	}
}

// watchInvalidations drops the whole cache on any remote settings write.
// Writes are rare; clearing coarsely keeps the protocol trivial.
func (s *Service) watchInvalidations(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-s.events:
			if !ok {
				return
			}
			s.mu.Lock()
			s.cache = map[string]cacheEntry{}
			s.mu.Unlock()
			s.log.Debug(ctx, "settings cache invalidated")
		}
	}
}

// Get resolves one setting for a tenant.
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID, namespace, key string) (string, error) {
	defn, ok := definition(namespace, key)
	if !ok {
		return "", fmt.Errorf("unknown setting %s/%s: %w", namespace, key, store.ErrNotFound)
	}

	if rows := s.namespaceRows(ctx, &tenantID, namespace); rows != nil {
		if v, ok := rows[key]; ok {
			return v, nil
		}
	}
	if rows := s.namespaceRows(ctx, nil, namespace); rows != nil {
		if v, ok := rows[key]; ok {
			return v, nil
		}
	}
	if defn.EnvVar != "" {
		if v := os.Getenv(defn.EnvVar); v != "" {
			return v, nil
		}
	}
	return defn.Default, nil
}

// GetInt resolves an integer setting, falling back to the default on a
// malformed override.
func (s *Service) GetInt(ctx context.Context, tenantID uuid.UUID, namespace, key string) (int, error) {
	v, err := s.Get(ctx, tenantID, namespace, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		defn, _ := definition(namespace, key)
		s.log.Warn(ctx, "malformed setting override, using default",
			"namespace", namespace, "key", key, "value", v)
		return strconv.Atoi(defn.Default)
	}
	return n, nil
}

// Update writes an override (tenant-scoped, or system-wide with a nil
// tenant) and invalidates every process's cache.
func (s *Service) Update(ctx context.Context, tenantID *uuid.UUID, namespace, key, value string) error {
	defn, ok := definition(namespace, key)
	if !ok {
		return fmt.Errorf("unknown setting %s/%s: %w", namespace, key, store.ErrNotFound)
	}
	if defn.Validate != nil {
		if err := defn.Validate(value); err != nil {
			return fmt.Errorf("invalid value for %s/%s: %w", namespace, key, err)
		}
	}
	if err := s.store.Settings().Upsert(ctx, model.SettingRow{
		TenantID:  tenantID,
		Namespace: namespace,
		Key:       key,
		Value:     value,
	}); err != nil {
		return err
	}
	s.invalidate(ctx, namespace)
	return nil
}

// Reset removes an override.
func (s *Service) Reset(ctx context.Context, tenantID *uuid.UUID, namespace, key string) error {
	if _, ok := definition(namespace, key); !ok {
		return fmt.Errorf("unknown setting %s/%s: %w", namespace, key, store.ErrNotFound)
	}
	if err := s.store.Settings().Delete(ctx, tenantID, namespace, key); err != nil {
		return err
	}
	s.invalidate(ctx, namespace)
	return nil
}

func (s *Service) invalidate(ctx context.Context, namespace string) {
	s.mu.Lock()
	s.cache = map[string]cacheEntry{}
	s.mu.Unlock()
	if s.invalidations != nil {
		stamp := strconv.FormatInt(time.Now().UnixNano(), 10)
		if _, err := s.invalidations.Set(ctx, namespace, stamp); err != nil {
			s.log.Warn(ctx, "settings invalidation broadcast failed", "namespace", namespace, "err", err)
		}
	}
}

// namespaceRows returns the override rows for a scope, served from the cache
// within its TTL. Store failures resolve as "no overrides" so settings reads
// never block business operations.
func (s *Service) namespaceRows(ctx context.Context, tenantID *uuid.UUID, namespace string) map[string]string {
	cacheKey := "system:" + namespace
	if tenantID != nil {
		cacheKey = tenantID.String() + ":" + namespace
	}

	s.mu.Lock()
	entry, ok := s.cache[cacheKey]
	s.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < CacheTTL {
		return entry.rows
	}

	rows, err := s.store.Settings().Namespace(ctx, tenantID, namespace)
	if err != nil {
		s.log.Warn(ctx, "settings load failed", "namespace", namespace, "err", err)
		return nil
	}
	m := make(map[string]string, len(rows))
	for _, row := range rows {
		m[row.Key] = row.Value
	}

	s.mu.Lock()
	s.cache[cacheKey] = cacheEntry{rows: m, fetchedAt: time.Now()}
	s.mu.Unlock()
	return m
}

// EngineUnavailableBehavior implements the orchestrator dispatch policy.
func (s *Service) EngineUnavailableBehavior(ctx context.Context) string {
	v, err := s.Get(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineUnavailableBehavior)
	if err != nil {
		return "fail_fast"
	}
	return v
}

// EngineWaitTimeout implements the orchestrator dispatch policy.
func (s *Service) EngineWaitTimeout(ctx context.Context) time.Duration {
	n, err := s.GetInt(ctx, model.DefaultTenantID, NamespaceOrchestrator, KeyEngineWaitTimeoutSeconds)
	if err != nil || n < 1 {
		return 5 * time.Minute
	}
	return time.Duration(n) * time.Second
}

// EngineWaitEnabled implements the scanner wait policy.
func (s *Service) EngineWaitEnabled(ctx context.Context) bool {
	return s.EngineUnavailableBehavior(ctx) == "wait"
}
