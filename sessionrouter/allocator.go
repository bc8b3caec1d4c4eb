package sessionrouter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dalston.dev/dalston/telemetry"
)

type (
	// Allocation is the result of a successful worker acquisition.
	Allocation struct {
		WorkerID  string
		Endpoint  string
		SessionID string
		Engine    string
	}

	// SessionState is the registry-side session binding.
	SessionState struct {
		SessionID    string
		WorkerID     string
		Status       string
		Language     string
		Model        string
		ClientIP     string
		StartedAt    time.Time
		EnhanceOnEnd bool
	}

	// Allocator reserves worker capacity for sessions using a least-loaded
	// strategy and tracks session-to-worker bindings in the registry.
	Allocator struct {
		rdb      *redis.Client
		registry *Registry
		log      telemetry.Logger
		metrics  telemetry.Metrics
	}
)

// NewAllocator builds an allocator over the shared registry.
func NewAllocator(rdb *redis.Client, registry *Registry, log telemetry.Logger, m telemetry.Metrics) *Allocator {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if m == nil {
		m = telemetry.NewNoopMetrics()
	}
	return &Allocator{rdb: rdb, registry: registry, log: log, metrics: m}
}

// Acquire finds a worker with capacity for the request and reserves a slot.
// Returns nil when no worker can take the session. The reservation is an
// atomic counter increment; losing the race (increment past capacity) rolls
// back and falls through to the next candidate.
func (a *Allocator) Acquire(ctx context.Context, language, model, clientIP string, enhanceOnEnd bool) (*Allocation, error) {
	available, err := a.registry.AvailableWorkers(ctx, model, language)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		a.log.Warn(ctx, "no workers available", "model", model, "language", language)
		return nil, nil
	}

	for _, worker := range available {
		workerKey := workerKeyPrefix + worker.WorkerID
		newCount, err := a.rdb.HIncrBy(ctx, workerKey, "active_sessions", 1).Result()
		if err != nil {
			return nil, fmt.Errorf("reserve slot on %s: %w", worker.WorkerID, err)
		}
		if newCount > int64(worker.Capacity) {
			// Lost the race; release and try the next worker.
			if err := a.rdb.HIncrBy(ctx, workerKey, "active_sessions", -1).Err(); err != nil {
				return nil, fmt.Errorf("rollback slot on %s: %w", worker.WorkerID, err)
			}
			a.log.Warn(ctx, "worker at capacity, rolled back", "worker_id", worker.WorkerID)
			continue
		}

		sessionID := newSessionID()
		if err := a.createSession(ctx, sessionID, worker.WorkerID, language, model, clientIP, enhanceOnEnd); err != nil {
			return nil, err
		}
		if err := a.rdb.SAdd(ctx, workerKey+workerSessionsSuffix, sessionID).Err(); err != nil {
			return nil, fmt.Errorf("bind session to worker: %w", err)
		}
		if err := a.rdb.SAdd(ctx, activeSessionsKey, sessionID).Err(); err != nil {
			return nil, fmt.Errorf("index active session: %w", err)
		}

		a.metrics.IncCounter(telemetry.MetricSessionsAllocated, 1, "worker", worker.WorkerID)
		a.log.Info(ctx, "session allocated",
			"session_id", sessionID, "worker_id", worker.WorkerID,
			"active", newCount, "capacity", worker.Capacity)

		return &Allocation{
			WorkerID:  worker.WorkerID,
			Endpoint:  worker.Endpoint,
			SessionID: sessionID,
			Engine:    worker.Engine,
		}, nil
	}
	return nil, nil
}

// Release frees a session's worker slot, removes it from both indexes, and
// marks the record ended with a short TTL for debugging. Returns the prior
// session state, or nil when the record already expired.
func (a *Allocator) Release(ctx context.Context, sessionID string) (*SessionState, error) {
	sessionKey := sessionKeyPrefix + sessionID
	data, err := a.rdb.HGetAll(ctx, sessionKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(data) == 0 {
		a.log.Warn(ctx, "session not found on release", "session_id", sessionID)
		return nil, nil
	}
	workerID := data["worker_id"]
	if workerID == "" {
		return nil, nil
	}

	if err := a.rdb.HIncrBy(ctx, workerKeyPrefix+workerID, "active_sessions", -1).Err(); err != nil {
		return nil, fmt.Errorf("release slot on %s: %w", workerID, err)
	}
	if err := a.rdb.SRem(ctx, workerKeyPrefix+workerID+workerSessionsSuffix, sessionID).Err(); err != nil {
		return nil, fmt.Errorf("unbind session from worker: %w", err)
	}
	if err := a.rdb.SRem(ctx, activeSessionsKey, sessionID).Err(); err != nil {
		return nil, fmt.Errorf("drop active session index: %w", err)
	}
	if err := a.rdb.HSet(ctx, sessionKey, "status", "ended").Err(); err != nil {
		return nil, fmt.Errorf("mark session ended: %w", err)
	}
	if err := a.rdb.Expire(ctx, sessionKey, EndedSessionTTL).Err(); err != nil {
		return nil, fmt.Errorf("expire session record: %w", err)
	}

	a.log.Info(ctx, "session released", "session_id", sessionID, "worker_id", workerID)
	state := parseSession(sessionID, data)
	state.Status = "ended"
	return &state, nil
}

// Session returns a session's registry record, or nil when expired.
func (a *Allocator) Session(ctx context.Context, sessionID string) (*SessionState, error) {
	data, err := a.rdb.HGetAll(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	state := parseSession(sessionID, data)
	return &state, nil
}

// ExtendTTL renews a session record's TTL. The gateway keepalive calls this
// for long-running sessions.
func (a *Allocator) ExtendTTL(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = SessionTTL
	}
	if err := a.rdb.Expire(ctx, sessionKeyPrefix+sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("extend session %s: %w", sessionID, err)
	}
	return nil
}

func (a *Allocator) createSession(ctx context.Context, sessionID, workerID, language, model, clientIP string, enhanceOnEnd bool) error {
	sessionKey := sessionKeyPrefix + sessionID
	fields := map[string]any{
		"worker_id":      workerID,
		"status":         "active",
		"language":       language,
		"model":          model,
		"client_ip":      clientIP,
		"started_at":     time.Now().UTC().Format(time.RFC3339Nano),
		"enhance_on_end": strconv.FormatBool(enhanceOnEnd),
	}
	if err := a.rdb.HSet(ctx, sessionKey, fields).Err(); err != nil {
		return fmt.Errorf("create session record: %w", err)
	}
	if err := a.rdb.Expire(ctx, sessionKey, SessionTTL).Err(); err != nil {
		return fmt.Errorf("set session ttl: %w", err)
	}
	return nil
}

func parseSession(sessionID string, data map[string]string) SessionState {
	enhance, _ := strconv.ParseBool(data["enhance_on_end"])
	return SessionState{
		SessionID:    sessionID,
		WorkerID:     data["worker_id"],
		Status:       data["status"],
		Language:     data["language"],
		Model:        data["model"],
		ClientIP:     data["client_ip"],
		StartedAt:    parseTime(data["started_at"]),
		EnhanceOnEnd: enhance,
	}
}

// newSessionID mints "sess_" plus 16 hex characters.
func newSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is unrecoverable in practice.
		panic(fmt.Sprintf("session id entropy: %v", err))
	}
	return "sess_" + hex.EncodeToString(buf[:])
}
