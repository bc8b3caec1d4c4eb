// Package sessionrouter allocates realtime transcription sessions to a pool
// of external workers.
//
// Workers publish heartbeats into a shared Redis registry; the router is a
// reader. Allocation is least-loaded with model/language affinity, capacity
// is reserved with an atomic counter increment, and two background loops keep
// the pool honest: a health monitor that marks silent workers offline, and an
// orphan reconciler that restores capacity leaked by gateway crashes.
package sessionrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry key layout, shared with the worker SDK.
const (
	workerSetKey         = "dalston:realtime:workers"
	workerKeyPrefix      = "dalston:realtime:worker:"
	workerSessionsSuffix = ":sessions"
	sessionKeyPrefix     = "dalston:realtime:session:"
	activeSessionsKey    = "dalston:realtime:sessions:active"
)

// Session record TTLs. Active sessions are renewed by the gateway keepalive;
// ended records linger briefly for debugging.
const (
	SessionTTL      = 5 * time.Minute
	EndedSessionTTL = time.Minute
)

type (
	// WorkerState is one worker's heartbeat snapshot.
	WorkerState struct {
		WorkerID           string
		Endpoint           string
		Status             string
		Capacity           int
		ActiveSessions     int
		ModelsLoaded       []string
		LanguagesSupported []string
		Engine             string
		GPUMemoryUsed      string
		GPUMemoryTotal     string
		LastHeartbeat      time.Time
		StartedAt          time.Time
	}

	// Registry reads worker state from the shared heartbeat registry.
	Registry struct {
		rdb *redis.Client
	}
)

// Worker statuses. Offline workers are excluded from allocation; the health
// monitor writes the offline status when heartbeats go stale.
const (
	WorkerReady    = "ready"
	WorkerBusy     = "busy"
	WorkerDraining = "draining"
	WorkerOffline  = "offline"
)

// AvailableCapacity is the number of open session slots.
func (w WorkerState) AvailableCapacity() int {
	free := w.Capacity - w.ActiveSessions
	if free < 0 {
		return 0
	}
	return free
}

// Available reports whether the worker can accept a session for the given
// model and language. A nil model matches any worker; language "auto"
// matches any, as does a worker advertising "auto" support.
func (w WorkerState) Available(model, language string) bool {
	if w.Status != WorkerReady && w.Status != WorkerBusy {
		return false
	}
	if w.AvailableCapacity() == 0 {
		return false
	}
	if model != "" && !contains(w.ModelsLoaded, model) {
		return false
	}
	if language != "" && language != "auto" &&
		!contains(w.LanguagesSupported, language) && !contains(w.LanguagesSupported, "auto") {
		return false
	}
	return true
}

// NewRegistry builds a registry reader.
func NewRegistry(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Workers returns every registered worker's state.
func (r *Registry) Workers(ctx context.Context) ([]WorkerState, error) {
	ids, err := r.rdb.SMembers(ctx, workerSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	workers := make([]WorkerState, 0, len(ids))
	for _, id := range ids {
		w, err := r.Worker(ctx, id)
		if err != nil {
			return nil, err
		}
		if w != nil {
			workers = append(workers, *w)
		}
	}
	sort.Slice(workers, func(i, k int) bool { return workers[i].WorkerID < workers[k].WorkerID })
	return workers, nil
}

// Worker returns one worker's state, or nil when its hash has expired.
func (r *Registry) Worker(ctx context.Context, workerID string) (*WorkerState, error) {
	data, err := r.rdb.HGetAll(ctx, workerKeyPrefix+workerID).Result()
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	w := parseWorker(workerID, data)
	return &w, nil
}

// AvailableWorkers returns workers able to take a (model, language) session,
// most free capacity first.
func (r *Registry) AvailableWorkers(ctx context.Context, model, language string) ([]WorkerState, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return nil, err
	}
	available := workers[:0]
	for _, w := range workers {
		if w.Available(model, language) {
			available = append(available, w)
		}
	}
	sort.SliceStable(available, func(i, k int) bool {
		return available[i].AvailableCapacity() > available[k].AvailableCapacity()
	})
	return available, nil
}

// MarkOffline flags a worker whose heartbeat went stale.
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	if err := r.rdb.HSet(ctx, workerKeyPrefix+workerID, "status", WorkerOffline).Err(); err != nil {
		return fmt.Errorf("mark worker %s offline: %w", workerID, err)
	}
	return nil
}

// WorkerSessions returns the session ids currently bound to a worker.
func (r *Registry) WorkerSessions(ctx context.Context, workerID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, workerKeyPrefix+workerID+workerSessionsSuffix).Result()
	if err != nil {
		return nil, fmt.Errorf("list sessions for worker %s: %w", workerID, err)
	}
	return ids, nil
}

// RegisterWorker writes a worker heartbeat. Production workers own their
// registry entries; this is for fixtures and the dev harness.
func (r *Registry) RegisterWorker(ctx context.Context, w WorkerState) error {
	models, err := json.Marshal(w.ModelsLoaded)
	if err != nil {
		return fmt.Errorf("encode models: %w", err)
	}
	languages, err := json.Marshal(w.LanguagesSupported)
	if err != nil {
		return fmt.Errorf("encode languages: %w", err)
	}
	fields := map[string]any{
		"endpoint":            w.Endpoint,
		"status":              w.Status,
		"capacity":            w.Capacity,
		"active_sessions":     w.ActiveSessions,
		"models_loaded":       string(models),
		"languages_supported": string(languages),
		"engine":              w.Engine,
		"gpu_memory_used":     w.GPUMemoryUsed,
		"gpu_memory_total":    w.GPUMemoryTotal,
		"last_heartbeat":      w.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"started_at":          w.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := r.rdb.HSet(ctx, workerKeyPrefix+w.WorkerID, fields).Err(); err != nil {
		return fmt.Errorf("register worker %s: %w", w.WorkerID, err)
	}
	if err := r.rdb.SAdd(ctx, workerSetKey, w.WorkerID).Err(); err != nil {
		return fmt.Errorf("add worker %s to set: %w", w.WorkerID, err)
	}
	return nil
}

func parseWorker(workerID string, data map[string]string) WorkerState {
	w := WorkerState{
		WorkerID:       workerID,
		Endpoint:       data["endpoint"],
		Status:         data["status"],
		Engine:         data["engine"],
		GPUMemoryUsed:  data["gpu_memory_used"],
		GPUMemoryTotal: data["gpu_memory_total"],
	}
	if w.Status == "" {
		w.Status = WorkerOffline
	}
	fmt.Sscanf(data["capacity"], "%d", &w.Capacity)
	fmt.Sscanf(data["active_sessions"], "%d", &w.ActiveSessions)
	_ = json.Unmarshal([]byte(data["models_loaded"]), &w.ModelsLoaded)
	_ = json.Unmarshal([]byte(data["languages_supported"]), &w.LanguagesSupported)
	w.LastHeartbeat = parseTime(data["last_heartbeat"])
	w.StartedAt = parseTime(data["started_at"])
	return w
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	return time.Time{}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
