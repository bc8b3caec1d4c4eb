// Package sessions manages realtime session history: the persistent record
// behind each WebSocket session. Records are created on accept, updated
// periodically with accumulated stats, and finalized on disconnect with
// retention stamping and optional batch enhancement.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dalston.dev/dalston/audit"
	"dalston.dev/dalston/jobs"
	"dalston.dev/dalston/model"
	"dalston.dev/dalston/retention"
	"dalston.dev/dalston/store"
	"dalston.dev/dalston/telemetry"
)

// ErrConflict tags finalization of an already-terminal session.
var ErrConflict = errors.New("conflict")

type (
	// CreateSessionRequest is the validated record the gateway writes on
	// WebSocket accept.
	CreateSessionRequest struct {
		SessionID         uuid.UUID
		Language          string
		Model             string
		Engine            string
		Encoding          string
		SampleRate        int
		WorkerID          string
		ClientIP          string
		PreviousSessionID *uuid.UUID
		RetentionPolicy   string
	}

	// FinalizeRequest closes a session record.
	FinalizeRequest struct {
		Status               model.SessionStatus
		AudioDurationSeconds float64
		SegmentCount         int
		WordCount            int
		AudioURI             string
		TranscriptURI        string
		// EnhanceOnEnd triggers batch enhancement when the session
		// recorded audio.
		EnhanceOnEnd bool
	}

	// Service manages session history rows.
	Service struct {
		store    store.Store
		policies *retention.Service
		jobs     *jobs.Service
		audit    *audit.Recorder
		log      telemetry.Logger
		clock    func() time.Time
	}
)

// NewService wires the session history service. The jobs service is
// optional; without it EnhanceOnEnd is ignored.
func NewService(st store.Store, policies *retention.Service, jobsSvc *jobs.Service, rec *audit.Recorder, log telemetry.Logger) *Service {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Service{
		store:    st,
		policies: policies,
		jobs:     jobsSvc,
		audit:    rec,
		log:      log,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source (tests).
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Create persists a new active session record.
func (s *Service) Create(ctx context.Context, p jobs.Principal, req CreateSessionRequest) (*model.Session, error) {
	policy, err := s.policies.Resolve(ctx, p.TenantID, req.RetentionPolicy)
	if err != nil {
		return nil, err
	}

	session := &model.Session{
		ID:                req.SessionID,
		TenantID:          p.TenantID,
		Status:            model.SessionActive,
		Language:          req.Language,
		Model:             req.Model,
		Engine:            req.Engine,
		Encoding:          req.Encoding,
		SampleRate:        req.SampleRate,
		WorkerID:          req.WorkerID,
		ClientIP:          req.ClientIP,
		PreviousSessionID: req.PreviousSessionID,
		RetentionPolicyID: &policy.ID,
	}
	if err := s.store.Sessions().Create(ctx, session); err != nil {
		return nil, err
	}
	s.audit.SessionStarted(ctx, p.TenantID, session.ID, req.WorkerID)
	s.log.Info(ctx, "session record created",
		"session_id", session.ID.String(), "worker_id", req.WorkerID)
	return session, nil
}

// UpdateStats refreshes a session's accumulated counters mid-flight.
func (s *Service) UpdateStats(ctx context.Context, sessionID uuid.UUID, duration float64, segments, words int) error {
	return s.store.Sessions().UpdateStats(ctx, sessionID, store.SessionUpdate{
		AudioDurationSeconds: &duration,
		SegmentCount:         &segments,
		WordCount:            &words,
	})
}

// Finalize closes a session: terminal status, final stats, artifact URIs,
// retention stamping from the policy's realtime sub-policy, and optional
// enhancement. Finalizing an already-terminal session is a conflict.
func (s *Service) Finalize(ctx context.Context, p jobs.Principal, sessionID uuid.UUID, req FinalizeRequest) (*model.Session, error) {
	if !req.Status.Terminal() {
		return nil, fmt.Errorf("%w: finalize requires a terminal status", ErrConflict)
	}

	session, err := s.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TenantID != p.TenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}

	upd := store.SessionUpdate{
		AudioDurationSeconds: &req.AudioDurationSeconds,
		SegmentCount:         &req.SegmentCount,
		WordCount:            &req.WordCount,
	}
	if req.AudioURI != "" {
		upd.AudioURI = &req.AudioURI
	}
	if req.TranscriptURI != "" {
		upd.TranscriptURI = &req.TranscriptURI
	}
	if err := s.store.Sessions().UpdateStats(ctx, sessionID, upd); err != nil {
		return nil, err
	}

	now := s.clock()
	var purgeAfter *time.Time
	if session.RetentionPolicyID != nil {
		if policy, err := s.store.Policies().Get(ctx, *session.RetentionPolicyID); err == nil {
			purgeAfter = retention.RealtimePurgeAfter(policy, now)
		} else {
			s.log.Warn(ctx, "retention policy lookup failed on finalize",
				"session_id", sessionID.String(), "err", err)
		}
	}

	finalized, err := s.store.Sessions().Finalize(ctx, sessionID, req.Status, now, purgeAfter)
	if err != nil {
		return nil, err
	}
	if !finalized {
		return nil, fmt.Errorf("%w: session already finalized", ErrConflict)
	}

	s.audit.SessionEnded(ctx, p.TenantID, sessionID, req.Status)
	if err := s.store.Artifacts().MarkAvailable(ctx, model.OwnerSession, sessionID, now); err != nil {
		s.log.Error(ctx, "mark session artifacts available failed",
			"session_id", sessionID.String(), "err", err)
	}
	s.log.Info(ctx, "session finalized",
		"session_id", sessionID.String(), "status", string(req.Status),
		"duration_seconds", req.AudioDurationSeconds)

	if req.EnhanceOnEnd && s.jobs != nil && req.AudioURI != "" && req.Status == model.SessionCompleted {
		if _, err := s.jobs.CreateEnhancement(ctx, p, sessionID, jobs.DefaultEnhancementOptions()); err != nil {
			// Enhancement is best-effort; the session is already closed.
			s.log.Warn(ctx, "enhancement job creation failed",
				"session_id", sessionID.String(), "err", err)
		}
	}

	return s.store.Sessions().Get(ctx, sessionID)
}

// Get returns a tenant's session record.
func (s *Service) Get(ctx context.Context, p jobs.Principal, sessionID uuid.UUID) (*model.Session, error) {
	session, err := s.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TenantID != p.TenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	return session, nil
}

// List pages a tenant's sessions newest first.
func (s *Service) List(ctx context.Context, p jobs.Principal, limit int, createdBefore *time.Time) ([]model.Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.Sessions().List(ctx, p.TenantID, limit, createdBefore)
}

// ParseSessionID accepts both the wire format ("sess_" + 16 hex chars) and a
// raw UUID. Wire ids are zero-padded into the UUID space.
func ParseSessionID(raw string) (uuid.UUID, error) {
	if hexPart, ok := strings.CutPrefix(raw, "sess_"); ok {
		if hexPart == "" {
			return uuid.Nil, fmt.Errorf("invalid session id %q", raw)
		}
		padded := hexPart
		for len(padded) < 32 {
			padded += "0"
		}
		id, err := uuid.Parse(padded)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid session id %q: %w", raw, err)
		}
		return id, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid session id %q: %w", raw, err)
	}
	return id, nil
}
