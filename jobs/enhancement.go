package jobs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"dalston.dev/dalston/model"
)

// batchModelFor maps a realtime model to its batch counterpart: sessions run
// fast models for latency, enhancement re-runs the audio through a larger
// one.
var batchModelFor = map[string]string{
	"fast":           "accurate",
	"distil-whisper": "faster-whisper-large-v3",
}

// EnhancementOptions selects which post-processing the batch pipeline runs
// over a recorded session.
type EnhancementOptions struct {
	Diarization    bool
	WordTimestamps bool
	LLMCleanup     bool
	Emotions       bool
}

// DefaultEnhancementOptions enables diarization and word alignment, the two
// enhancements realtime output always lacks.
func DefaultEnhancementOptions() EnhancementOptions {
	return EnhancementOptions{Diarization: true, WordTimestamps: true}
}

// CreateEnhancement creates a batch job from a finalized realtime session's
// recorded audio and links it on the session row. Requirements: the session
// recorded audio, has ended, and has no prior enhancement job.
func (s *Service) CreateEnhancement(ctx context.Context, p Principal, sessionID uuid.UUID, opts EnhancementOptions) (*model.Job, error) {
	session, err := s.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.TenantID != p.TenantID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrInvalid)
	}
	if session.AudioURI == "" {
		return nil, fmt.Errorf("%w: session has no recorded audio; enable store_audio when starting the session", ErrInvalid)
	}
	if !session.Status.Terminal() {
		return nil, fmt.Errorf("%w: session is still active", ErrConflict)
	}
	if session.EnhancementJobID != nil {
		return nil, fmt.Errorf("%w: session already has enhancement job %s", ErrConflict, session.EnhancementJobID)
	}

	language := session.Language
	if language == "" {
		language = "auto"
	}
	speakerDetection := "none"
	if opts.Diarization {
		speakerDetection = "diarize"
	}
	granularity := "segment"
	if opts.WordTimestamps {
		granularity = "word"
	}

	parameters := map[string]any{
		"language":               language,
		"model":                  batchModel(session.Model),
		"speaker_detection":      speakerDetection,
		"timestamps_granularity": granularity,
		"llm_cleanup":            opts.LLMCleanup,
		"emotion_detection":      opts.Emotions,
		"_enhancement": map[string]any{
			"source_session_id": session.ID.String(),
			"original_model":    session.Model,
			"original_engine":   session.Engine,
		},
	}

	var policyName string
	if session.RetentionPolicyID != nil {
		if policy, err := s.policies.Get(ctx, p.TenantID, *session.RetentionPolicyID); err == nil {
			policyName = policy.Name
		}
	}

	job, err := s.Create(ctx, p, CreateJobRequest{
		AudioURI:        session.AudioURI,
		Parameters:      parameters,
		RetentionPolicy: policyName,
	})
	if err != nil {
		return nil, err
	}

	linked, err := s.store.Sessions().SetEnhancementJob(ctx, sessionID, job.ID)
	if err != nil {
		return nil, err
	}
	if !linked {
		// Lost a race with a concurrent enhancement request; the job exists
		// but the other caller's link won.
		return nil, fmt.Errorf("%w: session already has an enhancement job", ErrConflict)
	}

	s.log.Info(ctx, "enhancement job created",
		"session_id", sessionID.String(), "job_id", job.ID.String())
	return job, nil
}

func batchModel(realtimeModel string) string {
	if batch, ok := batchModelFor[realtimeModel]; ok {
		return batch
	}
	if realtimeModel == "" {
		return "accurate"
	}
	return realtimeModel
}
