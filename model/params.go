package model

import (
	"errors"
	"fmt"
)

type (
	// SpeakerDetection is the tagged speaker-detection variant parsed from a
	// job's parameters map.
	SpeakerDetection struct {
		Mode SpeakerMode
		// MinSpeakers and MaxSpeakers bound diarization; zero means
		// unspecified.
		MinSpeakers int
		MaxSpeakers int
		// NumChannels is the fan-out width for per-channel mode (≥ 1).
		NumChannels int
	}

	// SpeakerMode discriminates SpeakerDetection.
	SpeakerMode string

	// TimestampsGranularity selects the timestamp resolution of results.
	TimestampsGranularity string

	// RetentionMode discriminates retention policies.
	RetentionMode string

	// RealtimeRetentionMode is the realtime override on a retention policy;
	// "inherit" falls back to the batch mode.
	RealtimeRetentionMode string

	// RetentionScope selects which artifacts a purge removes.
	RetentionScope string

	// Parameters is the typed view of a job's open parameters map. Unknown
	// keys are preserved in Raw and passed through to engines untouched.
	Parameters struct {
		Language         string
		Model            string
		Speakers         SpeakerDetection
		Timestamps       TimestampsGranularity
		PIIDetection     bool
		RedactPIIAudio   bool
		PIIRedactionMode string
		LLMCleanup       bool
		EmotionDetection bool
		Raw              map[string]any
	}
)

const (
	SpeakerNone       SpeakerMode = "none"
	SpeakerDiarize    SpeakerMode = "diarize"
	SpeakerPerChannel SpeakerMode = "per_channel"
)

const (
	TimestampsNone    TimestampsGranularity = "none"
	TimestampsSegment TimestampsGranularity = "segment"
	TimestampsWord    TimestampsGranularity = "word"
)

const (
	RetentionAutoDelete RetentionMode = "auto_delete"
	RetentionKeep       RetentionMode = "keep"
	RetentionNone       RetentionMode = "none"
)

const (
	RealtimeInherit    RealtimeRetentionMode = "inherit"
	RealtimeAutoDelete RealtimeRetentionMode = "auto_delete"
	RealtimeKeep       RealtimeRetentionMode = "keep"
	RealtimeNone       RealtimeRetentionMode = "none"
)

const (
	ScopeAll       RetentionScope = "all"
	ScopeAudioOnly RetentionScope = "audio_only"
)

// ErrInvalidParameters tags all parameter validation failures.
var ErrInvalidParameters = errors.New("invalid parameters")

// ParseParameters validates and types a job's open parameters map. The zero
// map yields defaults: auto language, no speaker detection, word timestamps.
func ParseParameters(raw map[string]any) (Parameters, error) {
	p := Parameters{
		Language:   "auto",
		Timestamps: TimestampsWord,
		Speakers:   SpeakerDetection{Mode: SpeakerNone},
		Raw:        raw,
	}
	if raw == nil {
		return p, nil
	}

	if v, ok := raw["language"].(string); ok && v != "" {
		p.Language = v
	}
	if v, ok := raw["model"].(string); ok {
		p.Model = v
	}
	p.PIIDetection = boolParam(raw, "pii_detection")
	p.RedactPIIAudio = boolParam(raw, "redact_pii_audio")
	if v, ok := raw["pii_redaction_mode"].(string); ok {
		p.PIIRedactionMode = v
	}
	p.LLMCleanup = boolParam(raw, "llm_cleanup")
	p.EmotionDetection = boolParam(raw, "emotion_detection")

	if v, ok := raw["timestamps_granularity"]; ok {
		g, okStr := v.(string)
		if !okStr {
			return p, fmt.Errorf("%w: timestamps_granularity must be a string", ErrInvalidParameters)
		}
		switch TimestampsGranularity(g) {
		case TimestampsNone, TimestampsSegment, TimestampsWord:
			p.Timestamps = TimestampsGranularity(g)
		default:
			return p, fmt.Errorf("%w: unknown timestamps_granularity %q", ErrInvalidParameters, g)
		}
	}

	mode := string(SpeakerNone)
	if v, ok := raw["speaker_detection"]; ok {
		m, okStr := v.(string)
		if !okStr {
			return p, fmt.Errorf("%w: speaker_detection must be a string", ErrInvalidParameters)
		}
		mode = m
	}
	switch SpeakerMode(mode) {
	case SpeakerNone:
	case SpeakerDiarize:
		p.Speakers.Mode = SpeakerDiarize
		p.Speakers.MinSpeakers = intParam(raw, "min_speakers")
		p.Speakers.MaxSpeakers = intParam(raw, "max_speakers")
		if p.Speakers.MinSpeakers < 0 || p.Speakers.MaxSpeakers < 0 {
			return p, fmt.Errorf("%w: speaker counts must be positive", ErrInvalidParameters)
		}
		if p.Speakers.MinSpeakers > 0 && p.Speakers.MaxSpeakers > 0 &&
			p.Speakers.MinSpeakers > p.Speakers.MaxSpeakers {
			return p, fmt.Errorf("%w: min_speakers exceeds max_speakers", ErrInvalidParameters)
		}
	case SpeakerPerChannel:
		p.Speakers.Mode = SpeakerPerChannel
		n := intParam(raw, "num_channels")
		if n == 0 {
			n = 1
		}
		if n < 1 {
			return p, fmt.Errorf("%w: num_channels must be at least 1", ErrInvalidParameters)
		}
		p.Speakers.NumChannels = n
	default:
		return p, fmt.Errorf("%w: unknown speaker_detection %q", ErrInvalidParameters, mode)
	}

	if p.RedactPIIAudio && !p.PIIDetection {
		return p, fmt.Errorf("%w: redact_pii_audio requires pii_detection", ErrInvalidParameters)
	}

	return p, nil
}

// Valid reports whether the mode/hours pairing on a policy is consistent:
// auto_delete requires hours ≥ 1, keep and none require nil hours.
func (m RetentionMode) Valid(hours *int) bool {
	switch m {
	case RetentionAutoDelete:
		return hours != nil && *hours >= 1
	case RetentionKeep, RetentionNone:
		return hours == nil
	}
	return false
}

func boolParam(raw map[string]any, key string) bool {
	v, ok := raw[key].(bool)
	return ok && v
}

// intParam reads an integer parameter tolerating JSON's float64 decoding.
func intParam(raw map[string]any, key string) int {
	switch v := raw[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
