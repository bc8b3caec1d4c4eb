// Package pipeline builds the task DAG for a batch transcription job.
//
// The builder is a pure function from job parameters to a list of task
// specifications in topological order. Dispatch is data-driven: each spec
// names the queue stream it routes to, so new stages are added by extending
// the builder and standing up an engine that consumes the new stream —
// nothing else in the control plane needs to know.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dalston.dev/dalston/model"
)

// Stage names understood by the stock engines. Per-channel fan-outs append
// "_ch<i>" and route to the base stream.
const (
	StagePrepare     = "prepare"
	StageTranscribe  = "transcribe"
	StageAlign       = "align"
	StageDiarize     = "diarize"
	StagePIIDetect   = "pii_detect"
	StageAudioRedact = "audio_redact"
	StageMerge       = "merge"
)

type (
	// TaskSpec describes one task to materialize for a job. DependsOn names
	// stages within the same spec list.
	TaskSpec struct {
		Stage      string
		EngineID   string
		DependsOn  []string
		Config     map[string]any
		Required   bool
		MaxRetries int
	}
)

// BaseStage extracts the routing stage from a per-channel stage name:
// "transcribe_ch3" routes to "transcribe", anything else routes to itself.
func BaseStage(stage string) string {
	idx := strings.LastIndex(stage, "_ch")
	if idx < 0 {
		return stage
	}
	suffix := stage[idx+len("_ch"):]
	if suffix == "" {
		return stage
	}
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return stage
		}
	}
	return stage[:idx]
}

// Build translates job parameters into the job's task DAG, in topological
// order. The default pipeline is prepare → transcribe → align → merge;
// speaker detection, timestamps granularity, and PII flags grow or shrink it.
func Build(p model.Parameters) []TaskSpec {
	withAlign := p.Timestamps == model.TimestampsWord

	specs := []TaskSpec{prepareSpec(p)}

	// Transcript-producing stages; merge and pii_detect join on these.
	var transcriptStages []string

	switch p.Speakers.Mode {
	case model.SpeakerPerChannel:
		for i := 0; i < p.Speakers.NumChannels; i++ {
			tr := fmt.Sprintf("%s_ch%d", StageTranscribe, i)
			specs = append(specs, TaskSpec{
				Stage:      tr,
				EngineID:   StageTranscribe,
				DependsOn:  []string{StagePrepare},
				Config:     transcribeConfig(p, i),
				Required:   true,
				MaxRetries: model.DefaultMaxRetries,
			})
			last := tr
			if withAlign {
				al := fmt.Sprintf("%s_ch%d", StageAlign, i)
				specs = append(specs, TaskSpec{
					Stage:      al,
					EngineID:   StageAlign,
					DependsOn:  []string{tr},
					Config:     map[string]any{"channel": i},
					Required:   true,
					MaxRetries: model.DefaultMaxRetries,
				})
				last = al
			}
			transcriptStages = append(transcriptStages, last)
		}
	default:
		specs = append(specs, TaskSpec{
			Stage:      StageTranscribe,
			EngineID:   StageTranscribe,
			DependsOn:  []string{StagePrepare},
			Config:     transcribeConfig(p, -1),
			Required:   true,
			MaxRetries: model.DefaultMaxRetries,
		})
		last := StageTranscribe
		if withAlign {
			specs = append(specs, TaskSpec{
				Stage:      StageAlign,
				EngineID:   StageAlign,
				DependsOn:  []string{StageTranscribe},
				Config:     map[string]any{},
				Required:   true,
				MaxRetries: model.DefaultMaxRetries,
			})
			last = StageAlign
		}
		transcriptStages = append(transcriptStages, last)
	}

	if p.Speakers.Mode == model.SpeakerDiarize {
		cfg := map[string]any{}
		if p.Speakers.MinSpeakers > 0 {
			cfg["min_speakers"] = p.Speakers.MinSpeakers
		}
		if p.Speakers.MaxSpeakers > 0 {
			cfg["max_speakers"] = p.Speakers.MaxSpeakers
		}
		specs = append(specs, TaskSpec{
			Stage:      StageDiarize,
			EngineID:   StageDiarize,
			DependsOn:  []string{StagePrepare},
			Config:     cfg,
			Required:   true,
			MaxRetries: model.DefaultMaxRetries,
		})
	}

	// merge joins every prior stage; pii stages slot in between when enabled.
	mergeDeps := []string{StagePrepare}
	mergeDeps = append(mergeDeps, stageNames(specs[1:])...)

	if p.PIIDetection {
		piiDeps := append([]string{}, transcriptStages...)
		if p.Speakers.Mode == model.SpeakerDiarize {
			piiDeps = append(piiDeps, StageDiarize)
		}
		specs = append(specs, TaskSpec{
			Stage:     StagePIIDetect,
			EngineID:  StagePIIDetect,
			DependsOn: piiDeps,
			Config: map[string]any{
				"redaction_mode": p.PIIRedactionMode,
			},
			Required:   true,
			MaxRetries: model.DefaultMaxRetries,
		})
		mergeDeps = append(mergeDeps, StagePIIDetect)

		if p.RedactPIIAudio {
			specs = append(specs, TaskSpec{
				Stage:     StageAudioRedact,
				EngineID:  StageAudioRedact,
				DependsOn: []string{StagePIIDetect},
				Config: map[string]any{
					"redaction_mode": p.PIIRedactionMode,
				},
				Required:   true,
				MaxRetries: model.DefaultMaxRetries,
			})
			mergeDeps = append(mergeDeps, StageAudioRedact)
		}
	}

	specs = append(specs, TaskSpec{
		Stage:      StageMerge,
		EngineID:   StageMerge,
		DependsOn:  mergeDeps,
		Config:     mergeConfig(p),
		Required:   true,
		MaxRetries: model.DefaultMaxRetries,
	})

	return specs
}

// Materialize assigns ids to the specs and resolves stage-name dependencies
// into task ids, producing rows ready for insertion.
func Materialize(jobID uuid.UUID, specs []TaskSpec) ([]model.Task, error) {
	ids := make(map[string]uuid.UUID, len(specs))
	for _, s := range specs {
		if _, dup := ids[s.Stage]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Stage)
		}
		ids[s.Stage] = uuid.New()
	}

	tasks := make([]model.Task, 0, len(specs))
	for _, s := range specs {
		deps := make([]uuid.UUID, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			id, ok := ids[d]
			if !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Stage, d)
			}
			deps = append(deps, id)
		}
		tasks = append(tasks, model.Task{
			ID:           ids[s.Stage],
			JobID:        jobID,
			Stage:        s.Stage,
			EngineID:     s.EngineID,
			Status:       model.TaskPending,
			Dependencies: deps,
			Config:       s.Config,
			Retries:      0,
			MaxRetries:   s.MaxRetries,
			Required:     s.Required,
		})
	}
	return tasks, nil
}

// Validate checks that the spec list is well-formed: unique stages, known
// dependencies, and no cycles.
func Validate(specs []TaskSpec) error {
	index := make(map[string]TaskSpec, len(specs))
	for _, s := range specs {
		if _, dup := index[s.Stage]; dup {
			return fmt.Errorf("duplicate stage %q", s.Stage)
		}
		index[s.Stage] = s
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(specs))
	var visit func(stage string) error
	visit = func(stage string) error {
		switch state[stage] {
		case visiting:
			return fmt.Errorf("dependency cycle through stage %q", stage)
		case done:
			return nil
		}
		state[stage] = visiting
		s, ok := index[stage]
		if !ok {
			return fmt.Errorf("unknown stage %q", stage)
		}
		for _, d := range s.DependsOn {
			if err := visit(d); err != nil {
				return err
			}
		}
		state[stage] = done
		return nil
	}
	for _, s := range specs {
		if err := visit(s.Stage); err != nil {
			return err
		}
	}
	return nil
}

func prepareSpec(p model.Parameters) TaskSpec {
	cfg := map[string]any{}
	if p.Speakers.Mode == model.SpeakerPerChannel {
		cfg["split_channels"] = true
		cfg["num_channels"] = p.Speakers.NumChannels
	}
	return TaskSpec{
		Stage:      StagePrepare,
		EngineID:   StagePrepare,
		Config:     cfg,
		Required:   true,
		MaxRetries: model.DefaultMaxRetries,
	}
}

func transcribeConfig(p model.Parameters, channel int) map[string]any {
	cfg := map[string]any{
		"language": p.Language,
	}
	if p.Model != "" {
		cfg["model"] = p.Model
	}
	if channel >= 0 {
		cfg["channel"] = channel
	}
	return cfg
}

func mergeConfig(p model.Parameters) map[string]any {
	cfg := map[string]any{
		"speaker_detection":      string(p.Speakers.Mode),
		"timestamps_granularity": string(p.Timestamps),
		"pii_detection":          p.PIIDetection,
	}
	if p.Speakers.Mode == model.SpeakerPerChannel {
		cfg["channel_count"] = p.Speakers.NumChannels
	}
	if p.RedactPIIAudio {
		cfg["redact_pii_audio"] = true
	}
	if p.LLMCleanup {
		cfg["llm_cleanup"] = true
	}
	if p.EmotionDetection {
		cfg["emotion_detection"] = true
	}
	return cfg
}

func stageNames(specs []TaskSpec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Stage
	}
	return names
}
