package pipeline

import (
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dalston.dev/dalston/model"
)

func TestBaseStage(t *testing.T) {
	cases := map[string]string{
		"transcribe":     "transcribe",
		"transcribe_ch0": "transcribe",
		"transcribe_ch3": "transcribe",
		"align_ch12":     "align",
		"diarize":        "diarize",
		"prepare_chx":    "prepare_chx", // non-numeric suffix is not a channel
		"merge_ch":       "merge_ch",
	}
	for in, want := range cases {
		assert.Equal(t, want, BaseStage(in), "BaseStage(%q)", in)
	}
}

func TestBuildDefaultPipeline(t *testing.T) {
	p, err := model.ParseParameters(nil)
	require.NoError(t, err)

	specs := Build(p)
	require.NoError(t, Validate(specs))

	stages := stageNames(specs)
	assert.Equal(t, []string{"prepare", "transcribe", "align", "merge"}, stages)

	merge := specByStage(t, specs, StageMerge)
	assert.ElementsMatch(t, []string{"prepare", "transcribe", "align"}, merge.DependsOn)
	assert.Equal(t, "none", merge.Config["speaker_detection"])
}

func TestBuildPerChannelStereo(t *testing.T) {
	p, err := model.ParseParameters(map[string]any{
		"speaker_detection":      "per_channel",
		"num_channels":           2,
		"timestamps_granularity": "segment",
	})
	require.NoError(t, err)

	specs := Build(p)
	require.NoError(t, Validate(specs))

	stages := stageNames(specs)
	assert.Equal(t, []string{"prepare", "transcribe_ch0", "transcribe_ch1", "merge"}, stages)

	prepare := specByStage(t, specs, StagePrepare)
	assert.Equal(t, true, prepare.Config["split_channels"])

	for _, st := range []string{"transcribe_ch0", "transcribe_ch1"} {
		s := specByStage(t, specs, st)
		assert.Equal(t, StageTranscribe, s.EngineID, "channel stages route to the base stream")
	}

	merge := specByStage(t, specs, StageMerge)
	assert.ElementsMatch(t, []string{"prepare", "transcribe_ch0", "transcribe_ch1"}, merge.DependsOn)
	assert.Equal(t, 2, merge.Config["channel_count"])
}

func TestBuildSingleChannelPerChannelStillFansOut(t *testing.T) {
	p, err := model.ParseParameters(map[string]any{
		"speaker_detection": "per_channel",
		"num_channels":      1,
	})
	require.NoError(t, err)

	specs := Build(p)
	stages := stageNames(specs)
	assert.Contains(t, stages, "transcribe_ch0")
	assert.NotContains(t, stages, "transcribe")
}

func TestBuildDiarizeWithPIIRedaction(t *testing.T) {
	p, err := model.ParseParameters(map[string]any{
		"speaker_detection":      "diarize",
		"timestamps_granularity": "word",
		"pii_detection":          true,
		"redact_pii_audio":       true,
		"pii_redaction_mode":     "beep",
	})
	require.NoError(t, err)

	specs := Build(p)
	require.NoError(t, Validate(specs))

	stages := stageNames(specs)
	assert.Equal(t, []string{"prepare", "transcribe", "align", "diarize", "pii_detect", "audio_redact", "merge"}, stages)

	pii := specByStage(t, specs, StagePIIDetect)
	assert.ElementsMatch(t, []string{"align", "diarize"}, pii.DependsOn)

	redact := specByStage(t, specs, StageAudioRedact)
	assert.Equal(t, []string{"pii_detect"}, redact.DependsOn)
	assert.Equal(t, "beep", redact.Config["redaction_mode"])

	merge := specByStage(t, specs, StageMerge)
	assert.ElementsMatch(t,
		[]string{"prepare", "transcribe", "align", "diarize", "pii_detect", "audio_redact"},
		merge.DependsOn)
}

func TestBuildSegmentTimestampsSuppressAlign(t *testing.T) {
	p, err := model.ParseParameters(map[string]any{
		"timestamps_granularity": "segment",
	})
	require.NoError(t, err)

	stages := stageNames(Build(p))
	assert.NotContains(t, stages, "align")
}

func TestBuildPIIJoinsOnTranscribeWithoutAlign(t *testing.T) {
	p, err := model.ParseParameters(map[string]any{
		"timestamps_granularity": "segment",
		"pii_detection":          true,
	})
	require.NoError(t, err)

	specs := Build(p)
	pii := specByStage(t, specs, StagePIIDetect)
	assert.Equal(t, []string{"transcribe"}, pii.DependsOn)
}

func TestMaterialize(t *testing.T) {
	p, err := model.ParseParameters(map[string]any{"speaker_detection": "diarize"})
	require.NoError(t, err)
	specs := Build(p)

	jobID := uuid.New()
	tasks, err := Materialize(jobID, specs)
	require.NoError(t, err)
	require.Len(t, tasks, len(specs))

	byStage := map[string]model.Task{}
	for _, task := range tasks {
		assert.Equal(t, jobID, task.JobID)
		assert.Equal(t, model.TaskPending, task.Status)
		assert.Equal(t, model.DefaultMaxRetries, task.MaxRetries)
		byStage[task.Stage] = task
	}

	merge := byStage[StageMerge]
	want := make([]uuid.UUID, 0, len(merge.Dependencies))
	for _, st := range []string{"prepare", "transcribe", "align", "diarize"} {
		want = append(want, byStage[st].ID)
	}
	assert.ElementsMatch(t, want, merge.Dependencies)
}

// TestBuildAlwaysAcyclic checks that every reachable parameter combination
// yields a DAG that validates (unique stages, known deps, no cycles) and ends
// in a merge stage depending on every other stage.
func TestBuildAlwaysAcyclic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("built pipelines validate", prop.ForAll(
		func(mode string, channels int, granularity string, pii, redact bool) bool {
			raw := map[string]any{
				"speaker_detection":      mode,
				"timestamps_granularity": granularity,
				"pii_detection":          pii,
			}
			if mode == "per_channel" {
				raw["num_channels"] = channels
			}
			if pii && redact {
				raw["redact_pii_audio"] = true
			}
			p, err := model.ParseParameters(raw)
			if err != nil {
				return false
			}
			specs := Build(p)
			if Validate(specs) != nil {
				return false
			}
			last := specs[len(specs)-1]
			return last.Stage == StageMerge && len(last.DependsOn) == len(specs)-1
		},
		gen.OneConstOf("none", "diarize", "per_channel"),
		gen.IntRange(1, 8),
		gen.OneConstOf("none", "segment", "word"),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func specByStage(t *testing.T, specs []TaskSpec, stage string) TaskSpec {
	t.Helper()
	for _, s := range specs {
		if s.Stage == stage {
			return s
		}
	}
	t.Fatalf("stage %q not found", stage)
	return TaskSpec{}
}
