package jobs

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// parameterSchema constrains the open parameters map beyond what the typed
// parser checks: enum membership, value ranges, and field types. Unknown
// keys pass through untouched so engines can grow parameters without a core
// release.
const parameterSchema = `{
	"type": "object",
	"properties": {
		"language": {"type": "string", "minLength": 2, "maxLength": 16},
		"model": {"type": "string", "maxLength": 100},
		"speaker_detection": {"enum": ["none", "diarize", "per_channel"]},
		"timestamps_granularity": {"enum": ["none", "segment", "word"]},
		"num_channels": {"type": "integer", "minimum": 1, "maximum": 32},
		"min_speakers": {"type": "integer", "minimum": 1, "maximum": 32},
		"max_speakers": {"type": "integer", "minimum": 1, "maximum": 32},
		"pii_detection": {"type": "boolean"},
		"redact_pii_audio": {"type": "boolean"},
		"pii_redaction_mode": {"enum": ["beep", "silence", "tone"]},
		"llm_cleanup": {"type": "boolean"},
		"emotion_detection": {"type": "boolean"}
	}
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// ValidateParameterSchema checks the parameters map against the schema.
func ValidateParameterSchema(params map[string]any) error {
	if params == nil {
		return nil
	}
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(parameterSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse parameter schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("parameters.json", doc); err != nil {
			schemaErr = fmt.Errorf("add parameter schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("parameters.json")
	})
	if schemaErr != nil {
		return schemaErr
	}
	return compiledSchema.Validate(normalize(params))
}

// normalize converts Go-typed values into the shapes the JSON Schema
// validator expects (ints arrive as json.Number equivalents after decoding,
// but callers may hand us native ints).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		list := make([]any, len(t))
		for i, val := range t {
			list[i] = normalize(val)
		}
		return list
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return v
	}
}
