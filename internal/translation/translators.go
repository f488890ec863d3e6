// Package translation implements the standalone schema translation
// service: version-pair translators with field-mapping metadata, a
// digest-keyed result cache, and an append-only history log.
package translation

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Result is a translator's output: the reshaped payload plus what
// happened to each field on the way through.
type Result struct {
	Data            []byte
	MappedFields    []string
	DroppedFields   []string
	DefaultedFields []string
	Warnings        []string
}

// Translator converts a payload between two schema versions.
// Implementations must be pure functions of their input: identical
// payloads must produce identical output.
type Translator interface {
	// Name identifies the translator in logs and history records.
	Name() string

	// Translate reshapes the payload for the target version.
	Translate(data []byte) (*Result, error)
}

// FieldMapping declares how one source field lands in the target schema.
type FieldMapping struct {
	// SourcePath is the gjson path of the field in the source payload.
	SourcePath string

	// TargetPath is the sjson path the value is written to.
	TargetPath string

	// Default is written when the source field is absent. Nil means no
	// default.
	Default any

	// Required adds a warning when the source field is absent and no
	// default exists.
	Required bool
}

// FieldMappingTranslator applies an ordered list of field mappings.
// Source fields not covered by any mapping are dropped and reported as
// such in the result metadata.
type FieldMappingTranslator struct {
	name     string
	mappings []FieldMapping
}

var _ Translator = (*FieldMappingTranslator)(nil)

// NewFieldMappingTranslator creates a translator from a mapping table.
func NewFieldMappingTranslator(name string, mappings []FieldMapping) *FieldMappingTranslator {
	return &FieldMappingTranslator{name: name, mappings: mappings}
}

func (t *FieldMappingTranslator) Name() string { return t.name }

func (t *FieldMappingTranslator) Translate(data []byte) (*Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON payload")
	}

	res := &Result{Data: []byte(`{}`)}
	covered := make(map[string]bool, len(t.mappings))

	for _, m := range t.mappings {
		covered[m.SourcePath] = true
		value := gjson.GetBytes(data, m.SourcePath)
		switch {
		case value.Exists():
			out, err := sjson.SetBytes(res.Data, m.TargetPath, value.Value())
			if err != nil {
				return nil, fmt.Errorf("set %s: %w", m.TargetPath, err)
			}
			res.Data = out
			res.MappedFields = append(res.MappedFields, m.SourcePath)
		case m.Default != nil:
			out, err := sjson.SetBytes(res.Data, m.TargetPath, m.Default)
			if err != nil {
				return nil, fmt.Errorf("default %s: %w", m.TargetPath, err)
			}
			res.Data = out
			res.DefaultedFields = append(res.DefaultedFields, m.TargetPath)
		case m.Required:
			res.Warnings = append(res.Warnings, fmt.Sprintf("required field %s missing from source", m.SourcePath))
		}
	}

	// Top-level source fields no mapping consumes are dropped.
	gjson.ParseBytes(data).ForEach(func(key, _ gjson.Result) bool {
		if !covered[key.String()] {
			res.DroppedFields = append(res.DroppedFields, key.String())
		}
		return true
	})

	return res, nil
}

// PassthroughTranslator copies the payload unchanged and reports every
// top-level field as mapped, for compatible version pairs.
type PassthroughTranslator struct {
	name string
}

var _ Translator = (*PassthroughTranslator)(nil)

// NewPassthroughTranslator creates a pass-through translator.
func NewPassthroughTranslator(name string) *PassthroughTranslator {
	return &PassthroughTranslator{name: name}
}

func (t *PassthroughTranslator) Name() string { return t.name }

func (t *PassthroughTranslator) Translate(data []byte) (*Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("invalid JSON payload")
	}
	res := &Result{Data: append([]byte(nil), data...)}
	gjson.ParseBytes(data).ForEach(func(key, _ gjson.Result) bool {
		res.MappedFields = append(res.MappedFields, key.String())
		return true
	})
	return res, nil
}
