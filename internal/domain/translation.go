package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TranslationRequest asks the schema translation engine to convert a
// payload between two protocol versions.
type TranslationRequest struct {
	SourceData    json.RawMessage `json:"source_data"`
	SourceVersion string          `json:"source_version"`
	TargetVersion string          `json:"target_version"`
	ClientID      uuid.UUID       `json:"client_id,omitempty"`
}

// TranslationMetadata describes what happened to each field during a
// translation.
type TranslationMetadata struct {
	TranslationID   uuid.UUID `json:"translation_id"`
	MappedFields    []string  `json:"mapped_fields"`
	DroppedFields   []string  `json:"dropped_fields"`
	DefaultedFields []string  `json:"defaulted_fields"`
	DurationMs      int64     `json:"duration_ms"`
}

// TranslationResponse is the result of a schema translation.
type TranslationResponse struct {
	TranslatedData json.RawMessage     `json:"translated_data"`
	Metadata       TranslationMetadata `json:"translation_metadata"`
	Warnings       []string            `json:"warnings"`
}

// TranslationRecord is one entry in the translation-history log used for
// later performance analysis. Records are append-only.
type TranslationRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	SourceVersion string    `json:"source_version"`
	TargetVersion string    `json:"target_version"`
	DurationMs    int64     `json:"duration_ms"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	DataSize      int       `json:"data_size"`
}
