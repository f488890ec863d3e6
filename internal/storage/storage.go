// Package storage defines the persistence contracts the federation core
// depends on. Implementations live in subpackages; the core only ever
// uses get-by-id, list-by-predicate, put/update, and append-history.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
)

// WorkflowStore persists workflow definitions.
type WorkflowStore interface {
	PutWorkflow(ctx context.Context, wf *domain.FederatedWorkflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.FederatedWorkflow, error)
	ListWorkflows(ctx context.Context, clientID uuid.UUID) ([]*domain.FederatedWorkflow, error)
}

// ExecutionStore persists workflow execution records.
type ExecutionStore interface {
	PutExecution(ctx context.Context, exec *domain.WorkflowExecution) error
	GetExecution(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec *domain.WorkflowExecution) error
}

// TranslationHistoryStore appends and lists translation-history records
// used for performance analysis. Records are append-only.
type TranslationHistoryStore interface {
	AppendTranslationRecord(ctx context.Context, rec *domain.TranslationRecord) error
	ListTranslationRecords(ctx context.Context, sourceVersion, targetVersion string) ([]*domain.TranslationRecord, error)
}

// Store combines every persistence contract the gateway wires up.
type Store interface {
	WorkflowStore
	ExecutionStore
	TranslationHistoryStore

	Close() error
}
