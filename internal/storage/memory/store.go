// Package memory is an in-memory implementation of the storage
// contracts, used in tests and single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu         sync.RWMutex
	workflows  map[uuid.UUID]*domain.FederatedWorkflow
	executions map[uuid.UUID]*domain.WorkflowExecution
	history    map[string][]*domain.TranslationRecord
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		workflows:  make(map[uuid.UUID]*domain.FederatedWorkflow),
		executions: make(map[uuid.UUID]*domain.WorkflowExecution),
		history:    make(map[string][]*domain.TranslationRecord),
	}
}

func (s *Store) PutWorkflow(ctx context.Context, wf *domain.FederatedWorkflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*domain.FederatedWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, exists := s.workflows[id]
	if !exists {
		return nil, domain.ErrNotFound(fmt.Sprintf("workflow %s not found", id))
	}
	cp := *wf
	return &cp, nil
}

func (s *Store) ListWorkflows(ctx context.Context, clientID uuid.UUID) ([]*domain.FederatedWorkflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.FederatedWorkflow
	for _, wf := range s.workflows {
		if clientID != uuid.Nil && wf.ClientID != clientID {
			continue
		}
		cp := *wf
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) PutExecution(ctx context.Context, exec *domain.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *exec
	s.executions[exec.WorkflowID] = &cp
	return nil
}

func (s *Store) GetExecution(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[workflowID]
	if !exists {
		return nil, domain.ErrNotFound(fmt.Sprintf("execution for workflow %s not found", workflowID))
	}
	cp := *exec
	return &cp, nil
}

func (s *Store) UpdateExecution(ctx context.Context, exec *domain.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.WorkflowID]; !exists {
		return domain.ErrNotFound(fmt.Sprintf("execution for workflow %s not found", exec.WorkflowID))
	}
	cp := *exec
	s.executions[exec.WorkflowID] = &cp
	return nil
}

func (s *Store) AppendTranslationRecord(ctx context.Context, rec *domain.TranslationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.SourceVersion + "->" + rec.TargetVersion
	cp := *rec
	s.history[key] = append(s.history[key], &cp)
	return nil
}

func (s *Store) ListTranslationRecords(ctx context.Context, sourceVersion, targetVersion string) ([]*domain.TranslationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := sourceVersion + "->" + targetVersion
	records := s.history[key]
	result := make([]*domain.TranslationRecord, len(records))
	for i, rec := range records {
		cp := *rec
		result[i] = &cp
	}
	return result, nil
}

func (s *Store) Close() error {
	return nil
}
