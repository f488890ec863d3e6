package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/storage"
)

// Metrics is a snapshot of engine counters.
type Metrics struct {
	Started        uint64  `json:"started"`
	Completed      uint64  `json:"completed"`
	Failed         uint64  `json:"failed"`
	Cancelled      uint64  `json:"cancelled"`
	Active         int     `json:"active"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

// activeRun tracks an in-flight execution so CancelWorkflow can reach
// it. The cancelled flag is read at wave boundaries; steps already in
// flight are never aborted.
type activeRun struct {
	cancelled bool
}

// Engine creates, executes, and cancels federated workflows. Executions
// move Pending -> Running -> {Completed, Failed, Cancelled}; once a
// record reaches a terminal state the engine never mutates it again.
type Engine struct {
	workflows  storage.WorkflowStore
	executions storage.ExecutionStore
	runner     StepRunner
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	running map[uuid.UUID]*activeRun

	statsMu sync.Mutex
	stats   Metrics
}

// NewEngine creates a workflow engine over the given stores and runner.
func NewEngine(workflows storage.WorkflowStore, executions storage.ExecutionStore, runner StepRunner, logger *slog.Logger) *Engine {
	return &Engine{
		workflows:  workflows,
		executions: executions,
		runner:     runner,
		logger:     logger,
		now:        time.Now,
		running:    make(map[uuid.UUID]*activeRun),
	}
}

// CreateWorkflow validates and persists a workflow definition together
// with its Pending execution record. The definition is immutable after
// creation; a zero ID is assigned one.
func (e *Engine) CreateWorkflow(ctx context.Context, wf *domain.FederatedWorkflow) (*domain.FederatedWorkflow, error) {
	if wf.Name == "" {
		return nil, domain.ErrValidation("name", "workflow name cannot be empty")
	}
	if len(wf.Steps) == 0 {
		return nil, domain.ErrValidation("steps", "workflow must have at least one step")
	}
	if _, err := dependencyWaves(wf.Steps); err != nil {
		return nil, err
	}

	if wf.ID == uuid.Nil {
		wf.ID = uuid.New()
	}
	now := e.now()
	wf.Status = domain.WorkflowPending
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := e.workflows.PutWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	exec := &domain.WorkflowExecution{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		Status:     domain.WorkflowPending,
	}
	if err := e.executions.PutExecution(ctx, exec); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow created",
		"workflow_id", wf.ID,
		"client_id", wf.ClientID,
		"name", wf.Name,
		"steps", len(wf.Steps))
	return wf, nil
}

// ExecuteWorkflow runs the workflow's steps in dependency order and
// returns the finished execution record. The Pending execution created
// alongside the workflow transitions to Running for the duration of the
// run; a workflow that is running or already finished cannot be
// executed again.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowExecution, error) {
	wf, err := e.workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	waves, err := dependencyWaves(wf.Steps)
	if err != nil {
		return nil, err
	}

	// Claim the workflow before reading the persisted record so two
	// concurrent calls cannot both pass the state checks below.
	e.mu.Lock()
	if _, ok := e.running[workflowID]; ok {
		e.mu.Unlock()
		return nil, domain.ErrConflict(fmt.Sprintf("workflow %s is already running", workflowID))
	}
	run := &activeRun{}
	e.running[workflowID] = run
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, workflowID)
		e.mu.Unlock()
	}()

	exec, err := e.executions.GetExecution(ctx, workflowID)
	switch {
	case err == nil:
		if exec.Status == domain.WorkflowRunning {
			return nil, domain.ErrConflict(fmt.Sprintf("workflow %s is already running", workflowID))
		}
		if exec.Status.Terminal() {
			return nil, domain.ErrConflict(
				fmt.Sprintf("workflow %s already finished with status %s", workflowID, exec.Status))
		}
	case domain.IsKind(err, domain.KindNotFound):
		exec = &domain.WorkflowExecution{ID: uuid.New(), WorkflowID: workflowID}
	default:
		return nil, err
	}

	exec.Status = domain.WorkflowRunning
	exec.StartedAt = e.now()
	if err := e.executions.PutExecution(ctx, exec); err != nil {
		return nil, err
	}
	e.recordStart()

	runCtx := ctx
	if wf.Config.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, wf.Config.Timeout)
		defer cancel()
	}

	results := newResultSet()
	runErr := e.runWaves(runCtx, wf, waves, exec, results, run)

	ended := e.now()
	exec.EndedAt = &ended
	result, usage, cost := results.final()
	exec.ResourceUsage = usage
	exec.TotalCost = cost

	e.mu.Lock()
	cancelled := run.cancelled
	e.mu.Unlock()

	switch {
	case cancelled:
		exec.Status = domain.WorkflowCancelled
		exec.Error = &domain.ExecutionError{
			Code:       "cancelled",
			Message:    "workflow execution cancelled",
			OccurredAt: ended,
		}
	case runErr == nil:
		exec.Status = domain.WorkflowCompleted
		exec.Result = result
	case errors.Is(runErr, context.DeadlineExceeded):
		exec.Status = domain.WorkflowFailed
		exec.Error = &domain.ExecutionError{
			Code:       "timeout",
			Message:    fmt.Sprintf("workflow timed out after %s", wf.Config.Timeout),
			OccurredAt: ended,
		}
	default:
		exec.Status = domain.WorkflowFailed
		fe := domain.AsError(runErr)
		exec.Error = &domain.ExecutionError{
			Code:       string(fe.Kind),
			Message:    runErr.Error(),
			OccurredAt: ended,
		}
	}
	e.recordFinish(exec.Status, ended.Sub(exec.StartedAt))

	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist execution result",
			"workflow_id", workflowID, "error", err)
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow execution finished",
		"workflow_id", workflowID,
		"execution_id", exec.ID,
		"status", exec.Status,
		"steps", len(exec.StepExecutions),
		"total_cost", exec.TotalCost)
	return exec, nil
}

// CancelWorkflow marks the execution Cancelled and persists it before
// returning, so the new status is visible immediately. A running
// execution stops dispatching at the next step boundary; steps already
// in flight run to completion. Cancelling a terminal execution is a
// conflict.
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID uuid.UUID) error {
	exec, err := e.executions.GetExecution(ctx, workflowID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return domain.ErrConflict(
			fmt.Sprintf("workflow %s already finished with status %s", workflowID, exec.Status))
	}

	e.mu.Lock()
	if run, ok := e.running[workflowID]; ok {
		run.cancelled = true
	}
	e.mu.Unlock()

	ended := e.now()
	exec.Status = domain.WorkflowCancelled
	exec.EndedAt = &ended
	exec.Error = &domain.ExecutionError{
		Code:       "cancelled",
		Message:    "workflow execution cancelled",
		OccurredAt: ended,
	}
	if err := e.executions.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "workflow cancellation requested", "workflow_id", workflowID)
	return nil
}

// GetStatus returns the execution record for a workflow.
func (e *Engine) GetStatus(ctx context.Context, workflowID uuid.UUID) (*domain.WorkflowExecution, error) {
	return e.executions.GetExecution(ctx, workflowID)
}

// GetWorkflow returns a workflow definition.
func (e *Engine) GetWorkflow(ctx context.Context, workflowID uuid.UUID) (*domain.FederatedWorkflow, error) {
	return e.workflows.GetWorkflow(ctx, workflowID)
}

// ListWorkflows returns the workflows owned by a client; uuid.Nil lists all.
func (e *Engine) ListWorkflows(ctx context.Context, clientID uuid.UUID) ([]*domain.FederatedWorkflow, error) {
	return e.workflows.ListWorkflows(ctx, clientID)
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Metrics {
	e.statsMu.Lock()
	snapshot := e.stats
	e.statsMu.Unlock()
	e.mu.Lock()
	snapshot.Active = len(e.running)
	e.mu.Unlock()
	return snapshot
}

// Health reports the engine state for the health endpoint.
func (e *Engine) Health() map[string]any {
	stats := e.Stats()
	return map[string]any{
		"status":            "healthy",
		"active_executions": stats.Active,
		"started":           stats.Started,
		"completed":         stats.Completed,
		"failed":            stats.Failed,
		"cancelled":         stats.Cancelled,
	}
}

func (e *Engine) recordStart() {
	e.statsMu.Lock()
	e.stats.Started++
	e.statsMu.Unlock()
}

func (e *Engine) recordFinish(status domain.WorkflowStatus, duration time.Duration) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	switch status {
	case domain.WorkflowCompleted:
		e.stats.Completed++
	case domain.WorkflowFailed:
		e.stats.Failed++
	case domain.WorkflowCancelled:
		e.stats.Cancelled++
	}
	finished := float64(e.stats.Completed + e.stats.Failed + e.stats.Cancelled)
	e.stats.AvgExecutionMs = (e.stats.AvgExecutionMs*(finished-1) + float64(duration.Milliseconds())) / finished
}
