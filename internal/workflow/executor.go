package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"

	"github.com/mcpfed/federation-gateway/internal/domain"
)

// dependencyWaves layers steps so every step runs strictly after its
// dependencies. Unknown dependencies and cycles are validation errors.
func dependencyWaves(steps []domain.WorkflowStep) ([][]domain.WorkflowStep, error) {
	known := make(map[string]bool, len(steps))
	for _, step := range steps {
		if known[step.ID] {
			return nil, domain.ErrValidation("steps", fmt.Sprintf("duplicate step id: %s", step.ID))
		}
		known[step.ID] = true
	}

	pending := make(map[string]domain.WorkflowStep, len(steps))
	order := make([]string, 0, len(steps))
	for _, step := range steps {
		for _, dep := range step.Dependencies {
			if !known[dep] {
				return nil, domain.ErrValidation("steps",
					fmt.Sprintf("step %s depends on unknown step %s", step.ID, dep))
			}
		}
		pending[step.ID] = step
		order = append(order, step.ID)
	}

	var waves [][]domain.WorkflowStep
	done := make(map[string]bool, len(steps))
	for len(pending) > 0 {
		var wave []domain.WorkflowStep
		for _, id := range order {
			step, ok := pending[id]
			if !ok {
				continue
			}
			ready := true
			for _, dep := range step.Dependencies {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, step)
			}
		}
		if len(wave) == 0 {
			return nil, domain.ErrValidation("steps", "dependency cycle detected")
		}
		for _, step := range wave {
			done[step.ID] = true
			delete(pending, step.ID)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// resultSet accumulates step outputs and resource usage across a run.
type resultSet struct {
	mu      sync.Mutex
	outputs map[string]json.RawMessage
	usage   domain.ResourceUsage
	cost    float64
}

func newResultSet() *resultSet {
	return &resultSet{outputs: make(map[string]json.RawMessage)}
}

func (r *resultSet) record(stepID string, output json.RawMessage, usage domain.ResourceUsage, cost float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[stepID] = output
	r.usage.Add(usage)
	r.cost += cost
}

func (r *resultSet) output(stepID string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.outputs[stepID]
	return out, ok
}

func (r *resultSet) final() (json.RawMessage, domain.ResourceUsage, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.Marshal(r.outputs)
	if err != nil {
		data = []byte(`{}`)
	}
	return data, r.usage, r.cost
}

// errExecutionCancelled stops wave dispatch after CancelWorkflow.
var errExecutionCancelled = errors.New("workflow execution cancelled")

// runWaves executes the layered steps, fanning each wave out through an
// errgroup capped at the workflow's parallelism limit. The cancellation
// flag is checked at wave boundaries; steps already in flight run to
// completion.
func (e *Engine) runWaves(ctx context.Context, wf *domain.FederatedWorkflow, waves [][]domain.WorkflowStep, exec *domain.WorkflowExecution, results *resultSet, run *activeRun) error {
	var execMu sync.Mutex
	for _, wave := range waves {
		e.mu.Lock()
		cancelled := run.cancelled
		e.mu.Unlock()
		if cancelled {
			return errExecutionCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		g, waveCtx := errgroup.WithContext(ctx)
		if wf.Config.MaxParallelExecutions > 0 {
			g.SetLimit(wf.Config.MaxParallelExecutions)
		}
		for _, step := range wave {
			g.Go(func() error {
				se, err := e.runStep(waveCtx, wf, step, results)
				execMu.Lock()
				exec.StepExecutions = append(exec.StepExecutions, se)
				execMu.Unlock()
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) runStep(ctx context.Context, wf *domain.FederatedWorkflow, step domain.WorkflowStep, results *resultSet) (domain.StepExecution, error) {
	se := domain.StepExecution{
		StepID:     step.ID,
		Status:     domain.WorkflowRunning,
		ProviderID: step.ProviderID,
		StartedAt:  e.now(),
	}
	finish := func() {
		ended := e.now()
		se.EndedAt = &ended
	}

	input, err := buildStepInput(step, results)
	if err != nil {
		finish()
		se.Status = domain.WorkflowFailed
		se.Error = executionError(err, "")
		return se, err
	}

	policy := retryPolicy(step, wf)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.BackoffMultiplier

	attempts := 0
	result, err := backoff.Retry(ctx, func() (*StepResult, error) {
		attempts++
		return e.runStepOnce(ctx, step, input)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(policy.MaxAttempts)))

	finish()
	se.RetryAttempts = attempts - 1
	if err != nil {
		se.Status = domain.WorkflowFailed
		var stack string
		if fe := domain.AsError(err); fe.Details != nil {
			stack, _ = fe.Details["stack_trace"].(string)
		}
		se.Error = executionError(err, stack)
		e.logger.WarnContext(ctx, "workflow step failed",
			"workflow_id", wf.ID,
			"step_id", step.ID,
			"attempts", attempts,
			"error", err)
		return se, fmt.Errorf("step %s: %w", step.ID, err)
	}

	output, err := applyOutputMapping(step, result.Output)
	if err != nil {
		se.Status = domain.WorkflowFailed
		se.Error = executionError(err, "")
		return se, err
	}

	se.Status = domain.WorkflowCompleted
	se.Result = output
	se.Cost = result.Cost
	results.record(step.ID, output, result.Usage, result.Cost)
	return se, nil
}

// runStepOnce isolates a single attempt: a panicking runner is converted
// into a permanent workflow-execution error carrying the stack trace, so
// one bad step cannot take down the engine.
func (e *Engine) runStepOnce(ctx context.Context, step domain.WorkflowStep, input json.RawMessage) (result *StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = backoff.Permanent(
				domain.ErrWorkflowExecution(fmt.Sprintf("step %s panicked: %v", step.ID, r)).
					WithDetails(map[string]any{"stack_trace": string(debug.Stack())}))
		}
	}()

	result, err = e.runner.RunStep(ctx, step, input)
	if err != nil {
		if fe := domain.AsError(err); !fe.Retryable {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return result, nil
}

// buildStepInput starts from the step's static parameters and overlays
// values pulled from upstream outputs. Mapping sources are "stepID.path"
// expressions; a bare step id takes the whole output.
func buildStepInput(step domain.WorkflowStep, results *resultSet) (json.RawMessage, error) {
	input := []byte(`{}`)
	if len(step.Config.Parameters) > 0 {
		data, err := json.Marshal(step.Config.Parameters)
		if err != nil {
			return nil, domain.ErrInternal("marshal step parameters").WithCause(err)
		}
		input = data
	}

	for target, source := range step.InputMapping {
		stepID, path, hasPath := strings.Cut(source, ".")
		upstream, ok := results.output(stepID)
		if !ok {
			return nil, domain.ErrWorkflowExecution(
				fmt.Sprintf("step %s input %s references step %s which has no output", step.ID, target, stepID))
		}
		var value any
		if hasPath {
			value = gjson.GetBytes(upstream, path).Value()
		} else {
			value = gjson.ParseBytes(upstream).Value()
		}
		out, err := sjson.SetBytes(input, target, value)
		if err != nil {
			return nil, domain.ErrInternal(fmt.Sprintf("set step input %s", target)).WithCause(err)
		}
		input = out
	}
	return input, nil
}

// applyOutputMapping projects the raw provider output into the shape the
// rest of the workflow sees. An empty mapping keeps the output as-is.
func applyOutputMapping(step domain.WorkflowStep, raw json.RawMessage) (json.RawMessage, error) {
	if len(step.OutputMapping) == 0 {
		return raw, nil
	}
	out := []byte(`{}`)
	for target, source := range step.OutputMapping {
		value := gjson.GetBytes(raw, source)
		if !value.Exists() {
			continue
		}
		next, err := sjson.SetBytes(out, target, value.Value())
		if err != nil {
			return nil, domain.ErrInternal(fmt.Sprintf("set step output %s", target)).WithCause(err)
		}
		out = next
	}
	return out, nil
}

func retryPolicy(step domain.WorkflowStep, wf *domain.FederatedWorkflow) domain.RetryPolicy {
	policy := wf.Config.RetryPolicy
	if step.RetryConfig != nil {
		policy = *step.RetryConfig
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 30 * time.Second
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	return policy
}

func executionError(err error, stack string) *domain.ExecutionError {
	fe := domain.AsError(err)
	return &domain.ExecutionError{
		Code:       string(fe.Kind),
		Message:    fe.Message,
		StackTrace: stack,
		OccurredAt: time.Now(),
	}
}
