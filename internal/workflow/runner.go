// Package workflow orchestrates federated workflows: dependency-ordered
// step execution across providers with bounded retries, panic isolation,
// and cooperative cancellation at step boundaries.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/mcpfed/federation-gateway/internal/domain"
	"github.com/mcpfed/federation-gateway/internal/proxy"
)

// StepResult is the outcome of one step attempt.
type StepResult struct {
	Output json.RawMessage
	Cost   float64
	Usage  domain.ResourceUsage
}

// StepRunner executes a single workflow step against its provider.
type StepRunner interface {
	RunStep(ctx context.Context, step domain.WorkflowStep, input json.RawMessage) (*StepResult, error)
}

// StepRunnerFunc adapts a function to the StepRunner interface.
type StepRunnerFunc func(ctx context.Context, step domain.WorkflowStep, input json.RawMessage) (*StepResult, error)

func (f StepRunnerFunc) RunStep(ctx context.Context, step domain.WorkflowStep, input json.RawMessage) (*StepResult, error) {
	return f(ctx, step, input)
}

// ProxyRunner dispatches steps to providers through the federation proxy.
type ProxyRunner struct {
	proxy *proxy.Proxy
}

var _ StepRunner = (*ProxyRunner)(nil)

// NewProxyRunner creates a runner backed by the given proxy.
func NewProxyRunner(p *proxy.Proxy) *ProxyRunner {
	return &ProxyRunner{proxy: p}
}

func (r *ProxyRunner) RunStep(ctx context.Context, step domain.WorkflowStep, input json.RawMessage) (*StepResult, error) {
	resp, err := r.proxy.ProxyRequest(ctx, proxy.Request{
		ServerID: step.ProviderID,
		Path:     stepPath(step.Type),
		Method:   http.MethodPost,
		Body:     input,
		Timeout:  step.Config.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		err := domain.ErrExternalService(step.ProviderID.String(),
			fmt.Sprintf("step %s: provider returned status %d", step.ID, resp.StatusCode))
		// Provider-side 5xx may clear up; 4xx will not.
		if resp.StatusCode >= http.StatusInternalServerError {
			err = err.WithRetryable()
		}
		return nil, err
	}

	return &StepResult{
		Output: resp.Body,
		Cost:   gjson.GetBytes(resp.Body, "cost").Float(),
		Usage: domain.ResourceUsage{
			NetworkIO: uint64(len(input) + len(resp.Body)),
			APICalls:  1,
		},
	}, nil
}

func stepPath(t domain.StepType) string {
	switch t {
	case domain.StepLLMInference:
		return "/v1/inference"
	case domain.StepDataTransformation:
		return "/v1/transform"
	case domain.StepNotification:
		return "/v1/notify"
	default:
		return "/v1/call"
	}
}
