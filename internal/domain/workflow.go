package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus is the lifecycle state of a workflow execution.
// Transitions are monotonic: Pending -> Running -> {Completed, Failed, Cancelled}.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// StepType identifies the kind of work a workflow step performs.
type StepType string

const (
	StepLLMInference       StepType = "llm_inference"
	StepDataTransformation StepType = "data_transformation"
	StepAPICall            StepType = "api_call"
	StepNotification       StepType = "notification"
)

// RetryPolicy configures bounded retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
}

// StepConfig carries per-step tuning parameters.
type StepConfig struct {
	Parameters        map[string]any `json:"parameters"`
	Timeout           time.Duration  `json:"timeout,omitempty"`
	MonitoringEnabled bool           `json:"monitoring_enabled"`
	CostBudget        float64        `json:"cost_budget,omitempty"`
}

// WorkflowStep is one unit of work within a federated workflow, dispatched
// to a specific provider.
type WorkflowStep struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Type          StepType          `json:"step_type"`
	ProviderID    uuid.UUID         `json:"provider_id,omitempty"`
	Config        StepConfig        `json:"config"`
	InputMapping  map[string]string `json:"input_mapping,omitempty"`
	OutputMapping map[string]string `json:"output_mapping,omitempty"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	RetryConfig   *RetryPolicy      `json:"retry_config,omitempty"`
}

// WorkflowConfig is workflow-level execution configuration.
// CostBudget is advisory metadata; enforcement is an extension point.
type WorkflowConfig struct {
	Timeout               time.Duration `json:"timeout"`
	MaxParallelExecutions int           `json:"max_parallel_executions"`
	RetryPolicy           RetryPolicy   `json:"retry_policy"`
	CostBudget            float64       `json:"cost_budget,omitempty"`
	Priority              string        `json:"priority"`
	Environment           string        `json:"environment"`
}

// FederatedWorkflow is an immutable workflow definition owned by a client.
type FederatedWorkflow struct {
	ID          uuid.UUID      `json:"id"`
	ClientID    uuid.UUID      `json:"client_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []WorkflowStep `json:"steps"`
	Config      WorkflowConfig `json:"config"`
	Status      WorkflowStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ExecutionError captures a failure during workflow or step execution.
type ExecutionError struct {
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Details    json.RawMessage `json:"details,omitempty"`
	StackTrace string          `json:"stack_trace,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// ResourceUsage accumulates resources consumed by an execution.
type ResourceUsage struct {
	CPUTime    uint64 `json:"cpu_time"`
	MemoryUsed uint64 `json:"memory_used"`
	NetworkIO  uint64 `json:"network_io"`
	DiskIO     uint64 `json:"disk_io"`
	APICalls   uint32 `json:"api_calls"`
}

// Add accumulates other into u.
func (u *ResourceUsage) Add(other ResourceUsage) {
	u.CPUTime += other.CPUTime
	u.MemoryUsed += other.MemoryUsed
	u.NetworkIO += other.NetworkIO
	u.DiskIO += other.DiskIO
	u.APICalls += other.APICalls
}

// StepExecution records one step's run within a workflow execution.
type StepExecution struct {
	StepID        string          `json:"step_id"`
	Status        WorkflowStatus  `json:"status"`
	ProviderID    uuid.UUID       `json:"provider_id,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       *time.Time      `json:"ended_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *ExecutionError `json:"error,omitempty"`
	Cost          float64         `json:"cost"`
	RetryAttempts int             `json:"retry_attempts"`
}

// WorkflowExecution is the mutable run record of a federated workflow.
// Once Status is terminal the record must not be mutated further.
type WorkflowExecution struct {
	ID             uuid.UUID       `json:"id"`
	WorkflowID     uuid.UUID       `json:"workflow_id"`
	Status         WorkflowStatus  `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
	StepExecutions []StepExecution `json:"step_executions"`
	TotalCost      float64         `json:"total_cost"`
	ResourceUsage  ResourceUsage   `json:"resource_usage"`
}
