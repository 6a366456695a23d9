package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// AgentKind is the worker kind a task is assigned to.
type AgentKind string

const (
	// AgentKindDeveloper implements code and artifacts.
	AgentKindDeveloper AgentKind = "developer"
	// AgentKindOverseer plans, reviews and researches.
	AgentKindOverseer AgentKind = "overseer"
)

// RiskLevel is the assessed risk of a task.
type RiskLevel string

const (
	RiskLevelLow    RiskLevel = "low"
	RiskLevelMedium RiskLevel = "medium"
	RiskLevelHigh   RiskLevel = "high"
)

// ProjectRequest is the input of a pipeline run. It's immutable once the pipeline starts.
type ProjectRequest struct {
	Goal           string         `json:"goal"`
	Context        map[string]any `json:"context,omitempty"`
	Requester      string         `json:"requester"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Validate checks the request has the minimum required data.
func (p ProjectRequest) Validate() error {
	if p.Goal == "" {
		return fmt.Errorf("goal is required: %w", ErrNotValid)
	}
	if p.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required: %w", ErrNotValid)
	}
	return nil
}

// Task is a unit of work produced by the goal decomposer.
type Task struct {
	Description   string    `json:"description"`
	AssignedAgent AgentKind `json:"assigned_agent"`
	Priority      int       `json:"priority"`
}

// Citation is a reference backing an agent output.
type Citation struct {
	Source string `json:"source"`
	Title  string `json:"title,omitempty"`
	Quote  string `json:"quote,omitempty"`
}

// Decomposition is the result of decomposing a goal into tasks.
type Decomposition struct {
	Tasks     []Task     `json:"tasks"`
	Citations []Citation `json:"citations,omitempty"`
}

// TaskResultStatus is the status of a task execution.
type TaskResultStatus string

const (
	TaskResultStatusCompleted TaskResultStatus = "completed"
	// TaskResultStatusSkipped is used for tasks assigned to unknown agents, these
	// are never executed nor validated.
	TaskResultStatusSkipped TaskResultStatus = "skipped"
)

// CodeArtifact is the code produced by an agent.
type CodeArtifact struct {
	Implementation string `json:"implementation"`
	Tests          string `json:"tests"`
}

// TaskResult is the output of a task execution, the result itself is opaque JSON.
type TaskResult struct {
	Status    TaskResultStatus `json:"status"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Citations []Citation       `json:"citations,omitempty"`
	Reason    string           `json:"reason,omitempty"`
}

// CodeArtifact returns the code artifact embedded in the opaque result (under the
// `code` key), if any.
func (t TaskResult) CodeArtifact() (*CodeArtifact, bool) {
	if len(t.Result) == 0 {
		return nil, false
	}

	var res struct {
		Code *CodeArtifact `json:"code"`
	}
	if err := json.Unmarshal(t.Result, &res); err != nil || res.Code == nil {
		return nil, false
	}

	return res.Code, true
}

// TaskExecutionResult is an executed task entry of a pipeline.
type TaskExecutionResult struct {
	Index     int        `json:"index"`
	Task      Task       `json:"task"`
	Result    TaskResult `json:"result"`
	RiskLevel RiskLevel  `json:"risk_level"`
}

// Deployment is the result of deploying a pipeline.
type Deployment struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

// PipelineStatus is the status of a pipeline.
type PipelineStatus string

const (
	PipelineStatusRunning            PipelineStatus = "running"
	PipelineStatusCompleted          PipelineStatus = "completed"
	PipelineStatusCancelled          PipelineStatus = "cancelled"
	PipelineStatusFailed             PipelineStatus = "failed"
	PipelineStatusReadyForDeployment PipelineStatus = "ready_for_deployment"
)

// IsTerminal returns true if the status is a final one.
func (p PipelineStatus) IsTerminal() bool {
	return p != PipelineStatusRunning && p != ""
}

// PipelineState is the state machine state of a pipeline.
type PipelineState string

const (
	PipelineStateDecomposing        PipelineState = "decomposing"
	PipelineStateRiskAssessing      PipelineState = "risk_assessing"
	PipelineStateApprovalGating     PipelineState = "approval_gating"
	PipelineStateExecuting          PipelineState = "executing"
	PipelineStateValidating         PipelineState = "validating"
	PipelineStateDeploymentGating   PipelineState = "deployment_gating"
	PipelineStateDeploying          PipelineState = "deploying"
	PipelineStateCompleted          PipelineState = "completed"
	PipelineStateCancelled          PipelineState = "cancelled"
	PipelineStateFailed             PipelineState = "failed"
	PipelineStateReadyForDeployment PipelineState = "ready_for_deployment"
)

// WorkflowResult is the terminal record of a pipeline, created once at termination.
type WorkflowResult struct {
	Status        PipelineStatus        `json:"status"`
	ExecutedTasks []TaskExecutionResult `json:"executed_tasks"`
	Deployment    *Deployment           `json:"deployment,omitempty"`
	Reason        string                `json:"reason,omitempty"`
	Errors        []string              `json:"errors,omitempty"`
	// FailedTask is the index of the task that triggered the failure, if any.
	FailedTask *int `json:"failed_task,omitempty"`
}

// PendingApproval is the approval a pipeline is currently blocked on.
type PendingApproval struct {
	ApprovalID        string    `json:"approval_id"`
	RiskLevel         RiskLevel `json:"risk_level"`
	Description       string    `json:"description"`
	RequiredApprovers int       `json:"required_approvers"`
	Deadline          time.Time `json:"deadline"`
}

// PipelineProgress is the queryable checkpoint of a running pipeline.
type PipelineProgress struct {
	State           PipelineState         `json:"state"`
	TaskIndex       int                   `json:"task_index"`
	TotalTasks      int                   `json:"total_tasks"`
	ExecutedTasks   []TaskExecutionResult `json:"executed_tasks"`
	PendingApproval *PendingApproval      `json:"pending_approval,omitempty"`
}

// Pipeline is the user facing view of a pipeline run.
type Pipeline struct {
	ID        string
	RunID     string
	Request   ProjectRequest
	Status    PipelineStatus
	Progress  PipelineProgress
	Result    *WorkflowResult
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
