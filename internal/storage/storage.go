package storage

import (
	"context"
	"time"

	"github.com/slok/agentline/internal/model"
)

// ListWorkflowsOpts are the filters to list workflow instances.
type ListWorkflowsOpts struct {
	Workflow string
	Status   model.WorkflowStatus
}

// WorkflowRepository is the interface for workflow instance persistence.
type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, w model.WorkflowInstance) error
	GetWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error)
	ListWorkflows(ctx context.Context, opts ListWorkflowsOpts) ([]model.WorkflowInstance, error)
	// UpdateWorkflow updates the instance, the cancel request flag is only set with RequestCancel.
	UpdateWorkflow(ctx context.Context, w model.WorkflowInstance) error
	// RequestCancel flags the instance as cancel requested.
	RequestCancel(ctx context.Context, id string) error
}

// ActivityRepository is the journal of the activities executed by workflows.
type ActivityRepository interface {
	// StartActivity journals a new pending activity at the end of the workflow sequence.
	// Returns model.ErrAlreadyExists if the key has already been journaled.
	StartActivity(ctx context.Context, workflowID, key, name string) (*model.ActivityRecord, error)

	// GetActivity returns the journaled activity or model.ErrNotFound.
	GetActivity(ctx context.Context, workflowID, key string) (*model.ActivityRecord, error)

	// RecordAttempt stores the number of dispatched attempts.
	RecordAttempt(ctx context.Context, workflowID, key string, attempt int) error

	// Heartbeat stores the last liveness signal of a running activity.
	Heartbeat(ctx context.Context, workflowID, key string, at time.Time) error

	// CompleteActivity marks an activity as done with its result.
	CompleteActivity(ctx context.Context, workflowID, key string, result []byte) error

	// FailActivity marks an activity as failed with an error message.
	FailActivity(ctx context.Context, workflowID, key string, err error, nonRetryable bool) error

	// ListActivities returns the activities of a workflow in execution order.
	ListActivities(ctx context.Context, workflowID string) ([]model.ActivityRecord, error)
}

// TimerRepository is the interface for durable timers persistence.
type TimerRepository interface {
	// EnsureTimer creates the timer if it doesn't exist and returns the stored one,
	// this way a deadline is fixed the first time a workflow waits on it.
	EnsureTimer(ctx context.Context, t model.Timer) (*model.Timer, error)

	// ResolveTimer sets the final outcome of a pending timer.
	ResolveTimer(ctx context.Context, workflowID, key string, outcome model.TimerOutcome, signalCount int) error
}

// SignalRepository is the append only store of workflow signals.
type SignalRepository interface {
	// AppendSignal appends a signal. If a signal with the same workflow, channel and
	// dedupe key already exists, it returns the stored one and false.
	AppendSignal(ctx context.Context, s model.Signal) (stored *model.Signal, created bool, err error)

	// ListSignals returns the signals of a workflow channel in receipt order.
	ListSignals(ctx context.Context, workflowID, channel string) ([]model.Signal, error)
}

// ApprovalRepository is the interface for approval requests persistence.
type ApprovalRepository interface {
	CreateApproval(ctx context.Context, a model.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, workflowID string) ([]model.ApprovalRequest, error)
}

// Journal groups all the durable execution persistence.
type Journal interface {
	WorkflowRepository
	ActivityRepository
	TimerRepository
	SignalRepository
}
