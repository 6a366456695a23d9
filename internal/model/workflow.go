package model

import "time"

// WorkflowStatus is the durable execution status of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// IsTerminal returns true if the workflow will not make progress anymore.
func (w WorkflowStatus) IsTerminal() bool { return w != WorkflowStatusRunning }

// WorkflowInstance is a durable workflow execution.
type WorkflowInstance struct {
	ID              string
	RunID           string
	Workflow        string
	Input           []byte
	Status          WorkflowStatus
	Checkpoint      []byte
	Output          []byte
	Error           string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActivityStatus represents the state of a journaled activity.
type ActivityStatus string

const (
	ActivityStatusPending ActivityStatus = "pending"
	ActivityStatusDone    ActivityStatus = "done"
	ActivityStatusFailed  ActivityStatus = "failed"
)

// ActivityRecord is the journal entry of an activity executed by a workflow.
type ActivityRecord struct {
	ID              string
	WorkflowID      string
	Key             string
	Name            string
	Sequence        int
	Status          ActivityStatus
	Attempts        int
	Result          []byte
	Error           string
	NonRetryable    bool
	LastHeartbeatAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TimerOutcome is the resolution of a durable timer.
type TimerOutcome string

const (
	TimerOutcomePending   TimerOutcome = "pending"
	TimerOutcomeSatisfied TimerOutcome = "satisfied"
	TimerOutcomeTimedOut  TimerOutcome = "timed_out"
)

// Timer is a durable deadline of a workflow wait. Once resolved the outcome and the
// number of signals observed are fixed so replays take the same decision.
type Timer struct {
	WorkflowID  string
	Key         string
	Deadline    time.Time
	Outcome     TimerOutcome
	SignalCount int
	CreatedAt   time.Time
}

// Signal is an externally delivered message for a workflow instance. Signals are
// append only and ordered by sequence (receipt order).
type Signal struct {
	ID         string
	WorkflowID string
	Channel    string
	DedupeKey  string
	Sequence   int64
	Payload    []byte
	ReceivedAt time.Time
}
