package model

import "time"

// ApprovalRequest asks humans to approve a pipeline step. It's immutable once
// created, the decision lives in the signals.
type ApprovalRequest struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	RunID             string         `json:"run_id"`
	TaskDescription   string         `json:"task_description"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	Context           map[string]any `json:"context,omitempty"`
	RequiredApprovers int            `json:"required_approvers"`
	CreatedAt         time.Time      `json:"created_at"`
}

// SignalStatus is the decision carried by an approval signal.
type SignalStatus string

const (
	SignalStatusApproved SignalStatus = "approved"
	SignalStatusDenied   SignalStatus = "denied"
)

// ApprovalSignal is a human decision delivered to a running pipeline.
type ApprovalSignal struct {
	ApprovalID string       `json:"approval_id"`
	Status     SignalStatus `json:"status"`
	Approver   string       `json:"approver"`
	Reason     string       `json:"reason,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
}

// GateOutcome is the resolution of an approval gate.
type GateOutcome string

const (
	GateOutcomeApproved GateOutcome = "approved"
	GateOutcomeDenied   GateOutcome = "denied"
	GateOutcomeTimeout  GateOutcome = "timeout"
)

// GateResult is the result of waiting on an approval gate.
type GateResult struct {
	ApprovalID string
	Outcome    GateOutcome
	Approvers  []string
	Reason     string
}

// ApprovalState is the derived state of an approval request.
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "pending"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateDenied   ApprovalState = "denied"
)

// ApprovalView is the approval store read model (get_approval).
type ApprovalView struct {
	Request    ApprovalRequest
	State      ApprovalState
	Approver   string
	ApprovedAt *time.Time
	Signals    []ApprovalSignal
}
