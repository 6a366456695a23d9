package api

import (
	"time"

	"github.com/slok/agentline/internal/app/status"
	"github.com/slok/agentline/internal/model"
)

// Request payloads

type CreatePipelineRequest struct {
	Goal           string         `json:"goal" minLength:"1"`
	Context        map[string]any `json:"context,omitempty"`
	Requester      string         `json:"requester,omitempty"`
	IdempotencyKey string         `json:"idempotency_key" minLength:"1"`
}

type SignalRequest struct {
	// ApprovalID empty targets the approval the pipeline is waiting on.
	ApprovalID string `json:"approval_id,omitempty"`
	Status     string `json:"status" enum:"approved,denied"`
	// Approver is ignored when the request is authenticated, the token subject is used.
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Response payloads

type PipelineResponse struct {
	ID              string                      `json:"id"`
	RunID           string                      `json:"run_id"`
	Goal            string                      `json:"goal"`
	Requester       string                      `json:"requester,omitempty"`
	IdempotencyKey  string                      `json:"idempotency_key"`
	Status          model.PipelineStatus        `json:"status"`
	State           model.PipelineState         `json:"state,omitempty"`
	TaskIndex       int                         `json:"task_index"`
	TotalTasks      int                         `json:"total_tasks"`
	ExecutedTasks   []model.TaskExecutionResult `json:"executed_tasks"`
	PendingApproval *model.PendingApproval      `json:"pending_approval,omitempty"`
	PendingSignals  []model.ApprovalSignal      `json:"pending_signals,omitempty"`
	Result          *model.WorkflowResult       `json:"result,omitempty"`
	Error           string                      `json:"error,omitempty"`
	CreatedAt       time.Time                   `json:"created_at"`
	UpdatedAt       time.Time                   `json:"updated_at"`
}

type SignalResponse struct {
	Signal    model.ApprovalSignal `json:"signal"`
	Duplicate bool                 `json:"duplicate"`
}

type ApprovalResponse struct {
	ID                string                 `json:"id"`
	WorkflowID        string                 `json:"workflow_id"`
	TaskDescription   string                 `json:"task_description"`
	RiskLevel         model.RiskLevel        `json:"risk_level"`
	RequiredApprovers int                    `json:"required_approvers"`
	State             model.ApprovalState    `json:"state"`
	Approver          string                 `json:"approver,omitempty"`
	ApprovedAt        *time.Time             `json:"approved_at,omitempty"`
	Signals           []model.ApprovalSignal `json:"signals"`
	CreatedAt         time.Time              `json:"created_at"`
}

func pipelineResponse(p model.Pipeline) PipelineResponse {
	executed := p.Progress.ExecutedTasks
	if p.Result != nil {
		executed = p.Result.ExecutedTasks
	}
	if executed == nil {
		executed = []model.TaskExecutionResult{}
	}

	return PipelineResponse{
		ID:              p.ID,
		RunID:           p.RunID,
		Goal:            p.Request.Goal,
		Requester:       p.Request.Requester,
		IdempotencyKey:  p.Request.IdempotencyKey,
		Status:          p.Status,
		State:           p.Progress.State,
		TaskIndex:       p.Progress.TaskIndex,
		TotalTasks:      p.Progress.TotalTasks,
		ExecutedTasks:   executed,
		PendingApproval: p.Progress.PendingApproval,
		Result:          p.Result,
		Error:           p.Error,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func statusResponse(res status.Result) PipelineResponse {
	r := pipelineResponse(res.Pipeline)
	r.PendingSignals = res.PendingSignals
	return r
}

func approvalResponse(v model.ApprovalView) ApprovalResponse {
	signals := v.Signals
	if signals == nil {
		signals = []model.ApprovalSignal{}
	}

	return ApprovalResponse{
		ID:                v.Request.ID,
		WorkflowID:        v.Request.WorkflowID,
		TaskDescription:   v.Request.TaskDescription,
		RiskLevel:         v.Request.RiskLevel,
		RequiredApprovers: v.Request.RequiredApprovers,
		State:             v.State,
		Approver:          v.Approver,
		ApprovedAt:        v.ApprovedAt,
		Signals:           signals,
		CreatedAt:         v.Request.CreatedAt,
	}
}
