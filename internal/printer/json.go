package printer

import (
	"encoding/json"
	"io"
	"time"

	"github.com/slok/agentline/internal/model"
)

// JSONPrinter prints pipeline information in JSON format.
type JSONPrinter struct {
	writer io.Writer
}

// NewJSONPrinter creates a new JSON printer.
func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

// listItem represents a pipeline in the list output (subset of fields).
type listItem struct {
	ID             string               `json:"id"`
	IdempotencyKey string               `json:"idempotency_key"`
	Status         model.PipelineStatus `json:"status"`
	State          model.PipelineState  `json:"state,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// statusOutput represents the full pipeline status output.
type statusOutput struct {
	ID              string                      `json:"id"`
	RunID           string                      `json:"run_id"`
	Request         model.ProjectRequest        `json:"request"`
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

type approvalOutput struct {
	Request    model.ApprovalRequest  `json:"request"`
	State      model.ApprovalState    `json:"state"`
	Approver   string                 `json:"approver,omitempty"`
	ApprovedAt *time.Time             `json:"approved_at,omitempty"`
	Signals    []model.ApprovalSignal `json:"signals"`
}

type signalOutput struct {
	Signal    model.ApprovalSignal `json:"signal"`
	Duplicate bool                 `json:"duplicate"`
}

// messageOutput represents a simple message output.
type messageOutput struct {
	Message string `json:"message"`
}

// PrintList prints pipelines in JSON format with a subset of fields.
func (j *JSONPrinter) PrintList(pipelines []model.Pipeline) error {
	items := make([]listItem, len(pipelines))
	for i, p := range pipelines {
		items[i] = listItem{
			ID:             p.ID,
			IdempotencyKey: p.Request.IdempotencyKey,
			Status:         p.Status,
			State:          p.Progress.State,
			CreatedAt:      p.CreatedAt.UTC(),
		}
	}

	return j.encode(items)
}

// PrintStatus prints detailed pipeline status in JSON format.
func (j *JSONPrinter) PrintStatus(p model.Pipeline, pendingSignals []model.ApprovalSignal) error {
	tasks := executedTasks(p)
	if tasks == nil {
		tasks = []model.TaskExecutionResult{}
	}

	output := statusOutput{
		ID:             p.ID,
		RunID:          p.RunID,
		Request:        p.Request,
		Status:         p.Status,
		State:          p.Progress.State,
		TaskIndex:      p.Progress.TaskIndex,
		TotalTasks:     p.Progress.TotalTasks,
		ExecutedTasks:  tasks,
		PendingSignals: pendingSignals,
		Result:         p.Result,
		Error:          p.Error,
		CreatedAt:      p.CreatedAt.UTC(),
		UpdatedAt:      p.UpdatedAt.UTC(),
	}
	if !p.Status.IsTerminal() {
		output.PendingApproval = p.Progress.PendingApproval
	}

	return j.encode(output)
}

// PrintApproval prints an approval in JSON format.
func (j *JSONPrinter) PrintApproval(a model.ApprovalView) error {
	signals := a.Signals
	if signals == nil {
		signals = []model.ApprovalSignal{}
	}

	return j.encode(approvalOutput{
		Request:    a.Request,
		State:      a.State,
		Approver:   a.Approver,
		ApprovedAt: a.ApprovedAt,
		Signals:    signals,
	})
}

// PrintSignal prints the delivered signal in JSON format.
func (j *JSONPrinter) PrintSignal(s model.ApprovalSignal, duplicate bool) error {
	return j.encode(signalOutput{Signal: s, Duplicate: duplicate})
}

// PrintMessage prints a simple message in JSON format.
func (j *JSONPrinter) PrintMessage(msg string) error {
	return j.encode(messageOutput{Message: msg})
}

func (j *JSONPrinter) encode(v any) error {
	enc := json.NewEncoder(j.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	_ Printer = &JSONPrinter{}
	_ Printer = &TablePrinter{}
)
