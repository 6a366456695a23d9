package printer

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/slok/agentline/internal/model"
)

// TablePrinter prints pipeline information in a table format.
type TablePrinter struct {
	writer io.Writer
}

// NewTablePrinter creates a new table printer.
func NewTablePrinter(w io.Writer) *TablePrinter {
	return &TablePrinter{writer: w}
}

func (t *TablePrinter) newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(t.writer)
	tw.SetStyle(table.StyleLight)
	return tw
}

// PrintList prints pipelines in a table format.
func (t *TablePrinter) PrintList(pipelines []model.Pipeline) error {
	if len(pipelines) == 0 {
		return nil
	}

	tw := t.newTable()
	tw.AppendHeader(table.Row{"ID", "Key", "Status", "State", "Tasks", "Created"})
	for _, p := range pipelines {
		tw.AppendRow(table.Row{
			p.ID,
			p.Request.IdempotencyKey,
			p.Status,
			p.Progress.State,
			fmt.Sprintf("%d/%d", len(executedTasks(p)), p.Progress.TotalTasks),
			TimeAgo(p.CreatedAt),
		})
	}
	tw.Render()

	return nil
}

// PrintStatus prints detailed pipeline status.
func (t *TablePrinter) PrintStatus(p model.Pipeline, pendingSignals []model.ApprovalSignal) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", p.ID)
	fmt.Fprintf(t.writer, "Key:        %s\n", p.Request.IdempotencyKey)
	fmt.Fprintf(t.writer, "Goal:       %s\n", p.Request.Goal)
	if p.Request.Requester != "" {
		fmt.Fprintf(t.writer, "Requester:  %s\n", p.Request.Requester)
	}
	fmt.Fprintf(t.writer, "Status:     %s\n", p.Status)
	if p.Progress.State != "" {
		fmt.Fprintf(t.writer, "State:      %s\n", p.Progress.State)
	}
	fmt.Fprintf(t.writer, "Created:    %s\n", FormatTimestamp(p.CreatedAt))

	if res := p.Result; res != nil {
		if res.Reason != "" {
			fmt.Fprintf(t.writer, "Reason:     %s\n", res.Reason)
		}
		if res.FailedTask != nil {
			fmt.Fprintf(t.writer, "Failed:     task %d\n", *res.FailedTask)
		}
		for _, e := range res.Errors {
			fmt.Fprintf(t.writer, "Error:      %s\n", e)
		}
		if res.Deployment != nil {
			fmt.Fprintf(t.writer, "Deployment: %s (%s)\n", res.Deployment.DeploymentID, res.Deployment.Status)
		}
	}

	if pa := p.Progress.PendingApproval; pa != nil && !p.Status.IsTerminal() {
		fmt.Fprintf(t.writer, "\nWaiting approval %s\n", pa.ApprovalID)
		fmt.Fprintf(t.writer, "  Risk:       %s\n", pa.RiskLevel)
		fmt.Fprintf(t.writer, "  Task:       %s\n", pa.Description)
		fmt.Fprintf(t.writer, "  Approvers:  %d/%d\n", len(pendingSignals), pa.RequiredApprovers)
		fmt.Fprintf(t.writer, "  Deadline:   %s (%s)\n", FormatTimestamp(pa.Deadline), TimeAgo(pa.Deadline))
	}

	tasks := executedTasks(p)
	if len(tasks) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := t.newTable()
	tw.AppendHeader(table.Row{"#", "Agent", "Risk", "Status", "Task"})
	for _, et := range tasks {
		tw.AppendRow(table.Row{et.Index, et.Task.AssignedAgent, et.RiskLevel, et.Result.Status, truncate(et.Task.Description, 60)})
	}
	tw.Render()

	return nil
}

// PrintApproval prints an approval and its decisions.
func (t *TablePrinter) PrintApproval(a model.ApprovalView) error {
	fmt.Fprintf(t.writer, "ID:         %s\n", a.Request.ID)
	fmt.Fprintf(t.writer, "Pipeline:   %s\n", a.Request.WorkflowID)
	fmt.Fprintf(t.writer, "Task:       %s\n", a.Request.TaskDescription)
	fmt.Fprintf(t.writer, "Risk:       %s\n", a.Request.RiskLevel)
	fmt.Fprintf(t.writer, "Required:   %d\n", a.Request.RequiredApprovers)
	fmt.Fprintf(t.writer, "State:      %s\n", a.State)
	if a.Approver != "" {
		fmt.Fprintf(t.writer, "Approver:   %s\n", a.Approver)
	}
	if a.ApprovedAt != nil {
		fmt.Fprintf(t.writer, "Approved:   %s\n", FormatTimestamp(*a.ApprovedAt))
	}

	if len(a.Signals) == 0 {
		return nil
	}

	fmt.Fprintln(t.writer)
	tw := t.newTable()
	tw.AppendHeader(table.Row{"Approver", "Decision", "Reason", "Received"})
	for _, s := range a.Signals {
		tw.AppendRow(table.Row{s.Approver, s.Status, s.Reason, TimeAgo(s.ReceivedAt)})
	}
	tw.Render()

	return nil
}

// PrintSignal prints the delivered signal.
func (t *TablePrinter) PrintSignal(s model.ApprovalSignal, duplicate bool) error {
	if duplicate {
		fmt.Fprintf(t.writer, "%s already decided on %s, decision ignored\n", s.Approver, s.ApprovalID)
		return nil
	}
	fmt.Fprintf(t.writer, "%s %s %s\n", s.Approver, s.Status, s.ApprovalID)
	return nil
}

// PrintMessage prints a simple text message.
func (t *TablePrinter) PrintMessage(msg string) error {
	fmt.Fprintln(t.writer, msg)
	return nil
}

func executedTasks(p model.Pipeline) []model.TaskExecutionResult {
	if p.Result != nil {
		return p.Result.ExecutedTasks
	}
	return p.Progress.ExecutedTasks
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
