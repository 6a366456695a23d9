package printer

import "github.com/slok/agentline/internal/model"

// Printer knows how to print pipeline information in different formats.
type Printer interface {
	PrintList(pipelines []model.Pipeline) error
	// PrintStatus prints a pipeline, pendingSignals are the decisions already received
	// by the approval it's waiting on.
	PrintStatus(p model.Pipeline, pendingSignals []model.ApprovalSignal) error
	PrintApproval(approval model.ApprovalView) error
	PrintSignal(signal model.ApprovalSignal, duplicate bool) error
	PrintMessage(msg string) error
}
