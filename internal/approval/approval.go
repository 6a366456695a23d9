// Package approval implements the human approval gates of a pipeline.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// Store is the approval store, where approval requests are registered for the approvers.
type Store interface {
	CreateApproval(ctx context.Context, req model.ApprovalRequest) (id string, err error)
	GetApproval(ctx context.Context, id string) (*model.ApprovalView, error)
}

// Notification tells the approvers an approval is waiting for them.
type Notification struct {
	ApprovalID        string
	WorkflowID        string
	Description       string
	RiskLevel         model.RiskLevel
	RequiredApprovers int
	Deadline          time.Time
}

// Notifier notifies approvers, best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier is a notifier that only logs the notification.
type LogNotifier struct {
	Logger log.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Noop
	}
	logger.WithValues(log.Kv{"approval-id": n.ApprovalID, "workflow-id": n.WorkflowID}).
		Infof("Approval required (%s risk, %d approver(s)): %s", n.RiskLevel, n.RequiredApprovers, n.Description)
	return nil
}

// Decision is the quorum evaluation of approval signals.
type Decision struct {
	// Decided is false while there are less signals than required approvers.
	Decided   bool
	Outcome   model.GateOutcome
	Approvers []string
	Reason    string
	// DecidedAt is the receipt time of the signal that completed the quorum.
	DecidedAt time.Time
}

// Evaluate decides an approval with the first required signals by arrival order, later
// signals are ignored. All of them need to be approvals, otherwise it's denied with
// the reason of the first denial.
func Evaluate(required int, signals []model.ApprovalSignal) Decision {
	if required < 1 {
		required = 1
	}
	if len(signals) < required {
		return Decision{}
	}

	counted := signals[:required]
	d := Decision{Decided: true, DecidedAt: counted[len(counted)-1].ReceivedAt}
	approved := 0
	for _, s := range counted {
		d.Approvers = append(d.Approvers, s.Approver)
		switch s.Status {
		case model.SignalStatusApproved:
			approved++
		case model.SignalStatusDenied:
			if d.Reason == "" {
				d.Reason = s.Reason
				if d.Reason == "" {
					d.Reason = "denied by " + s.Approver
				}
			}
		}
	}

	d.Outcome = model.GateOutcomeDenied
	if approved >= required {
		d.Outcome = model.GateOutcomeApproved
		d.Reason = ""
	}

	return d
}

// DecodeSignals decodes the approval signals journaled on an approval channel.
func DecodeSignals(signals []model.Signal) ([]model.ApprovalSignal, error) {
	res := make([]model.ApprovalSignal, 0, len(signals))
	for _, s := range signals {
		var as model.ApprovalSignal
		if err := json.Unmarshal(s.Payload, &as); err != nil {
			return nil, fmt.Errorf("could not decode signal %s: %w", s.ID, err)
		}
		if as.ReceivedAt.IsZero() {
			as.ReceivedAt = s.ReceivedAt
		}
		res = append(res, as)
	}
	return res, nil
}

// ValidateSignal checks an approval signal can be delivered.
func ValidateSignal(s model.ApprovalSignal) error {
	if s.ApprovalID == "" {
		return fmt.Errorf("approval id is required: %w", model.ErrNotValid)
	}
	if s.Approver == "" {
		return fmt.Errorf("approver is required: %w", model.ErrNotValid)
	}
	if s.Status != model.SignalStatusApproved && s.Status != model.SignalStatusDenied {
		return fmt.Errorf("invalid signal status %q: %w", s.Status, model.ErrNotValid)
	}
	return nil
}
