package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// ReasonTimeout is the gate result reason when nobody decided in time.
const ReasonTimeout = "no approval within window"

const createActivityName = "create_approval"

var approvalNamespace = uuid.MustParse("8f5e3c8e-5a55-4b8e-9a43-0d7f7b1f2c61")

// GateConfig is the configuration of the approval gate.
type GateConfig struct {
	Store    Store
	Notifier Notifier
	// Timeout is the maximum time waiting for the approvers.
	Timeout       time.Duration
	CreateTimeout time.Duration
	CreateRetry   model.RetryPolicy
	NotifyTimeout time.Duration
	Meter         metric.Meter
	Logger        log.Logger
}

func (c *GateConfig) defaults() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.Gate"})
	if c.Notifier == nil {
		c.Notifier = LogNotifier{Logger: c.Logger}
	}
	if c.Timeout <= 0 {
		c.Timeout = 24 * time.Hour
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	if c.CreateRetry.MaxAttempts <= 0 {
		c.CreateRetry = model.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, BackoffCoefficient: 2}
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.Meter == nil {
		c.Meter = otel.Meter("github.com/slok/agentline/internal/approval")
	}
	return nil
}

// Gate blocks a workflow until the approvers decide on a request.
type Gate struct {
	store         Store
	notifier      Notifier
	timeout       time.Duration
	createTimeout time.Duration
	createRetry   model.RetryPolicy
	notifyTimeout time.Duration
	outcomes      metric.Int64Counter
	logger        log.Logger
}

// NewGate returns a new approval gate.
func NewGate(cfg GateConfig) (*Gate, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	outcomes, err := cfg.Meter.Int64Counter("agentline_gate_outcomes_total",
		metric.WithDescription("Number of resolved approval gates."),
		metric.WithUnit("{gate}"))
	if err != nil {
		return nil, fmt.Errorf("could not create metrics: %w", err)
	}

	return &Gate{
		store:         cfg.Store,
		notifier:      cfg.Notifier,
		timeout:       cfg.Timeout,
		createTimeout: cfg.CreateTimeout,
		createRetry:   cfg.CreateRetry,
		notifyTimeout: cfg.NotifyTimeout,
		outcomes:      outcomes,
		logger:        cfg.Logger,
	}, nil
}

// Request is an approval request of a workflow.
type Request struct {
	// Key identifies the gate inside the workflow, it must be stable across replays.
	Key               string
	Description       string
	RiskLevel         model.RiskLevel
	Context           map[string]any
	RequiredApprovers int
	// OnPending is called once the approval is registered, before blocking on it.
	OnPending func(ctx context.Context, p model.PendingApproval) error
}

type createdApproval struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalID returns the approval ID of a gate of a workflow.
func ApprovalID(workflowID, key string) string {
	return uuid.NewSHA1(approvalNamespace, []byte(workflowID+"/"+key)).String()
}

// WorkflowApprovalIDs returns the IDs of the approvals a workflow has registered. They are read
// from the workflow activity journal so IDs assigned by a remote store are included.
func WorkflowApprovalIDs(ctx context.Context, activities storage.ActivityRepository, workflowID string) ([]string, error) {
	records, err := activities.ListActivities(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("could not list activities: %w", err)
	}

	ids := []string{}
	for _, r := range records {
		if r.Name != createActivityName || r.Status != model.ActivityStatusDone {
			continue
		}
		var created createdApproval
		if err := json.Unmarshal(r.Result, &created); err != nil {
			return nil, fmt.Errorf("could not unmarshal approval activity %s: %w", r.Key, err)
		}
		ids = append(ids, created.ID)
	}

	return ids, nil
}

// RequestApproval registers the approval request, notifies the approvers and waits for the
// quorum. A failure creating the request is returned as an error, a failed notification
// is only logged.
func (g *Gate) RequestApproval(ctx context.Context, inst *durable.Instance, req Request) (*model.GateResult, error) {
	if req.RequiredApprovers < 1 {
		return nil, fmt.Errorf("required approvers must be >= 1: %w", model.ErrNotValid)
	}

	prefix := "approval/" + req.Key
	logger := g.logger.WithValues(log.Kv{"workflow-id": inst.ID(), "gate": req.Key})

	created, err := durable.ExecuteActivityJSON(ctx, inst, prefix+"/create", durable.ActivityOptions{
		Name:    createActivityName,
		Timeout: g.createTimeout,
		Retry:   g.createRetry,
	}, func(ctx context.Context, _ *durable.ActivityContext) (createdApproval, error) {
		now := inst.Now()
		id, err := g.store.CreateApproval(ctx, model.ApprovalRequest{
			ID:                ApprovalID(inst.ID(), req.Key),
			WorkflowID:        inst.ID(),
			RunID:             inst.RunID(),
			TaskDescription:   req.Description,
			RiskLevel:         req.RiskLevel,
			Context:           req.Context,
			RequiredApprovers: req.RequiredApprovers,
			CreatedAt:         now,
		})
		if err != nil {
			return createdApproval{}, err
		}
		return createdApproval{ID: id, CreatedAt: now}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not create approval: %w", err)
	}

	deadline := created.CreatedAt.Add(g.timeout)
	logger = logger.WithValues(log.Kv{"approval-id": created.ID})

	_, err = inst.ExecuteActivity(ctx, prefix+"/notify", durable.ActivityOptions{
		Name:    "notify",
		Timeout: g.notifyTimeout,
		Retry:   model.RetryPolicy{MaxAttempts: 1},
	}, func(ctx context.Context, _ *durable.ActivityContext) ([]byte, error) {
		return nil, g.notifier.Notify(ctx, Notification{
			ApprovalID:        created.ID,
			WorkflowID:        inst.ID(),
			Description:       req.Description,
			RiskLevel:         req.RiskLevel,
			RequiredApprovers: req.RequiredApprovers,
			Deadline:          deadline,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		logger.Warningf("Could not notify approvers: %s", err)
	}

	if req.OnPending != nil {
		err := req.OnPending(ctx, model.PendingApproval{
			ApprovalID:        created.ID,
			RiskLevel:         req.RiskLevel,
			Description:       req.Description,
			RequiredApprovers: req.RequiredApprovers,
			Deadline:          deadline,
		})
		if err != nil {
			return nil, err
		}
	}

	required := req.RequiredApprovers
	wait, err := inst.WaitForConditionUntil(ctx, prefix+"/wait", created.ID, deadline, func(s []model.Signal) bool {
		return len(s) >= required
	})
	if err != nil {
		return nil, fmt.Errorf("could not wait for approval: %w", err)
	}

	res := &model.GateResult{ApprovalID: created.ID}
	if !wait.Satisfied() {
		res.Outcome = model.GateOutcomeTimeout
		res.Reason = ReasonTimeout
	} else {
		signals, err := DecodeSignals(wait.Signals)
		if err != nil {
			return nil, err
		}
		d := Evaluate(required, signals)
		res.Outcome = d.Outcome
		res.Approvers = d.Approvers
		res.Reason = d.Reason
	}

	g.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("risk_level", string(req.RiskLevel)),
		attribute.String("outcome", string(res.Outcome)),
	))
	logger.Infof("Approval gate resolved: %s", res.Outcome)

	return res, nil
}
