package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// Signaler delivers signals to workflow instances.
type Signaler interface {
	Signal(ctx context.Context, workflowID string, in durable.SignalInput) (created bool, err error)
}

var _ Signaler = &durable.Runtime{}

// ServiceConfig is the configuration for the signal service.
type ServiceConfig struct {
	Signaler  Signaler
	Workflows storage.WorkflowRepository
	// Activities is the activity journal, used to check a pipeline owns an approval.
	Activities storage.ActivityRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Signaler == nil {
		return fmt.Errorf("signaler is required")
	}

	if c.Workflows == nil {
		return fmt.Errorf("workflow repository is required")
	}

	if c.Activities == nil {
		return fmt.Errorf("activity repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Signal"})

	return nil
}

// Service delivers approval decisions to running pipelines.
type Service struct {
	signaler   Signaler
	workflows  storage.WorkflowRepository
	activities storage.ActivityRepository
	logger     log.Logger
}

// NewService creates a new signal service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		signaler:   cfg.Signaler,
		workflows:  cfg.Workflows,
		activities: cfg.Activities,
		logger:     cfg.Logger,
	}, nil
}

// Request represents the signal request parameters.
type Request struct {
	PipelineID string
	// ApprovalID is the approval the decision is for, empty uses the pipeline pending approval.
	ApprovalID string
	Status     model.SignalStatus
	Approver   string
	Reason     string
}

// Result is the result of delivering a signal.
type Result struct {
	Signal model.ApprovalSignal
	// Duplicate is true when the approver had already decided on the approval, the
	// first decision is the one that counts.
	Duplicate bool
}

// Run delivers an approval signal to a pipeline.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	w, err := s.workflows.GetWorkflow(ctx, req.PipelineID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("pipeline not found: %s: %w", req.PipelineID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get pipeline: %w", err)
	}

	p, err := pipeline.FromWorkflow(*w)
	if err != nil {
		return nil, err
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("pipeline %s is %s: %w", p.ID, p.Status, model.ErrNotValid)
	}

	approvalID, err := s.resolveApproval(ctx, *p, req.ApprovalID)
	if err != nil {
		return nil, err
	}

	signal := model.ApprovalSignal{
		ApprovalID: approvalID,
		Status:     req.Status,
		Approver:   req.Approver,
		Reason:     req.Reason,
		ReceivedAt: time.Now().UTC(),
	}
	if err := approval.ValidateSignal(signal); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(signal)
	if err != nil {
		return nil, fmt.Errorf("could not marshal signal: %w", err)
	}

	created, err := s.signaler.Signal(ctx, p.ID, durable.SignalInput{
		Channel:   approvalID,
		DedupeKey: signal.Approver,
		Payload:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("could not deliver signal: %w", err)
	}

	logger := s.logger.WithValues(log.Kv{"pipeline-id": p.ID, "approval-id": approvalID, "approver": signal.Approver})
	if !created {
		logger.Infof("Approver already decided, signal ignored")
	} else {
		logger.Infof("Signal %s delivered", signal.Status)
	}

	return &Result{Signal: signal, Duplicate: !created}, nil
}

// resolveApproval returns the approval the signal is for. An explicit approval must have been
// registered by the pipeline, otherwise nothing would ever read the signal.
func (s *Service) resolveApproval(ctx context.Context, p model.Pipeline, approvalID string) (string, error) {
	pending := p.Progress.PendingApproval
	if approvalID == "" {
		if pending == nil {
			return "", fmt.Errorf("pipeline %s is not waiting for an approval: %w", p.ID, model.ErrNotValid)
		}
		return pending.ApprovalID, nil
	}

	if pending != nil && pending.ApprovalID == approvalID {
		return approvalID, nil
	}

	ids, err := approval.WorkflowApprovalIDs(ctx, s.activities, p.ID)
	if err != nil {
		return "", fmt.Errorf("could not get pipeline approvals: %w", err)
	}
	if !slices.Contains(ids, approvalID) {
		return "", fmt.Errorf("approval %s does not belong to pipeline %s: %w", approvalID, p.ID, model.ErrNotValid)
	}

	return approvalID, nil
}
