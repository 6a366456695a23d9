package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Workflows storage.WorkflowRepository
	Signals   storage.SignalRepository
	Approvals approval.Store
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Workflows == nil {
		return fmt.Errorf("workflow repository is required")
	}

	if c.Signals == nil {
		return fmt.Errorf("signal repository is required")
	}

	if c.Approvals == nil {
		return fmt.Errorf("approval store is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Status"})

	return nil
}

// Service retrieves detailed pipeline and approval status.
type Service struct {
	workflows storage.WorkflowRepository
	signals   storage.SignalRepository
	approvals approval.Store
	logger    log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		workflows: cfg.Workflows,
		signals:   cfg.Signals,
		approvals: cfg.Approvals,
		logger:    cfg.Logger,
	}, nil
}

// Request represents the status request parameters.
type Request struct {
	// IDOrKey is the pipeline ID or its idempotency key.
	IDOrKey string
}

// Result is the status of a pipeline.
type Result struct {
	Pipeline model.Pipeline
	// PendingSignals are the signals already received by the pending approval, if any.
	PendingSignals []model.ApprovalSignal
}

// Run retrieves the status of a pipeline by ID or idempotency key.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	s.logger.Debugf("getting status for pipeline: %s", req.IDOrKey)

	p, err := s.getPipeline(ctx, req.IDOrKey)
	if err != nil {
		return nil, err
	}

	res := &Result{Pipeline: *p}
	pending := p.Progress.PendingApproval
	if p.Status.IsTerminal() || pending == nil {
		return res, nil
	}

	signals, err := s.signals.ListSignals(ctx, p.ID, pending.ApprovalID)
	if err != nil {
		return nil, fmt.Errorf("could not list approval signals: %w", err)
	}
	res.PendingSignals, err = approval.DecodeSignals(signals)
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (s *Service) getPipeline(ctx context.Context, idOrKey string) (*model.Pipeline, error) {
	w, err := s.workflows.GetWorkflow(ctx, idOrKey)
	if errors.Is(err, model.ErrNotFound) {
		s.logger.Debugf("ID lookup failed, trying idempotency key lookup")
		w, err = s.workflows.GetWorkflow(ctx, pipeline.WorkflowID(idOrKey))
	}
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("pipeline not found: %s: %w", idOrKey, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not get pipeline: %w", err)
	}

	return pipeline.FromWorkflow(*w)
}

// ApprovalRequest represents the approval status request parameters.
type ApprovalRequest struct {
	ApprovalID string
}

// Approval retrieves an approval from the approval store. It's a read model, the pipelines
// only act on the signals they receive.
func (s *Service) Approval(ctx context.Context, req ApprovalRequest) (*model.ApprovalView, error) {
	if req.ApprovalID == "" {
		return nil, fmt.Errorf("approval id is required: %w", model.ErrNotValid)
	}

	view, err := s.approvals.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		return nil, fmt.Errorf("could not get approval: %w", err)
	}

	return view, nil
}
