// Package local is the approval store backed by the pipeline engine own storage. The
// approval state is derived from the signals received by the waiting workflow.
package local

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// StoreConfig is the configuration of the local approval store.
type StoreConfig struct {
	Approvals storage.ApprovalRepository
	Signals   storage.SignalRepository
	Logger    log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Approvals == nil {
		return fmt.Errorf("approval repository is required")
	}
	if c.Signals == nil {
		return fmt.Errorf("signal repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "approval.LocalStore"})
	return nil
}

// Store is the local approval store.
type Store struct {
	approvals storage.ApprovalRepository
	signals   storage.SignalRepository
	logger    log.Logger
}

// NewStore returns a new local approval store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Store{
		approvals: cfg.Approvals,
		signals:   cfg.Signals,
		logger:    cfg.Logger,
	}, nil
}

// CreateApproval stores the approval request. Creating an existing ID is a no-op so
// retried creations are safe.
func (s *Store) CreateApproval(ctx context.Context, req model.ApprovalRequest) (string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	err := s.approvals.CreateApproval(ctx, req)
	if err != nil && !errors.Is(err, model.ErrAlreadyExists) {
		return "", fmt.Errorf("could not create approval: %w", err)
	}

	s.logger.WithValues(log.Kv{"approval-id": req.ID}).Debugf("Approval request stored")
	return req.ID, nil
}

// GetApproval returns the approval request and its state derived from the received signals.
func (s *Store) GetApproval(ctx context.Context, id string) (*model.ApprovalView, error) {
	req, err := s.approvals.GetApproval(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("could not get approval: %w", err)
	}

	signals, err := s.signals.ListSignals(ctx, req.WorkflowID, req.ID)
	if err != nil {
		return nil, fmt.Errorf("could not list signals: %w", err)
	}

	asignals, err := approval.DecodeSignals(signals)
	if err != nil {
		return nil, err
	}

	view := &model.ApprovalView{
		Request: *req,
		State:   model.ApprovalStatePending,
		Signals: asignals,
	}

	d := approval.Evaluate(req.RequiredApprovers, asignals)
	if !d.Decided {
		return view, nil
	}

	view.State = model.ApprovalStateDenied
	if d.Outcome == model.GateOutcomeApproved {
		view.State = model.ApprovalStateApproved
		decidedAt := d.DecidedAt
		view.ApprovedAt = &decidedAt
	}
	if len(d.Approvers) > 0 {
		view.Approver = d.Approvers[0]
	}

	return view, nil
}

var _ approval.Store = &Store{}
