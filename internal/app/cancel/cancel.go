package cancel

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// Canceler cancels workflow instances.
type Canceler interface {
	Cancel(ctx context.Context, id string) error
}

var _ Canceler = &durable.Runtime{}

// ServiceConfig is the configuration for the cancel service.
type ServiceConfig struct {
	Canceler  Canceler
	Workflows storage.WorkflowRepository
	Logger    log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Canceler == nil {
		return fmt.Errorf("canceler is required")
	}

	if c.Workflows == nil {
		return fmt.Errorf("workflow repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Cancel"})

	return nil
}

// Service requests the cancellation of running pipelines.
type Service struct {
	canceler  Canceler
	workflows storage.WorkflowRepository
	logger    log.Logger
}

// NewService creates a new cancel service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		canceler:  cfg.Canceler,
		workflows: cfg.Workflows,
		logger:    cfg.Logger,
	}, nil
}

// Request represents the cancel request parameters.
type Request struct {
	PipelineID string
}

// Run requests the cancellation of a pipeline. The pipeline ends as cancelled with the
// tasks executed so far, a pipeline executing in another process observes it on its
// next journal check.
func (s *Service) Run(ctx context.Context, req Request) error {
	w, err := s.workflows.GetWorkflow(ctx, req.PipelineID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("pipeline not found: %s: %w", req.PipelineID, model.ErrNotFound)
		}
		return fmt.Errorf("could not get pipeline: %w", err)
	}

	if _, err := pipeline.FromWorkflow(*w); err != nil {
		return err
	}

	if err := s.canceler.Cancel(ctx, w.ID); err != nil {
		return fmt.Errorf("could not cancel pipeline: %w", err)
	}

	s.logger.Infof("Cancellation of pipeline %s requested", w.ID)
	return nil
}
