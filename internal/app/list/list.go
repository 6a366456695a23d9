package list

import (
	"context"
	"fmt"

	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// ServiceConfig is the configuration for the list service.
type ServiceConfig struct {
	Repository storage.WorkflowRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.List"})

	return nil
}

// Service lists pipelines with optional filtering.
type Service struct {
	repo   storage.WorkflowRepository
	logger log.Logger
}

// NewService creates a new list service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the list request parameters.
type Request struct {
	// StatusFilter is an optional filter to only show pipelines with this status.
	StatusFilter *model.PipelineStatus
}

// Run lists all pipelines, optionally filtered by status.
func (s *Service) Run(ctx context.Context, req Request) ([]model.Pipeline, error) {
	s.logger.Debugf("listing pipelines with filter: %v", req.StatusFilter)

	ws, err := s.repo.ListWorkflows(ctx, storage.ListWorkflowsOpts{Workflow: pipeline.WorkflowName})
	if err != nil {
		return nil, fmt.Errorf("could not list pipelines: %w", err)
	}

	// The pipeline status comes from the result, it doesn't map 1:1 to the workflow status.
	pipelines := make([]model.Pipeline, 0, len(ws))
	for _, w := range ws {
		p, err := pipeline.FromWorkflow(w)
		if err != nil {
			s.logger.Warningf("Ignoring pipeline %s: %s", w.ID, err)
			continue
		}
		if req.StatusFilter != nil && p.Status != *req.StatusFilter {
			continue
		}
		pipelines = append(pipelines, *p)
	}

	s.logger.Debugf("found %d pipelines", len(pipelines))
	return pipelines, nil
}
