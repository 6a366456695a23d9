// Package pipeline runs project requests as durable pipelines.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

var workflowNamespace = uuid.MustParse("3c2b7f2e-8f2d-4c1e-b8c9-6a7f0d9e5a14")

// WorkflowID returns the pipeline ID of an idempotency key.
func WorkflowID(idempotencyKey string) string {
	return uuid.NewSHA1(workflowNamespace, []byte(idempotencyKey)).String()
}

// ServiceConfig is the configuration of the pipeline service.
type ServiceConfig struct {
	Runtime      *durable.Runtime
	Orchestrator *Orchestrator
	Logger       log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Runtime == nil {
		return fmt.Errorf("runtime is required")
	}
	if c.Orchestrator == nil {
		return fmt.Errorf("orchestrator is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Service"})
	return nil
}

// Service starts pipelines.
type Service struct {
	runtime *durable.Runtime
	logger  log.Logger
}

// NewService returns a new pipeline service, the orchestrator workflow is registered on the runtime.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg.Runtime.Register(WorkflowName, cfg.Orchestrator.Workflow)

	return &Service{
		runtime: cfg.Runtime,
		logger:  cfg.Logger,
	}, nil
}

// Start starts a pipeline. Starting an already existing idempotency key returns the
// existing pipeline and created is false.
func (s *Service) Start(ctx context.Context, req model.ProjectRequest) (p *model.Pipeline, created bool, err error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("could not marshal request: %w", err)
	}

	w, created, err := s.runtime.Start(ctx, durable.StartOptions{
		ID:       WorkflowID(req.IdempotencyKey),
		Workflow: WorkflowName,
		Input:    input,
	})
	if err != nil {
		return nil, false, fmt.Errorf("could not start pipeline: %w", err)
	}

	if !created {
		s.logger.Infof("Pipeline for idempotency key %s already exists", req.IdempotencyKey)
	}

	p, err = FromWorkflow(*w)
	if err != nil {
		return nil, false, err
	}

	return p, created, nil
}

// Run starts a pipeline and waits until it ends.
func (s *Service) Run(ctx context.Context, req model.ProjectRequest) (*model.Pipeline, error) {
	p, _, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	w, err := s.runtime.Wait(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("could not wait for pipeline: %w", err)
	}

	return FromWorkflow(*w)
}

// FromWorkflow returns the pipeline view of its durable workflow instance.
func FromWorkflow(w model.WorkflowInstance) (*model.Pipeline, error) {
	if w.Workflow != WorkflowName {
		return nil, fmt.Errorf("workflow %s is not a pipeline: %w", w.ID, model.ErrNotFound)
	}

	p := &model.Pipeline{
		ID:        w.ID,
		RunID:     w.RunID,
		Status:    model.PipelineStatusRunning,
		Error:     w.Error,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}

	if err := json.Unmarshal(w.Input, &p.Request); err != nil {
		return nil, fmt.Errorf("could not unmarshal pipeline request: %w", err)
	}

	if len(w.Checkpoint) > 0 {
		if err := json.Unmarshal(w.Checkpoint, &p.Progress); err != nil {
			return nil, fmt.Errorf("could not unmarshal pipeline progress: %w", err)
		}
	}

	if len(w.Output) > 0 {
		var res model.WorkflowResult
		if err := json.Unmarshal(w.Output, &res); err != nil {
			return nil, fmt.Errorf("could not unmarshal pipeline result: %w", err)
		}
		p.Result = &res
		p.Status = res.Status
		return p, nil
	}

	switch w.Status {
	case model.WorkflowStatusFailed:
		p.Status = model.PipelineStatusFailed
		p.Result = &model.WorkflowResult{
			Status:        model.PipelineStatusFailed,
			ExecutedTasks: p.Progress.ExecutedTasks,
			Reason:        w.Error,
			Errors:        []string{w.Error},
		}
	case model.WorkflowStatusCancelled:
		p.Status = model.PipelineStatusCancelled
		p.Result = &model.WorkflowResult{
			Status:        model.PipelineStatusCancelled,
			ExecutedTasks: p.Progress.ExecutedTasks,
			Reason:        ReasonCancelled,
		}
	}

	return p, nil
}
