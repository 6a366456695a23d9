package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/slok/agentline/internal/agent"
	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/risk"
	"github.com/slok/agentline/internal/validation"
)

// WorkflowName is the durable workflow name of the pipelines.
const WorkflowName = "pipeline"

// ReasonCancelled is the result reason of a pipeline cancelled by an external request.
const ReasonCancelled = "cancelled by request"

// OrchestratorConfig is the configuration of the pipeline orchestrator.
type OrchestratorConfig struct {
	Decomposer agent.Decomposer
	Agents     *agent.Registry
	Deployer   agent.Deployer
	Gate       *approval.Gate
	Config     model.PipelineConfig
	Logger     log.Logger
}

func (c *OrchestratorConfig) defaults() error {
	if c.Decomposer == nil {
		return fmt.Errorf("decomposer is required")
	}
	if c.Agents == nil {
		return fmt.Errorf("agent registry is required")
	}
	if c.Deployer == nil {
		return fmt.Errorf("deployer is required")
	}
	if c.Gate == nil {
		return fmt.Errorf("approval gate is required")
	}
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pipeline.Orchestrator"})
	return nil
}

// Orchestrator drives a project request through decomposition, per task risk gating,
// execution and validation, and the final deployment gate.
type Orchestrator struct {
	decomposer agent.Decomposer
	agents     *agent.Registry
	deployer   agent.Deployer
	gate       *approval.Gate
	cfg        model.PipelineConfig
	logger     log.Logger
}

// NewOrchestrator returns a new pipeline orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Orchestrator{
		decomposer: cfg.Decomposer,
		agents:     cfg.Agents,
		deployer:   cfg.Deployer,
		gate:       cfg.Gate,
		cfg:        cfg.Config,
		logger:     cfg.Logger,
	}, nil
}

// run is the state of a single pipeline execution.
type run struct {
	inst     *durable.Instance
	req      model.ProjectRequest
	progress model.PipelineProgress
	logger   log.Logger
}

func (r *run) checkpoint(ctx context.Context, state model.PipelineState) error {
	r.progress.State = state
	if state != model.PipelineStateApprovalGating && state != model.PipelineStateDeploymentGating {
		r.progress.PendingApproval = nil
	}
	return r.inst.CheckpointJSON(ctx, r.progress)
}

func (r *run) result(status model.PipelineStatus) *model.WorkflowResult {
	executed := r.progress.ExecutedTasks
	if executed == nil {
		executed = []model.TaskExecutionResult{}
	}
	return &model.WorkflowResult{Status: status, ExecutedTasks: executed}
}

// Workflow is the durable workflow of a pipeline. Every pipeline level outcome, including
// failures, is returned as a WorkflowResult. Only the runtime stop and journal errors are
// returned as errors.
func (o *Orchestrator) Workflow(ctx context.Context, inst *durable.Instance, input []byte) ([]byte, error) {
	var req model.ProjectRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("could not unmarshal project request: %w", err)
	}

	r := &run{
		inst:     inst,
		req:      req,
		progress: model.PipelineProgress{ExecutedTasks: []model.TaskExecutionResult{}},
		logger:   o.logger.WithValues(log.Kv{"workflow-id": inst.ID(), "idempotency-key": req.IdempotencyKey}),
	}

	res, err := o.run(ctx, r)
	if err != nil {
		res, err = o.handleError(ctx, r, err)
		if err != nil {
			return nil, err
		}
	}

	terminal := terminalState(res.Status)
	if err := r.checkpoint(ctx, terminal); err != nil {
		return nil, err
	}
	r.logger.Infof("Pipeline finished with status %s", res.Status)

	return json.Marshal(res)
}

// pipelineError is an error attributed to a task of the pipeline.
type pipelineError struct {
	task int
	err  error
}

func (e *pipelineError) Error() string { return fmt.Sprintf("task %d: %s", e.task, e.err) }
func (e *pipelineError) Unwrap() error { return e.err }

func (o *Orchestrator) handleError(ctx context.Context, r *run, err error) (*model.WorkflowResult, error) {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, durable.ErrRuntimeStopped) || errors.Is(err, durable.ErrRuntimeStopped):
		return nil, err
	case errors.Is(cause, durable.ErrWorkflowCancelled) || errors.Is(err, durable.ErrWorkflowCancelled):
		res := r.result(model.PipelineStatusCancelled)
		res.Reason = ReasonCancelled
		return res, nil
	}

	var aerr *durable.ActivityError
	if !errors.As(err, &aerr) {
		// Journal and other substrate errors fail the durable instance.
		return nil, err
	}

	res := r.result(model.PipelineStatusFailed)
	res.Reason = err.Error()
	res.Errors = []string{aerr.Error()}

	var perr *pipelineError
	if errors.As(err, &perr) {
		task := perr.task
		res.FailedTask = &task
	}

	r.logger.Errorf("Pipeline failed: %s", err)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, r *run) (*model.WorkflowResult, error) {
	if err := r.checkpoint(ctx, model.PipelineStateDecomposing); err != nil {
		return nil, err
	}

	dec, err := o.decompose(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("could not decompose goal: %w", err)
	}
	r.progress.TotalTasks = len(dec.Tasks)
	r.logger.Infof("Goal decomposed in %d tasks", len(dec.Tasks))

	for i, task := range dec.Tasks {
		r.progress.TaskIndex = i
		res, err := o.runTask(ctx, r, i, task)
		if err != nil {
			return nil, &pipelineError{task: i, err: err}
		}
		if res != nil {
			return res, nil
		}
	}
	r.progress.TaskIndex = len(dec.Tasks)

	return o.deploy(ctx, r)
}

func (o *Orchestrator) decompose(ctx context.Context, r *run) (*model.Decomposition, error) {
	cfg := o.cfg.Decomposer
	return durable.ExecuteActivityJSON(ctx, r.inst, "decompose", activityOptions("decompose", cfg), func(ctx context.Context, actx *durable.ActivityContext) (*model.Decomposition, error) {
		defer heartbeat(ctx, actx, cfg.HeartbeatInterval, r.logger)()

		dec, err := o.decomposer.Decompose(ctx, agent.DecomposeRequest{
			Goal:           r.req.Goal,
			Context:        r.req.Context,
			IdempotencyKey: r.req.IdempotencyKey,
		})
		if err != nil {
			return nil, classify(err)
		}
		if dec == nil {
			return nil, durable.NonRetryable(fmt.Errorf("decomposer returned an empty response"))
		}
		return dec, nil
	})
}

// runTask runs a single task. A non nil result means the pipeline ended on this task.
func (o *Orchestrator) runTask(ctx context.Context, r *run, i int, task model.Task) (*model.WorkflowResult, error) {
	logger := r.logger.WithValues(log.Kv{"task": i})

	if err := r.checkpoint(ctx, model.PipelineStateRiskAssessing); err != nil {
		return nil, err
	}
	level := risk.Assess(task.Description)

	if level != model.RiskLevelLow {
		if err := r.checkpoint(ctx, model.PipelineStateApprovalGating); err != nil {
			return nil, err
		}

		gctx := map[string]any{}
		maps.Copy(gctx, r.req.Context)
		gctx["goal"] = r.req.Goal
		gctx["task_index"] = i
		gctx["assigned_agent"] = string(task.AssignedAgent)

		res, err := o.gate.RequestApproval(ctx, r.inst, approval.Request{
			Key:               fmt.Sprintf("task/%d", i),
			Description:       task.Description,
			RiskLevel:         level,
			Context:           gctx,
			RequiredApprovers: o.cfg.Approvals.RequiredApprovers[level],
			OnPending:         r.onPending,
		})
		if err != nil {
			return nil, fmt.Errorf("approval gate failed: %w", err)
		}

		if res.Outcome != model.GateOutcomeApproved {
			logger.Infof("Task not approved (%s): %s", res.Outcome, res.Reason)
			wres := r.result(model.PipelineStatusCancelled)
			wres.Reason = res.Reason
			return wres, nil
		}
	}

	if err := r.checkpoint(ctx, model.PipelineStateExecuting); err != nil {
		return nil, err
	}

	// Unknown agents are gated like any other task but never executed nor validated.
	a, ok := o.agents.Agent(task.AssignedAgent)
	if !ok {
		logger.Warningf("Unknown agent %q, task skipped", task.AssignedAgent)
		r.progress.ExecutedTasks = append(r.progress.ExecutedTasks, model.TaskExecutionResult{
			Index:     i,
			Task:      task,
			RiskLevel: level,
			Result: model.TaskResult{
				Status: model.TaskResultStatusSkipped,
				Reason: fmt.Sprintf("unknown agent %q", task.AssignedAgent),
			},
		})
		return nil, r.checkpoint(ctx, model.PipelineStateExecuting)
	}

	tres, err := o.executeTask(ctx, r, i, task, a)
	if err != nil {
		return nil, fmt.Errorf("could not execute task: %w", err)
	}

	if err := r.checkpoint(ctx, model.PipelineStateValidating); err != nil {
		return nil, err
	}
	if v := validation.Validate(*tres); !v.Valid {
		logger.Warningf("Task result is not valid: %v", v.Errors)
		wres := r.result(model.PipelineStatusFailed)
		wres.Reason = fmt.Sprintf("task %d output failed validation", i)
		wres.Errors = v.Errors
		wres.FailedTask = &i
		return wres, nil
	}

	r.progress.ExecutedTasks = append(r.progress.ExecutedTasks, model.TaskExecutionResult{
		Index:     i,
		Task:      task,
		Result:    *tres,
		RiskLevel: level,
	})
	return nil, r.checkpoint(ctx, model.PipelineStateValidating)
}

func (o *Orchestrator) deploy(ctx context.Context, r *run) (*model.WorkflowResult, error) {
	if err := r.checkpoint(ctx, model.PipelineStateDeploymentGating); err != nil {
		return nil, err
	}

	gres, err := o.gate.RequestApproval(ctx, r.inst, approval.Request{
		Key:               "deploy",
		Description:       "Deploy project: " + r.req.Goal,
		RiskLevel:         model.RiskLevelHigh,
		Context:           map[string]any{"goal": r.req.Goal, "executed_tasks": len(r.progress.ExecutedTasks)},
		RequiredApprovers: o.cfg.Approvals.DeploymentApprovers,
		OnPending:         r.onPending,
	})
	if err != nil {
		return nil, fmt.Errorf("deployment gate failed: %w", err)
	}

	if gres.Outcome != model.GateOutcomeApproved {
		r.logger.Infof("Deployment not approved (%s), withholding it", gres.Outcome)
		res := r.result(model.PipelineStatusReadyForDeployment)
		res.Reason = gres.Reason
		return res, nil
	}

	if err := r.checkpoint(ctx, model.PipelineStateDeploying); err != nil {
		return nil, err
	}

	cfg := o.cfg.Deployer
	opts := activityOptions("deploy", cfg)
	opts.AtMostOnce = true
	opts.Retry = model.RetryPolicy{MaxAttempts: 1}

	dep, err := durable.ExecuteActivityJSON(ctx, r.inst, "deploy", opts, func(ctx context.Context, actx *durable.ActivityContext) (*model.Deployment, error) {
		defer heartbeat(ctx, actx, cfg.HeartbeatInterval, r.logger)()

		dep, err := o.deployer.Deploy(ctx, agent.DeployRequest{
			ExecutedTasks:  r.progress.ExecutedTasks,
			IdempotencyKey: r.req.IdempotencyKey + "-deploy",
		})
		if err != nil {
			return nil, err
		}
		if dep == nil {
			return nil, fmt.Errorf("deployer returned an empty response")
		}
		return dep, nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not deploy: %w", err)
	}

	res := r.result(model.PipelineStatusCompleted)
	res.Deployment = dep
	return res, nil
}

func (r *run) onPending(ctx context.Context, p model.PendingApproval) error {
	r.progress.PendingApproval = &p
	return r.inst.CheckpointJSON(ctx, r.progress)
}

func terminalState(s model.PipelineStatus) model.PipelineState {
	switch s {
	case model.PipelineStatusCompleted:
		return model.PipelineStateCompleted
	case model.PipelineStatusCancelled:
		return model.PipelineStateCancelled
	case model.PipelineStatusReadyForDeployment:
		return model.PipelineStateReadyForDeployment
	}
	return model.PipelineStateFailed
}
