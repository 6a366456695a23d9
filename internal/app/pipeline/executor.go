package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/agentline/internal/agent"
	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// IdempotencyKey returns the key sent to an agent executing a task of a pipeline.
func IdempotencyKey(pipelineKey string, kind model.AgentKind, taskIndex int) string {
	return fmt.Sprintf("%s-%s-%d", pipelineKey, kind, taskIndex)
}

func (o *Orchestrator) executeTask(ctx context.Context, r *run, i int, task model.Task, a agent.Agent) (*model.TaskResult, error) {
	cfg, ok := o.cfg.Agents[task.AssignedAgent]
	if !ok {
		cfg = model.DefaultPipelineConfig().Agents[task.AssignedAgent]
	}
	key := IdempotencyKey(r.req.IdempotencyKey, task.AssignedAgent, i)

	return durable.ExecuteActivityJSON(ctx, r.inst, fmt.Sprintf("task/%d/execute", i), activityOptions("execute_task", cfg),
		func(ctx context.Context, actx *durable.ActivityContext) (*model.TaskResult, error) {
			defer heartbeat(ctx, actx, cfg.HeartbeatInterval, r.logger)()

			res, err := a.Execute(ctx, agent.ExecuteRequest{
				Task:           task,
				Context:        r.req.Context,
				IdempotencyKey: key,
			})
			if err != nil {
				return nil, classify(err)
			}
			if res == nil {
				return nil, durable.NonRetryable(fmt.Errorf("agent returned an empty response"))
			}
			if res.Status == "" {
				res.Status = model.TaskResultStatusCompleted
			}
			return res, nil
		})
}

func activityOptions(name string, cfg model.EndpointConfig) durable.ActivityOptions {
	return durable.ActivityOptions{
		Name:             name,
		Timeout:          cfg.Timeout,
		Retry:            cfg.Retry,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}
}

// classify marks the remote errors that can't succeed on a retry.
func classify(err error) error {
	var serr *agent.StatusError
	if errors.As(err, &serr) && !serr.Temporary() {
		return durable.NonRetryable(err)
	}
	return err
}

// heartbeat records the activity liveness every interval until the returned function is called.
func heartbeat(ctx context.Context, actx *durable.ActivityContext, interval time.Duration, logger log.Logger) (stop func()) {
	if interval <= 0 {
		return func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := actx.Heartbeat(ctx); err != nil && ctx.Err() == nil {
					logger.Warningf("Could not record heartbeat of %s: %s", actx.Key(), err)
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
