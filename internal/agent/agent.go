package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slok/agentline/internal/model"
)

// DecomposeRequest is the input of a goal decomposition.
type DecomposeRequest struct {
	Goal           string         `json:"goal"`
	Context        map[string]any `json:"context,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Decomposer splits a goal into tasks.
type Decomposer interface {
	Decompose(ctx context.Context, req DecomposeRequest) (*model.Decomposition, error)
}

// ExecuteRequest is the input of a task execution.
type ExecuteRequest struct {
	Task           model.Task     `json:"task"`
	Context        map[string]any `json:"context,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
}

// Agent executes tasks, there is one implementation per agent kind.
type Agent interface {
	Execute(ctx context.Context, req ExecuteRequest) (*model.TaskResult, error)
}

// DeployRequest is the input of a deployment.
type DeployRequest struct {
	ExecutedTasks  []model.TaskExecutionResult `json:"executed_tasks"`
	IdempotencyKey string                      `json:"idempotency_key"`
}

// Deployer deploys the result of a pipeline.
type Deployer interface {
	Deploy(ctx context.Context, req DeployRequest) (*model.Deployment, error)
}

// Kinds are all the known agent kinds.
var Kinds = []model.AgentKind{model.AgentKindDeveloper, model.AgentKindOverseer}

// ParseAgentKind returns the agent kind, false if it's not a known one.
func ParseAgentKind(s string) (model.AgentKind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Registry dispatches tasks to the agent of their kind.
type Registry struct {
	agents map[model.AgentKind]Agent
}

// NewRegistry returns a new registry, all the known kinds require an agent.
func NewRegistry(agents map[model.AgentKind]Agent) (*Registry, error) {
	r := &Registry{agents: map[model.AgentKind]Agent{}}
	for kind, a := range agents {
		if _, ok := ParseAgentKind(string(kind)); !ok {
			return nil, fmt.Errorf("unknown agent kind %q: %w", kind, model.ErrNotValid)
		}
		if a == nil {
			return nil, fmt.Errorf("agent %q is nil: %w", kind, model.ErrNotValid)
		}
		r.agents[kind] = a
	}

	for _, k := range Kinds {
		if _, ok := r.agents[k]; !ok {
			return nil, fmt.Errorf("agent %q is required: %w", k, model.ErrNotValid)
		}
	}

	return r, nil
}

// Agent returns the agent of a kind, false if the kind is unknown and the task must be skipped.
func (r *Registry) Agent(kind model.AgentKind) (Agent, bool) {
	a, ok := r.agents[kind]
	return a, ok
}

// StatusError is a non successful response from a remote collaborator.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote error: status=%d body=%s", e.StatusCode, e.Body)
}

// Temporary returns true if repeating the call may succeed.
func (e *StatusError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusConflict,
		e.StatusCode >= 500:
		return true
	}
	return false
}
