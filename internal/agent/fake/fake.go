// Package fake has deterministic in-process agents, used on dev mode and tests.
//
// All of them behave like idempotent receivers: repeating a call with the same
// idempotency key returns the first successful response without doing the work again,
// but every call is recorded so callers can check how many times a key was sent.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/slok/agentline/internal/agent"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

type recorder struct {
	mu        sync.Mutex
	calls     map[string]int
	responses map[string]any
}

func newRecorder() recorder {
	return recorder{
		calls:     map[string]int{},
		responses: map[string]any{},
	}
}

func (r *recorder) record(key string) (cached any, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[key]++
	cached, ok = r.responses[key]
	return cached, ok
}

func (r *recorder) store(key string, resp any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[key] = resp
}

// Calls returns the number of calls received with an idempotency key.
func (r *recorder) Calls(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// Keys returns the sorted idempotency keys received.
func (r *recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.calls))
	for k := range r.calls {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TotalCalls returns the number of calls received.
func (r *recorder) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, c := range r.calls {
		total += c
	}
	return total
}

// DefaultCitations are the citations returned by the fake agents.
var DefaultCitations = []model.Citation{
	{Source: "https://go.dev/doc/effective_go", Title: "Effective Go"},
	{Source: "https://go.dev/doc/code", Title: "How to Write Go Code"},
}

// DecomposerConfig is the configuration of the fake decomposer.
type DecomposerConfig struct {
	// Tasks returns the tasks of a goal, by default a documentation, an implementation
	// and a production task.
	Tasks  func(goal string) []model.Task
	Logger log.Logger
}

func (c *DecomposerConfig) defaults() error {
	if c.Tasks == nil {
		c.Tasks = defaultTasks
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "fake.Decomposer"})
	return nil
}

func defaultTasks(goal string) []model.Task {
	return []model.Task{
		{Description: "Write README documentation for: " + goal, AssignedAgent: model.AgentKindOverseer, Priority: 1},
		{Description: "Implement the service API for: " + goal, AssignedAgent: model.AgentKindDeveloper, Priority: 2},
		{Description: "Prepare production database migration for: " + goal, AssignedAgent: model.AgentKindDeveloper, Priority: 3},
	}
}

// Decomposer is a fake goal decomposer.
type Decomposer struct {
	recorder
	tasks  func(goal string) []model.Task
	logger log.Logger
}

// NewDecomposer returns a new fake decomposer.
func NewDecomposer(cfg DecomposerConfig) (*Decomposer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Decomposer{
		recorder: newRecorder(),
		tasks:    cfg.Tasks,
		logger:   cfg.Logger,
	}, nil
}

func (d *Decomposer) Decompose(ctx context.Context, req agent.DecomposeRequest) (*model.Decomposition, error) {
	if cached, ok := d.record(req.IdempotencyKey); ok {
		return cached.(*model.Decomposition), nil
	}

	dec := &model.Decomposition{
		Tasks:     d.tasks(req.Goal),
		Citations: DefaultCitations,
	}
	d.store(req.IdempotencyKey, dec)
	d.logger.Debugf("Goal decomposed in %d tasks", len(dec.Tasks))

	return dec, nil
}

// AgentConfig is the configuration of a fake execution agent.
type AgentConfig struct {
	// Execute returns the result of a task, by default a valid code artifact with citations.
	Execute func(ctx context.Context, req agent.ExecuteRequest) (*model.TaskResult, error)
	// Delay is the time the agent takes to execute a task.
	Delay  time.Duration
	Logger log.Logger
}

func (c *AgentConfig) defaults() error {
	if c.Execute == nil {
		c.Execute = defaultExecute
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay can't be negative")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "fake.Agent"})
	return nil
}

func defaultExecute(ctx context.Context, req agent.ExecuteRequest) (*model.TaskResult, error) {
	name := strings.ReplaceAll(strings.ToLower(req.Task.Description), " ", "_")
	res, err := json.Marshal(map[string]any{
		"summary": "Done: " + req.Task.Description,
		"code": model.CodeArtifact{
			Implementation: fmt.Sprintf("package app\n\n// Run executes %q.\nfunc Run() error {\n\treturn nil\n}\n", name),
			Tests:          "package app\n\nimport \"testing\"\n\nfunc TestRun(t *testing.T) {\n\tif err := Run(); err != nil {\n\t\tt.Fatal(err)\n\t}\n}\n",
		},
	})
	if err != nil {
		return nil, err
	}

	return &model.TaskResult{
		Status:    model.TaskResultStatusCompleted,
		Result:    res,
		Citations: DefaultCitations,
	}, nil
}

// Agent is a fake execution agent.
type Agent struct {
	recorder
	execute func(ctx context.Context, req agent.ExecuteRequest) (*model.TaskResult, error)
	delay   time.Duration
	logger  log.Logger
}

// NewAgent returns a new fake execution agent.
func NewAgent(cfg AgentConfig) (*Agent, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Agent{
		recorder: newRecorder(),
		execute:  cfg.Execute,
		delay:    cfg.Delay,
		logger:   cfg.Logger,
	}, nil
}

func (a *Agent) Execute(ctx context.Context, req agent.ExecuteRequest) (*model.TaskResult, error) {
	if cached, ok := a.record(req.IdempotencyKey); ok {
		return cached.(*model.TaskResult), nil
	}

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	res, err := a.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	a.store(req.IdempotencyKey, res)
	a.logger.WithValues(log.Kv{"idempotency-key": req.IdempotencyKey}).Debugf("Task executed")

	return res, nil
}

// DeployerConfig is the configuration of the fake deployer.
type DeployerConfig struct {
	Logger log.Logger
}

func (c *DeployerConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "fake.Deployer"})
	return nil
}

// Deployer is a fake deployer.
type Deployer struct {
	recorder
	logger log.Logger
}

// NewDeployer returns a new fake deployer.
func NewDeployer(cfg DeployerConfig) (*Deployer, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Deployer{recorder: newRecorder(), logger: cfg.Logger}, nil
}

func (d *Deployer) Deploy(ctx context.Context, req agent.DeployRequest) (*model.Deployment, error) {
	if cached, ok := d.record(req.IdempotencyKey); ok {
		return cached.(*model.Deployment), nil
	}

	dep := &model.Deployment{
		DeploymentID: "deploy-" + req.IdempotencyKey,
		Status:       "deployed",
	}
	d.store(req.IdempotencyKey, dep)
	d.logger.Infof("Deployed %d tasks", len(req.ExecutedTasks))

	return dep, nil
}

// NewAgents returns a fake agent for every known agent kind.
func NewAgents(logger log.Logger) (map[model.AgentKind]agent.Agent, error) {
	agents := map[model.AgentKind]agent.Agent{}
	for _, kind := range agent.Kinds {
		a, err := NewAgent(AgentConfig{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("could not create %s fake agent: %w", kind, err)
		}
		agents[kind] = a
	}
	return agents, nil
}

var (
	_ agent.Decomposer = &Decomposer{}
	_ agent.Agent      = &Agent{}
	_ agent.Deployer   = &Deployer{}
)
