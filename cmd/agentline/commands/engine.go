package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"k8s.io/client-go/util/homedir"

	"github.com/slok/agentline/internal/agent"
	"github.com/slok/agentline/internal/agent/fake"
	"github.com/slok/agentline/internal/agent/remote"
	"github.com/slok/agentline/internal/app/cancel"
	"github.com/slok/agentline/internal/app/list"
	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/app/signal"
	"github.com/slok/agentline/internal/app/status"
	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/approval/local"
	approvalremote "github.com/slok/agentline/internal/approval/remote"
	"github.com/slok/agentline/internal/approval/webhook"
	"github.com/slok/agentline/internal/conventions"
	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage/io"
	"github.com/slok/agentline/internal/storage/sqlite"
)

// engine holds the wired dependencies shared by the commands.
type engine struct {
	repo      *sqlite.Repository
	runtime   *durable.Runtime
	config    model.PipelineConfig
	approvals approval.Store

	// pipelines is only set when the engine executes pipelines.
	pipelines *pipeline.Service
	status    *status.Service
	list      *list.Service
	signal    *signal.Service
	cancel    *cancel.Service
}

// newEngine wires the journal, runtime and services. withPipelines wires the agents and the
// orchestrator so the engine can execute pipelines.
func newEngine(ctx context.Context, root RootCommand, withPipelines bool) (*engine, error) {
	logger := root.Logger

	cfg, err := root.loadConfig(ctx)
	if err != nil {
		return nil, err
	}

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{
		DBPath: root.DBPath,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create repository: %w", err)
	}

	e := &engine{repo: repo, config: cfg}
	if err := e.wire(cfg, logger, withPipelines); err != nil {
		_ = repo.Close()
		return nil, err
	}

	return e, nil
}

func (e *engine) wire(cfg model.PipelineConfig, logger log.Logger, withPipelines bool) error {
	var err error

	e.runtime, err = durable.NewRuntime(durable.RuntimeConfig{
		Journal: e.repo,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("could not create runtime: %w", err)
	}

	e.approvals, err = newApprovalStore(cfg, e.repo, logger)
	if err != nil {
		return err
	}

	if withPipelines {
		orch, err := newOrchestrator(cfg, e.approvals, logger)
		if err != nil {
			return err
		}
		e.pipelines, err = pipeline.NewService(pipeline.ServiceConfig{
			Runtime:      e.runtime,
			Orchestrator: orch,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("could not create pipeline service: %w", err)
		}
	}

	e.status, err = status.NewService(status.ServiceConfig{
		Workflows: e.repo,
		Signals:   e.repo,
		Approvals: e.approvals,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("could not create status service: %w", err)
	}

	e.list, err = list.NewService(list.ServiceConfig{Repository: e.repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create list service: %w", err)
	}

	e.signal, err = signal.NewService(signal.ServiceConfig{Signaler: e.runtime, Workflows: e.repo, Activities: e.repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create signal service: %w", err)
	}

	e.cancel, err = cancel.NewService(cancel.ServiceConfig{Canceler: e.runtime, Workflows: e.repo, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create cancel service: %w", err)
	}

	return nil
}

// Close stops the runtime leaving the running pipelines resumable and closes the journal.
func (e *engine) Close(ctx context.Context) error {
	return errors.Join(e.runtime.Stop(ctx), e.repo.Close())
}

// loadConfig loads the pipeline configuration from the config flag, or from the default
// path when present. Without file the defaults are used.
func (c RootCommand) loadConfig(ctx context.Context) (model.PipelineConfig, error) {
	path := c.ConfigPath
	if path == "" {
		def := conventions.ConfigPath(homedir.HomeDir())
		if _, err := os.Stat(def); err == nil {
			path = def
		}
	}

	cfg := model.DefaultPipelineConfig()
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return cfg, fmt.Errorf("could not resolve config path: %w", err)
		}

		repo := io.NewConfigYAMLRepository(os.DirFS("/"))
		cfg, err = repo.GetConfig(ctx, abs[1:])
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return cfg, fmt.Errorf("config file %s does not exist", path)
			}
			return cfg, fmt.Errorf("could not load config: %w", err)
		}
		c.Logger.Debugf("Config loaded from %s", path)
	}

	if c.Fake {
		cfg.Fake = true
	}

	return cfg, nil
}

func newApprovalStore(cfg model.PipelineConfig, repo *sqlite.Repository, logger log.Logger) (approval.Store, error) {
	if cfg.Approvals.StoreURL != "" {
		store, err := approvalremote.NewStore(approvalremote.StoreConfig{
			URL:     cfg.Approvals.StoreURL,
			Timeout: cfg.Approvals.CreateTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create remote approval store: %w", err)
		}
		return store, nil
	}

	store, err := local.NewStore(local.StoreConfig{Approvals: repo, Signals: repo, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create approval store: %w", err)
	}
	return store, nil
}

func newNotifier(cfg model.PipelineConfig, logger log.Logger) (approval.Notifier, error) {
	if cfg.Approvals.WebhookURL == "" {
		return approval.LogNotifier{Logger: logger}, nil
	}

	n, err := webhook.NewNotifier(webhook.NotifierConfig{
		URL:     cfg.Approvals.WebhookURL,
		Timeout: cfg.Approvals.NotifyTimeout,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create webhook notifier: %w", err)
	}
	return n, nil
}

func newOrchestrator(cfg model.PipelineConfig, store approval.Store, logger log.Logger) (*pipeline.Orchestrator, error) {
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	gate, err := approval.NewGate(approval.GateConfig{
		Store:         store,
		Notifier:      notifier,
		Timeout:       cfg.Approvals.Timeout,
		CreateTimeout: cfg.Approvals.CreateTimeout,
		NotifyTimeout: cfg.Approvals.NotifyTimeout,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create approval gate: %w", err)
	}

	var (
		decomposer agent.Decomposer
		deployer   agent.Deployer
		agents     map[model.AgentKind]agent.Agent
	)
	if cfg.Fake {
		logger.Warningf("Using fake agents")
		decomposer, deployer, agents, err = newFakeAgents(logger)
	} else {
		decomposer, deployer, agents, err = newRemoteAgents(cfg, logger)
	}
	if err != nil {
		return nil, err
	}

	registry, err := agent.NewRegistry(agents)
	if err != nil {
		return nil, fmt.Errorf("could not create agent registry: %w", err)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Decomposer: decomposer,
		Agents:     registry,
		Deployer:   deployer,
		Gate:       gate,
		Config:     cfg,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create orchestrator: %w", err)
	}

	return orch, nil
}

func newFakeAgents(logger log.Logger) (agent.Decomposer, agent.Deployer, map[model.AgentKind]agent.Agent, error) {
	decomposer, err := fake.NewDecomposer(fake.DecomposerConfig{Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not create fake decomposer: %w", err)
	}

	deployer, err := fake.NewDeployer(fake.DeployerConfig{Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("could not create fake deployer: %w", err)
	}

	agents, err := fake.NewAgents(logger)
	if err != nil {
		return nil, nil, nil, err
	}

	return decomposer, deployer, agents, nil
}

func newRemoteAgents(cfg model.PipelineConfig, logger log.Logger) (agent.Decomposer, agent.Deployer, map[model.AgentKind]agent.Agent, error) {
	client := func(name string, e model.EndpointConfig) (*remote.Client, error) {
		if e.URL == "" {
			return nil, fmt.Errorf("%s url is not configured, set it in the config file or use --fake", name)
		}
		c, err := remote.NewClient(remote.ClientConfig{
			URL:     e.URL,
			Timeout: e.Timeout,
			Logger:  logger.WithValues(log.Kv{"agent": name}),
		})
		if err != nil {
			return nil, fmt.Errorf("could not create %s client: %w", name, err)
		}
		return c, nil
	}

	decomposer, err := client("decomposer", cfg.Decomposer)
	if err != nil {
		return nil, nil, nil, err
	}

	deployer, err := client("deployer", cfg.Deployer)
	if err != nil {
		return nil, nil, nil, err
	}

	agents := map[model.AgentKind]agent.Agent{}
	for _, kind := range agent.Kinds {
		a, err := client(string(kind), cfg.Agents[kind])
		if err != nil {
			return nil, nil, nil, err
		}
		agents[kind] = a
	}

	return decomposer, deployer, agents, nil
}

func closeEngine(e *engine, logger log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		logger.Warningf("Could not close engine: %s", err)
	}
}
