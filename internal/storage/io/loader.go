package io

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/slok/agentline/internal/model"
)

// ConfigYAMLRepository loads the pipeline configuration from YAML files.
type ConfigYAMLRepository struct {
	fs fs.FS
}

// NewConfigYAMLRepository creates a new YAML config repository.
func NewConfigYAMLRepository(filesystem fs.FS) *ConfigYAMLRepository {
	return &ConfigYAMLRepository{fs: filesystem}
}

// GetConfig loads a pipeline configuration from a YAML file. Missing settings take the
// default values.
func (r *ConfigYAMLRepository) GetConfig(ctx context.Context, path string) (model.PipelineConfig, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return model.PipelineConfig{}, fmt.Errorf("reading config file: %w", err)
	}

	if ctx.Err() != nil {
		return model.PipelineConfig{}, ctx.Err()
	}

	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return model.PipelineConfig{}, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return model.PipelineConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	mcfg := cfg.toModel()
	if err := mcfg.Validate(); err != nil {
		return model.PipelineConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return mcfg, nil
}

// PipelineConfig represents the YAML structure for the pipeline configuration.
type PipelineConfig struct {
	Agents    AgentsConfig   `yaml:"agents"`
	Approvals ApprovalConfig `yaml:"approvals"`
	Fake      bool           `yaml:"fake"`
}

// AgentsConfig represents the YAML structure of the remote collaborators.
type AgentsConfig struct {
	Decomposer *EndpointConfig `yaml:"decomposer,omitempty"`
	Developer  *EndpointConfig `yaml:"developer,omitempty"`
	Overseer   *EndpointConfig `yaml:"overseer,omitempty"`
	Deployer   *EndpointConfig `yaml:"deployer,omitempty"`
}

// EndpointConfig represents the YAML structure of a remote collaborator.
type EndpointConfig struct {
	URL               string        `yaml:"url"`
	Timeout           time.Duration `yaml:"timeout"`
	Retry             *RetryConfig  `yaml:"retry,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
}

// RetryConfig represents the YAML structure of a retry policy.
type RetryConfig struct {
	MaxAttempts        int           `yaml:"max_attempts"`
	InitialInterval    time.Duration `yaml:"initial_interval"`
	MaxInterval        time.Duration `yaml:"max_interval"`
	BackoffCoefficient float64       `yaml:"backoff_coefficient"`
}

// ApprovalConfig represents the YAML structure of the approval gating.
type ApprovalConfig struct {
	StoreURL            string                  `yaml:"store_url"`
	WebhookURL          string                  `yaml:"webhook_url"`
	Timeout             time.Duration           `yaml:"timeout"`
	CreateTimeout       time.Duration           `yaml:"create_timeout"`
	NotifyTimeout       time.Duration           `yaml:"notify_timeout"`
	RequiredApprovers   RequiredApproversConfig `yaml:"required_approvers"`
	DeploymentApprovers int                     `yaml:"deployment_approvers"`
}

// RequiredApproversConfig represents the YAML structure of the quorum per risk level.
type RequiredApproversConfig struct {
	Medium int `yaml:"medium"`
	High   int `yaml:"high"`
}

func (c PipelineConfig) validate() error {
	endpoints := map[string]*EndpointConfig{
		"decomposer": c.Agents.Decomposer,
		"developer":  c.Agents.Developer,
		"overseer":   c.Agents.Overseer,
		"deployer":   c.Agents.Deployer,
	}
	for name, e := range endpoints {
		if e == nil {
			continue
		}
		if err := e.validate(); err != nil {
			return fmt.Errorf("agents.%s: %w", name, err)
		}
	}

	if !c.Fake {
		for name, e := range endpoints {
			if e == nil || e.URL == "" {
				return fmt.Errorf("agents.%s url is required when fake mode is disabled", name)
			}
		}
	}

	if c.Approvals.Timeout < 0 {
		return fmt.Errorf("approvals timeout must be positive, got: %s", c.Approvals.Timeout)
	}
	if c.Approvals.RequiredApprovers.Medium < 0 || c.Approvals.RequiredApprovers.High < 0 || c.Approvals.DeploymentApprovers < 0 {
		return fmt.Errorf("required approvers must be positive")
	}

	return nil
}

func (e EndpointConfig) validate() error {
	if e.Timeout < 0 {
		return fmt.Errorf("timeout must be positive, got: %s", e.Timeout)
	}
	if e.HeartbeatInterval < 0 || e.HeartbeatTimeout < 0 {
		return fmt.Errorf("heartbeat settings must be positive")
	}
	if e.Retry != nil {
		if e.Retry.MaxAttempts < 0 {
			return fmt.Errorf("retry max_attempts must be positive, got: %d", e.Retry.MaxAttempts)
		}
		if e.Retry.BackoffCoefficient != 0 && e.Retry.BackoffCoefficient < 1 {
			return fmt.Errorf("retry backoff_coefficient must be >= 1, got: %v", e.Retry.BackoffCoefficient)
		}
	}
	return nil
}

func (c PipelineConfig) toModel() model.PipelineConfig {
	cfg := model.DefaultPipelineConfig()
	cfg.Fake = c.Fake

	cfg.Decomposer = c.Agents.Decomposer.merge(cfg.Decomposer)
	cfg.Deployer = c.Agents.Deployer.merge(cfg.Deployer)
	cfg.Agents[model.AgentKindDeveloper] = c.Agents.Developer.merge(cfg.Agents[model.AgentKindDeveloper])
	cfg.Agents[model.AgentKindOverseer] = c.Agents.Overseer.merge(cfg.Agents[model.AgentKindOverseer])

	a := c.Approvals
	cfg.Approvals.StoreURL = a.StoreURL
	cfg.Approvals.WebhookURL = a.WebhookURL
	if a.Timeout > 0 {
		cfg.Approvals.Timeout = a.Timeout
	}
	if a.CreateTimeout > 0 {
		cfg.Approvals.CreateTimeout = a.CreateTimeout
	}
	if a.NotifyTimeout > 0 {
		cfg.Approvals.NotifyTimeout = a.NotifyTimeout
	}
	if a.RequiredApprovers.Medium > 0 {
		cfg.Approvals.RequiredApprovers[model.RiskLevelMedium] = a.RequiredApprovers.Medium
	}
	if a.RequiredApprovers.High > 0 {
		cfg.Approvals.RequiredApprovers[model.RiskLevelHigh] = a.RequiredApprovers.High
	}
	if a.DeploymentApprovers > 0 {
		cfg.Approvals.DeploymentApprovers = a.DeploymentApprovers
	}

	return cfg
}

// merge overrides the defaults with the set values.
func (e *EndpointConfig) merge(def model.EndpointConfig) model.EndpointConfig {
	if e == nil {
		return def
	}

	def.URL = e.URL
	if e.Timeout > 0 {
		def.Timeout = e.Timeout
	}
	if e.HeartbeatInterval > 0 {
		def.HeartbeatInterval = e.HeartbeatInterval
	}
	if e.HeartbeatTimeout > 0 {
		def.HeartbeatTimeout = e.HeartbeatTimeout
	}
	if e.Retry != nil {
		if e.Retry.MaxAttempts > 0 {
			def.Retry.MaxAttempts = e.Retry.MaxAttempts
		}
		if e.Retry.InitialInterval > 0 {
			def.Retry.InitialInterval = e.Retry.InitialInterval
		}
		if e.Retry.MaxInterval > 0 {
			def.Retry.MaxInterval = e.Retry.MaxInterval
		}
		if e.Retry.BackoffCoefficient > 0 {
			def.Retry.BackoffCoefficient = e.Retry.BackoffCoefficient
		}
	}

	return def
}
