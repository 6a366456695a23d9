package model

import (
	"fmt"
	"time"
)

// RetryPolicy is the retry behavior of an activity.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffCoefficient float64
}

// EndpointConfig is the configuration of a remote collaborator.
type EndpointConfig struct {
	URL               string
	Timeout           time.Duration
	Retry             RetryPolicy
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// ApprovalConfig is the approval gating configuration.
type ApprovalConfig struct {
	// StoreURL is the remote approval store, empty uses the local store.
	StoreURL string
	// WebhookURL is the chat webhook used to notify approvers, empty only logs.
	WebhookURL          string
	Timeout             time.Duration
	CreateTimeout       time.Duration
	NotifyTimeout       time.Duration
	RequiredApprovers   map[RiskLevel]int
	DeploymentApprovers int
}

// PipelineConfig is the full pipeline engine configuration.
type PipelineConfig struct {
	Decomposer EndpointConfig
	Agents     map[AgentKind]EndpointConfig
	Deployer   EndpointConfig
	Approvals  ApprovalConfig
	// Fake uses in-process fake agents instead of the remote ones.
	Fake bool
}

// DefaultPipelineConfig returns the configuration with the default timeouts and policies.
func DefaultPipelineConfig() PipelineConfig {
	execution := EndpointConfig{
		Timeout:           10 * time.Minute,
		Retry:             RetryPolicy{MaxAttempts: 2, InitialInterval: time.Second, MaxInterval: 10 * time.Second, BackoffCoefficient: 2},
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  time.Minute,
	}

	return PipelineConfig{
		Decomposer: EndpointConfig{
			Timeout:           5 * time.Minute,
			Retry:             RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 10 * time.Second, BackoffCoefficient: 2},
			HeartbeatInterval: 10 * time.Second,
			HeartbeatTimeout:  time.Minute,
		},
		Agents: map[AgentKind]EndpointConfig{
			AgentKindDeveloper: execution,
			AgentKindOverseer:  execution,
		},
		Deployer: EndpointConfig{
			Timeout: 15 * time.Minute,
			Retry:   RetryPolicy{MaxAttempts: 1},
		},
		Approvals: ApprovalConfig{
			Timeout:       24 * time.Hour,
			CreateTimeout: 30 * time.Second,
			NotifyTimeout: 30 * time.Second,
			RequiredApprovers: map[RiskLevel]int{
				RiskLevelMedium: 1,
				RiskLevelHigh:   1,
			},
			DeploymentApprovers: 2,
		},
	}
}

// Validate checks the configuration is usable.
func (c PipelineConfig) Validate() error {
	if c.Approvals.Timeout <= 0 {
		return fmt.Errorf("approval timeout must be > 0: %w", ErrNotValid)
	}
	if c.Approvals.DeploymentApprovers < 1 {
		return fmt.Errorf("deployment approvers must be >= 1: %w", ErrNotValid)
	}
	for _, level := range []RiskLevel{RiskLevelMedium, RiskLevelHigh} {
		if c.Approvals.RequiredApprovers[level] < 1 {
			return fmt.Errorf("required approvers for %s risk must be >= 1: %w", level, ErrNotValid)
		}
	}
	if c.Deployer.Retry.MaxAttempts > 1 {
		return fmt.Errorf("deployer can't be retried: %w", ErrNotValid)
	}
	return nil
}
