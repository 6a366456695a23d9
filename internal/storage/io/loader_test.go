package io

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/model"
)

func TestConfigYAMLRepository_GetConfig(t *testing.T) {
	tests := map[string]struct {
		fs     fstest.MapFS
		path   string
		expCfg func() model.PipelineConfig
		expErr bool
		errMsg string
	}{
		"Fake mode without agents should load the defaults": {
			fs: fstest.MapFS{
				"config.yaml": &fstest.MapFile{Data: []byte(`fake: true
`)},
			},
			path: "config.yaml",
			expCfg: func() model.PipelineConfig {
				cfg := model.DefaultPipelineConfig()
				cfg.Fake = true
				return cfg
			},
		},

		"A full config should override the defaults": {
			fs: fstest.MapFS{
				"config.yaml": &fstest.MapFile{Data: []byte(`
agents:
  decomposer:
    url: http://decomposer:8080
    timeout: 2m
    retry:
      max_attempts: 5
  developer:
    url: http://developer:8080
    heartbeat_timeout: 30s
  overseer:
    url: http://overseer:8080
  deployer:
    url: http://deployer:8080
approvals:
  webhook_url: http://chat/hook
  timeout: 1h
  required_approvers:
    high: 3
  deployment_approvers: 4
`)},
			},
			path: "config.yaml",
			expCfg: func() model.PipelineConfig {
				cfg := model.DefaultPipelineConfig()
				cfg.Decomposer.URL = "http://decomposer:8080"
				cfg.Decomposer.Timeout = 2 * time.Minute
				cfg.Decomposer.Retry.MaxAttempts = 5
				dev := cfg.Agents[model.AgentKindDeveloper]
				dev.URL = "http://developer:8080"
				dev.HeartbeatTimeout = 30 * time.Second
				cfg.Agents[model.AgentKindDeveloper] = dev
				ov := cfg.Agents[model.AgentKindOverseer]
				ov.URL = "http://overseer:8080"
				cfg.Agents[model.AgentKindOverseer] = ov
				cfg.Deployer.URL = "http://deployer:8080"
				cfg.Approvals.WebhookURL = "http://chat/hook"
				cfg.Approvals.Timeout = time.Hour
				cfg.Approvals.RequiredApprovers[model.RiskLevelHigh] = 3
				cfg.Approvals.DeploymentApprovers = 4
				return cfg
			},
		},

		"Missing agent urls without fake mode should fail": {
			fs: fstest.MapFS{
				"config.yaml": &fstest.MapFile{Data: []byte(`
agents:
  decomposer:
    url: http://decomposer:8080
`)},
			},
			path:   "config.yaml",
			expErr: true,
			errMsg: "url is required",
		},

		"Retrying the deployer should fail": {
			fs: fstest.MapFS{
				"config.yaml": &fstest.MapFile{Data: []byte(`
fake: true
agents:
  deployer:
    retry:
      max_attempts: 3
`)},
			},
			path:   "config.yaml",
			expErr: true,
			errMsg: "deployer can't be retried",
		},

		"Invalid backoff coefficient should fail": {
			fs: fstest.MapFS{
				"config.yaml": &fstest.MapFile{Data: []byte(`
fake: true
agents:
  developer:
    retry:
      backoff_coefficient: 0.5
`)},
			},
			path:   "config.yaml",
			expErr: true,
			errMsg: "backoff_coefficient",
		},

		"Invalid YAML should fail": {
			fs: fstest.MapFS{
				"config.yaml": &fstest.MapFile{Data: []byte(`fake: [`)},
			},
			path:   "config.yaml",
			expErr: true,
			errMsg: "parsing YAML",
		},

		"Missing file should fail": {
			fs:     fstest.MapFS{},
			path:   "nonexistent.yaml",
			expErr: true,
			errMsg: "reading config file",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			repo := NewConfigYAMLRepository(test.fs)
			cfg, err := repo.GetConfig(context.Background(), test.path)

			if test.expErr {
				require.Error(err)
				assert.Contains(err.Error(), test.errMsg)
				return
			}
			require.NoError(err)
			assert.Equal(test.expCfg(), cfg)
		})
	}
}
