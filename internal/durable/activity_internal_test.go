package durable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/agentline/internal/model"
)

func TestBackoff(t *testing.T) {
	policy := model.RetryPolicy{MaxAttempts: 10, InitialInterval: time.Second, MaxInterval: 10 * time.Second, BackoffCoefficient: 2}

	tests := map[string]struct {
		policy  model.RetryPolicy
		attempt int
		exp     time.Duration
	}{
		"First retry should wait the initial interval": {policy: policy, attempt: 1, exp: time.Second},
		"Second retry should wait double":              {policy: policy, attempt: 2, exp: 2 * time.Second},
		"Third retry should wait four times":           {policy: policy, attempt: 3, exp: 4 * time.Second},
		"Waits should be capped to the max interval":   {policy: policy, attempt: 5, exp: 10 * time.Second},
		"Huge attempts should not overflow":            {policy: policy, attempt: 5000, exp: 10 * time.Second},
		"Empty policies should use defaults":           {policy: normalizeRetry(model.RetryPolicy{}), attempt: 2, exp: 2 * time.Second},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, backoff(test.policy, test.attempt))
		})
	}
}
