package env_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/utils/env"
)

func TestParseSpecs(t *testing.T) {
	t.Setenv("FROM_HOST", "host-value")

	tests := map[string]struct {
		specs     []string
		expValues map[string]string
		expErr    bool
	}{
		"KEY=VALUE should parse": {
			specs:     []string{"team=platform"},
			expValues: map[string]string{"team": "platform"},
		},
		"KEY should inherit from host": {
			specs:     []string{"FROM_HOST"},
			expValues: map[string]string{"FROM_HOST": "host-value"},
		},
		"Later entries should override earlier ones": {
			specs:     []string{"FOO=one", "FOO=two"},
			expValues: map[string]string{"FOO": "two"},
		},
		"Values can contain equal signs": {
			specs:     []string{"query=a=b"},
			expValues: map[string]string{"query": "a=b"},
		},
		"Missing inherited var should fail": {
			specs:  []string{"DOES_NOT_EXIST"},
			expErr: true,
		},
		"Invalid key should fail": {
			specs:  []string{"1INVALID=value"},
			expErr: true,
		},
		"Empty spec should fail": {
			specs:  []string{""},
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			values, err := env.ParseSpecs(tc.specs)

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expValues, values)
		})
	}
}

func TestParseContext(t *testing.T) {
	tests := map[string]struct {
		specs  []string
		expCtx map[string]any
		expErr bool
	}{
		"No specs should return no context": {},
		"JSON values should keep their type": {
			specs: []string{"replicas=3", "dry-run=true", "tags=[\"a\",\"b\"]", "repo.url=https://example.com/repo.git"},
			expCtx: map[string]any{
				"replicas": float64(3),
				"dry-run":  true,
				"tags":     []any{"a", "b"},
				"repo.url": "https://example.com/repo.git",
			},
		},
		"Null should be kept as a string": {
			specs:  []string{"owner=null"},
			expCtx: map[string]any{"owner": "null"},
		},
		"Invalid specs should fail": {
			specs:  []string{"=value"},
			expErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx, err := env.ParseContext(tc.specs)

			if tc.expErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tc.expCtx, ctx)
		})
	}
}
