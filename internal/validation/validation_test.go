package validation_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/validation"
)

func codeResult(t *testing.T, impl, tests string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"summary": "done",
		"code": map[string]string{
			"implementation": impl,
			"tests":          tests,
		},
	})
	require.NoError(t, err)
	return b
}

var twoCitations = []model.Citation{{Source: "https://a.example"}, {Source: "https://b.example"}}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		result    func(t *testing.T) model.TaskResult
		expValid  bool
		expErrors []string
	}{
		"A result without code and enough citations should be valid": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: json.RawMessage(`{"summary":"ok"}`), Citations: twoCitations}
			},
			expValid: true,
		},

		"A result with less than two citations should be invalid": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: json.RawMessage(`{"summary":"ok"}`), Citations: twoCitations[:1]}
			},
			expValid:  false,
			expErrors: []string{"insufficient citations: got 1, need at least 2"},
		},

		"An implementation of exactly 50 trimmed characters should be valid": {
			result: func(t *testing.T) model.TaskResult {
				impl := "  " + strings.Repeat("a", 50) + "\n"
				return model.TaskResult{Result: codeResult(t, impl, strings.Repeat("t", 20)), Citations: twoCitations}
			},
			expValid: true,
		},

		"An implementation of 49 trimmed characters should be invalid": {
			result: func(t *testing.T) model.TaskResult {
				impl := "\t" + strings.Repeat("a", 49) + "   "
				return model.TaskResult{Result: codeResult(t, impl, strings.Repeat("t", 20)), Citations: twoCitations}
			},
			expValid:  false,
			expErrors: []string{"code implementation too short: got 49 characters, need at least 50"},
		},

		"A multibyte implementation of 50 characters should be valid": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: codeResult(t, strings.Repeat("é", 50), strings.Repeat("ü", 20)), Citations: twoCitations}
			},
			expValid: true,
		},

		"A multibyte implementation of 49 characters should be invalid": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: codeResult(t, strings.Repeat("é", 49), strings.Repeat("t", 20)), Citations: twoCitations}
			},
			expValid:  false,
			expErrors: []string{"code implementation too short: got 49 characters, need at least 50"},
		},

		"Multibyte tests of 19 characters should be invalid": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: codeResult(t, strings.Repeat("a", 60), strings.Repeat("日", 19)), Citations: twoCitations}
			},
			expValid:  false,
			expErrors: []string{"code tests too short: got 19 characters, need at least 20"},
		},

		"Tests of 19 trimmed characters should be invalid": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: codeResult(t, strings.Repeat("a", 60), " "+strings.Repeat("t", 19)+" "), Citations: twoCitations}
			},
			expValid:  false,
			expErrors: []string{"code tests too short: got 19 characters, need at least 20"},
		},

		"Empty code fields should be invalid and all errors reported": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: codeResult(t, "   ", ""), Citations: nil}
			},
			expValid: false,
			expErrors: []string{
				"insufficient citations: got 0, need at least 2",
				"code implementation is empty",
				"code tests are empty",
			},
		},

		"A non object result should be treated as without code": {
			result: func(t *testing.T) model.TaskResult {
				return model.TaskResult{Result: json.RawMessage(`"plain text"`), Citations: twoCitations}
			},
			expValid: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			got := validation.Validate(test.result(t))

			assert.Equal(test.expValid, got.Valid)
			assert.Equal(test.expErrors, got.Errors)
		})
	}
}
