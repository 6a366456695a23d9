package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	base := []string{"agentline", "--no-log", "--fake", "--db-path", dbPath}
	err := Run(context.Background(), append(base, args...), strings.NewReader(""), &stdout, &stderr)
	return stdout.String(), err
}

func TestRunCLI(t *testing.T) {
	tests := map[string]struct {
		steps     [][]string
		expOut    []string
		expErr    bool
		expErrMsg string
	}{
		"Listing an empty journal should print an empty list.": {
			steps:  [][]string{{"list", "--format", "json"}},
			expOut: []string{"[]"},
		},
		"An invalid list status filter should fail.": {
			steps:     [][]string{{"list", "--status", "paused"}},
			expErr:    true,
			expErrMsg: "invalid status filter",
		},
		"Getting the status of a missing pipeline should fail.": {
			steps:     [][]string{{"status", "missing"}},
			expErr:    true,
			expErrMsg: "not found",
		},
		"Unknown commands should fail.": {
			steps:     [][]string{{"destroy"}},
			expErr:    true,
			expErrMsg: "invalid command configuration",
		},
		"A detached pipeline should be queryable by its idempotency key.": {
			steps: [][]string{
				{"run", "Build a todo service", "--key", "todo-1", "--detach", "--requester", "alice", "--format", "json"},
				{"status", "todo-1", "--format", "json"},
			},
			expOut: []string{`"idempotency_key": "todo-1"`, `"requester": "alice"`},
		},
		"A detached pipeline should be cancellable.": {
			steps: [][]string{
				{"run", "Build a todo service", "--key", "todo-2", "--detach"},
				{"cancel", "todo-2"},
			},
			expOut: []string{"Cancellation of pipeline"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			dbPath := filepath.Join(t.TempDir(), "agentline.db")

			var (
				out string
				err error
			)
			for _, step := range test.steps {
				out, err = runCLI(t, dbPath, step...)
				if err != nil {
					break
				}
			}

			if test.expErr {
				require.Error(err)
				if test.expErrMsg != "" {
					assert.Contains(err.Error(), test.expErrMsg)
				}
				return
			}
			require.NoError(err)
			for _, exp := range test.expOut {
				assert.Contains(out, exp)
			}
		})
	}
}
