package remote_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/agent"
	"github.com/slok/agentline/internal/agent/remote"
	"github.com/slok/agentline/internal/model"
)

type recordedCall struct {
	path           string
	idempotencyKey string
	body           map[string]any
}

func newServer(t *testing.T, status int, resp string, calls *[]recordedCall) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(data, &body)
		*calls = append(*calls, recordedCall{path: r.URL.Path, idempotencyKey: r.Header.Get(remote.IdempotencyKeyHeader), body: body})

		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientDecompose(t *testing.T) {
	var calls []recordedCall
	srv := newServer(t, http.StatusOK, `{"tasks":[{"description":"Write README","assigned_agent":"developer","priority":1}],"citations":[{"source":"kb"}]}`, &calls)

	c, err := remote.NewClient(remote.ClientConfig{URL: srv.URL + "/"})
	require.NoError(t, err)

	dec, err := c.Decompose(context.Background(), agent.DecomposeRequest{Goal: "Create a TODO app", IdempotencyKey: "key-1-decompose"})
	require.NoError(t, err)

	assert.Equal(t, []model.Task{{Description: "Write README", AssignedAgent: model.AgentKindDeveloper, Priority: 1}}, dec.Tasks)
	require.Len(t, calls, 1)
	assert.Equal(t, "/decompose", calls[0].path)
	assert.Equal(t, "key-1-decompose", calls[0].idempotencyKey)
	assert.Equal(t, "Create a TODO app", calls[0].body["goal"])
}

func TestClientExecute(t *testing.T) {
	tests := map[string]struct {
		status    int
		resp      string
		expResult *model.TaskResult
		expErr    bool
		expTemp   bool
	}{
		"A successful execution should return the result": {
			status: http.StatusOK,
			resp:   `{"result":{"code":{"implementation":"x","tests":"y"}},"citations":[{"source":"a"},{"source":"b"}]}`,
			expResult: &model.TaskResult{
				Status:    model.TaskResultStatusCompleted,
				Result:    json.RawMessage(`{"code":{"implementation":"x","tests":"y"}}`),
				Citations: []model.Citation{{Source: "a"}, {Source: "b"}},
			},
		},

		"A server error should return a temporary error": {
			status:  http.StatusBadGateway,
			resp:    `upstream down`,
			expErr:  true,
			expTemp: true,
		},

		"A bad request should return a permanent error": {
			status: http.StatusBadRequest,
			resp:   `invalid task`,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var calls []recordedCall
			srv := newServer(t, test.status, test.resp, &calls)

			c, err := remote.NewClient(remote.ClientConfig{URL: srv.URL})
			require.NoError(t, err)

			res, err := c.Execute(context.Background(), agent.ExecuteRequest{
				Task:           model.Task{Description: "Implement API", AssignedAgent: model.AgentKindDeveloper},
				IdempotencyKey: "key-1-developer-0",
			})

			require.Len(t, calls, 1)
			assert.Equal(t, "/execute", calls[0].path)
			assert.Equal(t, "key-1-developer-0", calls[0].idempotencyKey)

			if test.expErr {
				var serr *agent.StatusError
				require.True(t, errors.As(err, &serr))
				assert.Equal(t, test.status, serr.StatusCode)
				assert.Equal(t, test.expTemp, serr.Temporary())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expResult, res)
		})
	}
}

func TestClientDeploy(t *testing.T) {
	var calls []recordedCall
	srv := newServer(t, http.StatusOK, `{"deployment_id":"dep-1","status":"deployed"}`, &calls)

	c, err := remote.NewClient(remote.ClientConfig{URL: srv.URL})
	require.NoError(t, err)

	dep, err := c.Deploy(context.Background(), agent.DeployRequest{IdempotencyKey: "key-1-deploy"})
	require.NoError(t, err)

	assert.Equal(t, &model.Deployment{DeploymentID: "dep-1", Status: "deployed"}, dep)
	require.Len(t, calls, 1)
	assert.Equal(t, "/deploy", calls[0].path)
	assert.Equal(t, "key-1-deploy", calls[0].idempotencyKey)
}
