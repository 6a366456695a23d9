package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/approval/webhook"
	"github.com/slok/agentline/internal/model"
)

func TestNotifierNotify(t *testing.T) {
	tests := map[string]struct {
		status int
		expErr bool
	}{
		"A successful delivery should not fail": {
			status: http.StatusOK,
		},

		"A rejected delivery should fail": {
			status: http.StatusInternalServerError,
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var got map[string]any
			var gotHeader string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotHeader = r.Header.Get("X-Agentline-Approval")
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(test.status)
			}))
			defer srv.Close()

			n, err := webhook.NewNotifier(webhook.NotifierConfig{URL: srv.URL})
			require.NoError(t, err)

			err = n.Notify(context.Background(), approval.Notification{
				ApprovalID:        "ap-1",
				WorkflowID:        "wf-1",
				Description:       "Deploy project: TODO app",
				RiskLevel:         model.RiskLevelHigh,
				RequiredApprovers: 2,
				Deadline:          time.Date(2026, 1, 31, 10, 0, 0, 0, time.UTC),
			})

			if test.expErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "ap-1", gotHeader)
			assert.Equal(t, "wf-1", got["workflow_id"])
			assert.Contains(t, got["text"], "Deploy project: TODO app")
			assert.Contains(t, got["text"], "2 approver(s)")
		})
	}
}
