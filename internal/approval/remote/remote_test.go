package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/approval/remote"
	"github.com/slok/agentline/internal/model"
)

func TestStoreCreateApproval(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/approvals", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"approval_id":"ap-remote"}`))
	}))
	defer srv.Close()

	store, err := remote.NewStore(remote.StoreConfig{URL: srv.URL})
	require.NoError(t, err)

	id, err := store.CreateApproval(context.Background(), model.ApprovalRequest{
		ID:              "ap-1",
		WorkflowID:      "wf-1",
		RunID:           "run-1",
		TaskDescription: "Deploy to production",
		RiskLevel:       model.RiskLevelHigh,
	})
	require.NoError(t, err)

	assert.Equal(t, "ap-remote", id)
	assert.Equal(t, "wf-1", got["workflow_id"])
	assert.Equal(t, "run-1", got["run_id"])
	assert.Equal(t, "high", got["risk_level"])
}

func TestStoreGetApproval(t *testing.T) {
	approvedAt := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)

	tests := map[string]struct {
		status  int
		resp    string
		expView *model.ApprovalView
		expErr  error
	}{
		"An approved approval should be returned": {
			status: http.StatusOK,
			resp:   `{"status":"approved","approver":"alice","approved_at":"2026-01-30T10:00:00Z"}`,
			expView: &model.ApprovalView{
				Request:    model.ApprovalRequest{ID: "ap-1"},
				State:      model.ApprovalStateApproved,
				Approver:   "alice",
				ApprovedAt: &approvedAt,
			},
		},

		"A pending approval should be returned": {
			status: http.StatusOK,
			resp:   `{"status":"pending"}`,
			expView: &model.ApprovalView{
				Request: model.ApprovalRequest{ID: "ap-1"},
				State:   model.ApprovalStatePending,
			},
		},

		"A missing approval should return not found": {
			status: http.StatusNotFound,
			resp:   `not found`,
			expErr: model.ErrNotFound,
		},

		"An unknown status should fail": {
			status: http.StatusOK,
			resp:   `{"status":"maybe"}`,
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/approvals/ap-1", r.URL.Path)
				w.WriteHeader(test.status)
				_, _ = w.Write([]byte(test.resp))
			}))
			defer srv.Close()

			store, err := remote.NewStore(remote.StoreConfig{URL: srv.URL})
			require.NoError(t, err)

			view, err := store.GetApproval(context.Background(), "ap-1")
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expView, view)
		})
	}
}
