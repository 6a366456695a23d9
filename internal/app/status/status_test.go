package status_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/app/pipeline"
	"github.com/slok/agentline/internal/app/status"
	"github.com/slok/agentline/internal/approval/approvalmock"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage/memory"
)

func TestService_Run(t *testing.T) {
	t0 := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	progress := model.PipelineProgress{
		State:      model.PipelineStateApprovalGating,
		TaskIndex:  1,
		TotalTasks: 3,
		PendingApproval: &model.PendingApproval{
			ApprovalID:        "ap-1",
			RiskLevel:         model.RiskLevelHigh,
			RequiredApprovers: 2,
		},
	}
	checkpoint, err := json.Marshal(progress)
	require.NoError(t, err)

	running := model.WorkflowInstance{
		ID:         pipeline.WorkflowID("key-1"),
		Workflow:   pipeline.WorkflowName,
		Input:      []byte(`{"goal":"Create a TODO app","idempotency_key":"key-1"}`),
		Status:     model.WorkflowStatusRunning,
		Checkpoint: checkpoint,
		CreatedAt:  t0,
	}

	tests := map[string]struct {
		req            status.Request
		expErr         error
		expState       model.PipelineState
		expSignalsFrom []string
	}{
		"Getting by ID should return the pipeline with the pending signals": {
			req:            status.Request{IDOrKey: running.ID},
			expState:       model.PipelineStateApprovalGating,
			expSignalsFrom: []string{"alice"},
		},

		"Getting by idempotency key should return the pipeline": {
			req:            status.Request{IDOrKey: "key-1"},
			expState:       model.PipelineStateApprovalGating,
			expSignalsFrom: []string{"alice"},
		},

		"A missing pipeline should fail with not found": {
			req:    status.Request{IDOrKey: "missing"},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(t, err)
			require.NoError(t, repo.CreateWorkflow(ctx, running))

			payload, _ := json.Marshal(model.ApprovalSignal{ApprovalID: "ap-1", Approver: "alice", Status: model.SignalStatusApproved})
			_, _, err = repo.AppendSignal(ctx, model.Signal{WorkflowID: running.ID, Channel: "ap-1", DedupeKey: "alice", Payload: payload})
			require.NoError(t, err)

			svc, err := status.NewService(status.ServiceConfig{Workflows: repo, Signals: repo, Approvals: &approvalmock.MockStore{}})
			require.NoError(t, err)

			res, err := svc.Run(ctx, test.req)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, running.ID, res.Pipeline.ID)
			assert.Equal(t, model.PipelineStatusRunning, res.Pipeline.Status)
			assert.Equal(t, test.expState, res.Pipeline.Progress.State)
			assert.Equal(t, 3, res.Pipeline.Progress.TotalTasks)

			from := []string{}
			for _, s := range res.PendingSignals {
				from = append(from, s.Approver)
			}
			assert.Equal(t, test.expSignalsFrom, from)
		})
	}
}

func TestService_Approval(t *testing.T) {
	tests := map[string]struct {
		req     status.ApprovalRequest
		mock    func(m *approvalmock.MockStore)
		expErr  bool
		expView *model.ApprovalView
	}{
		"Getting an approval should return the store view": {
			req: status.ApprovalRequest{ApprovalID: "ap-1"},
			mock: func(m *approvalmock.MockStore) {
				m.On("GetApproval", mock.Anything, "ap-1").Once().Return(&model.ApprovalView{State: model.ApprovalStateApproved, Approver: "alice"}, nil)
			},
			expView: &model.ApprovalView{State: model.ApprovalStateApproved, Approver: "alice"},
		},

		"A store error should fail": {
			req: status.ApprovalRequest{ApprovalID: "ap-1"},
			mock: func(m *approvalmock.MockStore) {
				m.On("GetApproval", mock.Anything, "ap-1").Once().Return(nil, errors.New("boom"))
			},
			expErr: true,
		},

		"A missing approval ID should fail": {
			req:    status.ApprovalRequest{},
			mock:   func(m *approvalmock.MockStore) {},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			repo, err := memory.NewRepository(memory.RepositoryConfig{})
			require.NoError(t, err)

			store := &approvalmock.MockStore{}
			test.mock(store)

			svc, err := status.NewService(status.ServiceConfig{Workflows: repo, Signals: repo, Approvals: store})
			require.NoError(t, err)

			view, err := svc.Approval(context.Background(), test.req)
			if test.expErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, test.expView, view)
			}
			store.AssertExpectations(t)
		})
	}
}
