package approval_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/approval"
	"github.com/slok/agentline/internal/approval/approvalmock"
	"github.com/slok/agentline/internal/approval/local"
	"github.com/slok/agentline/internal/durable"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage/memory"
)

const gateKey = "task/0"

type gateTest struct {
	repo    *memory.Repository
	runtime *durable.Runtime
}

func newGateTest(t *testing.T) gateTest {
	t.Helper()

	repo, err := memory.NewRepository(memory.RepositoryConfig{})
	require.NoError(t, err)

	rt, err := durable.NewRuntime(durable.RuntimeConfig{Journal: repo, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Stop(ctx)
	})

	return gateTest{repo: repo, runtime: rt}
}

func (g gateTest) localStore(t *testing.T) approval.Store {
	t.Helper()
	s, err := local.NewStore(local.StoreConfig{Approvals: g.repo, Signals: g.repo})
	require.NoError(t, err)
	return s
}

// run starts a workflow that requests an approval, delivers the signals and returns the
// finished workflow instance.
func (g gateTest) run(t *testing.T, gate *approval.Gate, req approval.Request, signals []model.ApprovalSignal) *model.WorkflowInstance {
	t.Helper()

	g.runtime.Register("gate", func(ctx context.Context, inst *durable.Instance, _ []byte) ([]byte, error) {
		res, err := gate.RequestApproval(ctx, inst, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := g.runtime.Start(ctx, durable.StartOptions{ID: "wf-1", Workflow: "gate"})
	require.NoError(t, err)

	for _, s := range signals {
		s.ApprovalID = approval.ApprovalID("wf-1", req.Key)
		payload, err := json.Marshal(s)
		require.NoError(t, err)
		_, err = g.runtime.Signal(ctx, "wf-1", durable.SignalInput{Channel: s.ApprovalID, DedupeKey: s.Approver, Payload: payload})
		require.NoError(t, err)
	}

	w, err := g.runtime.Wait(ctx, "wf-1")
	require.NoError(t, err)
	return w
}

func TestGateRequestApproval(t *testing.T) {
	approve := func(who string) model.ApprovalSignal {
		return model.ApprovalSignal{Approver: who, Status: model.SignalStatusApproved}
	}
	deny := func(who, reason string) model.ApprovalSignal {
		return model.ApprovalSignal{Approver: who, Status: model.SignalStatusDenied, Reason: reason}
	}

	tests := map[string]struct {
		required  int
		timeout   time.Duration
		signals   []model.ApprovalSignal
		expResult model.GateResult
	}{
		"Two approvals with two required approvers should approve": {
			required: 2,
			timeout:  5 * time.Second,
			signals:  []model.ApprovalSignal{approve("alice"), approve("bob")},
			expResult: model.GateResult{
				Outcome:   model.GateOutcomeApproved,
				Approvers: []string{"alice", "bob"},
			},
		},

		"A denial among the first two signals should deny": {
			required: 2,
			timeout:  5 * time.Second,
			signals:  []model.ApprovalSignal{approve("alice"), deny("bob", "not ready"), approve("carol")},
			expResult: model.GateResult{
				Outcome:   model.GateOutcomeDenied,
				Approvers: []string{"alice", "bob"},
				Reason:    "not ready",
			},
		},

		"Without signals it should time out instead of denying": {
			required: 1,
			timeout:  50 * time.Millisecond,
			expResult: model.GateResult{
				Outcome: model.GateOutcomeTimeout,
				Reason:  approval.ReasonTimeout,
			},
		},

		"One approval with two required approvers should never resolve before the timeout": {
			required: 2,
			timeout:  100 * time.Millisecond,
			signals:  []model.ApprovalSignal{approve("alice")},
			expResult: model.GateResult{
				Outcome: model.GateOutcomeTimeout,
				Reason:  approval.ReasonTimeout,
			},
		},

		"A duplicated approver should only count once": {
			required: 2,
			timeout:  100 * time.Millisecond,
			signals:  []model.ApprovalSignal{approve("alice"), approve("alice")},
			expResult: model.GateResult{
				Outcome: model.GateOutcomeTimeout,
				Reason:  approval.ReasonTimeout,
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			g := newGateTest(t)

			notifier := &approvalmock.MockNotifier{}
			notifier.On("Notify", mock.Anything, mock.MatchedBy(func(n approval.Notification) bool {
				return n.WorkflowID == "wf-1" && n.RequiredApprovers == test.required && n.RiskLevel == model.RiskLevelMedium
			})).Once().Return(nil)

			gate, err := approval.NewGate(approval.GateConfig{
				Store:    g.localStore(t),
				Notifier: notifier,
				Timeout:  test.timeout,
			})
			require.NoError(t, err)

			w := g.run(t, gate, approval.Request{
				Key:               gateKey,
				Description:       "Implement API",
				RiskLevel:         model.RiskLevelMedium,
				RequiredApprovers: test.required,
			}, test.signals)

			require.Equal(t, model.WorkflowStatusCompleted, w.Status, w.Error)

			var got model.GateResult
			require.NoError(t, json.Unmarshal(w.Output, &got))
			test.expResult.ApprovalID = approval.ApprovalID("wf-1", gateKey)
			assert.Equal(t, test.expResult, got)
			notifier.AssertExpectations(t)
		})
	}
}

func TestGateNotifyFailureDoesNotFailTheGate(t *testing.T) {
	g := newGateTest(t)

	notifier := &approvalmock.MockNotifier{}
	notifier.On("Notify", mock.Anything, mock.Anything).Once().Return(errors.New("chat is down"))

	var pending *model.PendingApproval
	gate, err := approval.NewGate(approval.GateConfig{Store: g.localStore(t), Notifier: notifier, Timeout: 5 * time.Second})
	require.NoError(t, err)

	w := g.run(t, gate, approval.Request{
		Key:               gateKey,
		Description:       "Implement API",
		RiskLevel:         model.RiskLevelMedium,
		RequiredApprovers: 1,
		OnPending: func(ctx context.Context, p model.PendingApproval) error {
			pending = &p
			return nil
		},
	}, []model.ApprovalSignal{{Approver: "alice", Status: model.SignalStatusApproved}})

	require.Equal(t, model.WorkflowStatusCompleted, w.Status, w.Error)
	var got model.GateResult
	require.NoError(t, json.Unmarshal(w.Output, &got))
	assert.Equal(t, model.GateOutcomeApproved, got.Outcome)

	require.NotNil(t, pending)
	assert.Equal(t, got.ApprovalID, pending.ApprovalID)
	assert.Equal(t, 1, pending.RequiredApprovers)
	notifier.AssertExpectations(t)

	// The approval request is in the store.
	view, err := g.localStore(t).GetApproval(context.Background(), got.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, model.ApprovalStateApproved, view.State)
	assert.Equal(t, "alice", view.Approver)
}

func TestGateCreateFailureFailsTheGate(t *testing.T) {
	g := newGateTest(t)

	store := &approvalmock.MockStore{}
	store.On("CreateApproval", mock.Anything, mock.Anything).Times(2).Return("", errors.New("store is down"))
	notifier := &approvalmock.MockNotifier{}

	gate, err := approval.NewGate(approval.GateConfig{
		Store:       store,
		Notifier:    notifier,
		CreateRetry: model.RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond},
	})
	require.NoError(t, err)

	w := g.run(t, gate, approval.Request{Key: gateKey, RiskLevel: model.RiskLevelHigh, RequiredApprovers: 1}, nil)

	assert.Equal(t, model.WorkflowStatusFailed, w.Status)
	assert.Contains(t, w.Error, "store is down")
	store.AssertExpectations(t)
	notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestGateInvalidRequiredApprovers(t *testing.T) {
	g := newGateTest(t)

	gate, err := approval.NewGate(approval.GateConfig{Store: g.localStore(t)})
	require.NoError(t, err)

	w := g.run(t, gate, approval.Request{Key: gateKey, RequiredApprovers: 0}, nil)

	assert.Equal(t, model.WorkflowStatusFailed, w.Status)
}

func TestWorkflowApprovalIDs(t *testing.T) {
	g := newGateTest(t)

	// Stores may assign their own IDs.
	store := &approvalmock.MockStore{}
	store.On("CreateApproval", mock.Anything, mock.Anything).Once().Return("remote-42", nil)

	gate, err := approval.NewGate(approval.GateConfig{Store: store, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	w := g.run(t, gate, approval.Request{Key: gateKey, RiskLevel: model.RiskLevelHigh, RequiredApprovers: 1}, nil)
	require.Equal(t, model.WorkflowStatusCompleted, w.Status, w.Error)

	ids, err := approval.WorkflowApprovalIDs(context.Background(), g.repo, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"remote-42"}, ids)

	ids, err = approval.WorkflowApprovalIDs(context.Background(), g.repo, "wf-other")
	require.NoError(t, err)
	assert.Empty(t, ids)
	store.AssertExpectations(t)
}
