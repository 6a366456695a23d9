package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
	"github.com/slok/agentline/internal/storage/sqlite"
)

func workflowFixture(id string, createdAt time.Time) model.WorkflowInstance {
	return model.WorkflowInstance{
		ID:        id,
		RunID:     "run-" + id,
		Workflow:  "pipeline",
		Input:     []byte(`{"goal":"build"}`),
		Status:    model.WorkflowStatusRunning,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func newRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	repo, err := sqlite.NewRepository(context.Background(), sqlite.RepositoryConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestRepositoryWorkflows(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, repo.CreateWorkflow(ctx, workflowFixture("wf-1", t0)))
	require.NoError(t, repo.CreateWorkflow(ctx, workflowFixture("wf-2", t0.Add(time.Minute))))

	err := repo.CreateWorkflow(ctx, workflowFixture("wf-1", t0))
	assert.True(t, errors.Is(err, model.ErrAlreadyExists))

	got, err := repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "run-wf-1", got.RunID)
	assert.Equal(t, []byte(`{"goal":"build"}`), got.Input)
	assert.Nil(t, got.Output)
	assert.Equal(t, t0, got.CreatedAt)

	got.Status = model.WorkflowStatusCompleted
	got.Checkpoint = []byte(`{"state":"completed"}`)
	got.Output = []byte(`{"status":"completed"}`)
	got.UpdatedAt = t0.Add(time.Hour)
	require.NoError(t, repo.UpdateWorkflow(ctx, *got))
	require.NoError(t, repo.RequestCancel(ctx, "wf-1"))

	// Updates don't clear the cancel request.
	got.CancelRequested = false
	require.NoError(t, repo.UpdateWorkflow(ctx, *got))

	got, err = repo.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, model.WorkflowStatusCompleted, got.Status)
	assert.Equal(t, []byte(`{"state":"completed"}`), got.Checkpoint)
	assert.True(t, got.CancelRequested)

	err = repo.RequestCancel(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	all, err := repo.ListWorkflows(ctx, storage.ListWorkflowsOpts{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "wf-2", all[0].ID)

	running, err := repo.ListWorkflows(ctx, storage.ListWorkflowsOpts{Workflow: "pipeline", Status: model.WorkflowStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "wf-2", running[0].ID)

	_, err = repo.GetWorkflow(ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	err = repo.UpdateWorkflow(ctx, workflowFixture("missing", t0))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestRepositoryTimers(t *testing.T) {
	tests := map[string]struct {
		actions func(ctx context.Context, t *testing.T, repo *sqlite.Repository) error
		expErr  error
	}{
		"Ensuring a timer twice should keep the first deadline": {
			actions: func(ctx context.Context, t *testing.T, repo *sqlite.Repository) error {
				deadline := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
				_, err := repo.EnsureTimer(ctx, model.Timer{WorkflowID: "wf-1", Key: "gate", Deadline: deadline})
				require.NoError(t, err)

				tm, err := repo.EnsureTimer(ctx, model.Timer{WorkflowID: "wf-1", Key: "gate", Deadline: deadline.Add(time.Hour)})
				require.NoError(t, err)
				assert.Equal(t, deadline, tm.Deadline)
				assert.Equal(t, model.TimerOutcomePending, tm.Outcome)
				return nil
			},
		},

		"Resolving a timer should store the outcome and signal count": {
			actions: func(ctx context.Context, t *testing.T, repo *sqlite.Repository) error {
				_, err := repo.EnsureTimer(ctx, model.Timer{WorkflowID: "wf-1", Key: "gate", Deadline: time.Now()})
				require.NoError(t, err)
				require.NoError(t, repo.ResolveTimer(ctx, "wf-1", "gate", model.TimerOutcomeSatisfied, 2))

				tm, err := repo.EnsureTimer(ctx, model.Timer{WorkflowID: "wf-1", Key: "gate"})
				require.NoError(t, err)
				assert.Equal(t, model.TimerOutcomeSatisfied, tm.Outcome)
				assert.Equal(t, 2, tm.SignalCount)
				return nil
			},
		},

		"Resolving a resolved timer should fail": {
			actions: func(ctx context.Context, t *testing.T, repo *sqlite.Repository) error {
				_, err := repo.EnsureTimer(ctx, model.Timer{WorkflowID: "wf-1", Key: "gate", Deadline: time.Now()})
				require.NoError(t, err)
				require.NoError(t, repo.ResolveTimer(ctx, "wf-1", "gate", model.TimerOutcomeTimedOut, 0))
				return repo.ResolveTimer(ctx, "wf-1", "gate", model.TimerOutcomeSatisfied, 1)
			},
			expErr: model.ErrNotValid,
		},

		"Resolving a missing timer should fail": {
			actions: func(ctx context.Context, t *testing.T, repo *sqlite.Repository) error {
				return repo.ResolveTimer(ctx, "wf-1", "missing", model.TimerOutcomeSatisfied, 1)
			},
			expErr: model.ErrNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			repo := newRepo(t)
			require.NoError(t, repo.CreateWorkflow(ctx, workflowFixture("wf-1", time.Now().UTC())))

			err := test.actions(ctx, t, repo)
			if test.expErr != nil {
				assert.True(t, errors.Is(err, test.expErr), "unexpected error: %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRepositorySignals(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)
	require.NoError(repo.CreateWorkflow(ctx, workflowFixture("wf-1", time.Now().UTC())))

	s1, created, err := repo.AppendSignal(ctx, model.Signal{WorkflowID: "wf-1", Channel: "ap-1", DedupeKey: "alice", Payload: []byte(`{"status":"approved"}`)})
	require.NoError(err)
	assert.True(created)
	assert.NotEmpty(s1.ID)

	dup, created, err := repo.AppendSignal(ctx, model.Signal{WorkflowID: "wf-1", Channel: "ap-1", DedupeKey: "alice", Payload: []byte(`{"status":"denied"}`)})
	require.NoError(err)
	assert.False(created)
	assert.Equal(s1.ID, dup.ID)
	assert.Equal([]byte(`{"status":"approved"}`), dup.Payload)

	_, created, err = repo.AppendSignal(ctx, model.Signal{WorkflowID: "wf-1", Channel: "ap-2", DedupeKey: "alice"})
	require.NoError(err)
	assert.True(created)

	s3, created, err := repo.AppendSignal(ctx, model.Signal{WorkflowID: "wf-1", Channel: "ap-1", DedupeKey: "bob"})
	require.NoError(err)
	assert.True(created)
	assert.Greater(s3.Sequence, s1.Sequence)

	signals, err := repo.ListSignals(ctx, "wf-1", "ap-1")
	require.NoError(err)
	require.Len(signals, 2)
	assert.Equal("alice", signals[0].DedupeKey)
	assert.Equal("bob", signals[1].DedupeKey)

	signals, err = repo.ListSignals(ctx, "wf-1", "missing")
	require.NoError(err)
	assert.Empty(signals)
}

func TestRepositoryApprovals(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()
	repo := newRepo(t)
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	ap := model.ApprovalRequest{
		ID:                "ap-1",
		WorkflowID:        "wf-1",
		RunID:             "run-1",
		TaskDescription:   "Delete production database",
		RiskLevel:         model.RiskLevelHigh,
		Context:           map[string]any{"task_index": float64(0)},
		RequiredApprovers: 1,
		CreatedAt:         t0,
	}
	require.NoError(repo.CreateApproval(ctx, ap))
	require.NoError(repo.CreateApproval(ctx, model.ApprovalRequest{ID: "ap-2", WorkflowID: "wf-1", RunID: "run-1", RiskLevel: model.RiskLevelHigh, RequiredApprovers: 2, CreatedAt: t0.Add(time.Minute)}))
	require.NoError(repo.CreateApproval(ctx, model.ApprovalRequest{ID: "ap-3", WorkflowID: "wf-2", RunID: "run-2", RiskLevel: model.RiskLevelMedium, RequiredApprovers: 1, CreatedAt: t0}))

	err := repo.CreateApproval(ctx, ap)
	assert.True(errors.Is(err, model.ErrAlreadyExists))

	got, err := repo.GetApproval(ctx, "ap-1")
	require.NoError(err)
	assert.Equal(ap, *got)

	_, err = repo.GetApproval(ctx, "missing")
	assert.True(errors.Is(err, model.ErrNotFound))

	list, err := repo.ListApprovals(ctx, "wf-1")
	require.NoError(err)
	require.Len(list, 2)
	assert.Equal("ap-1", list[0].ID)
	assert.Equal("ap-2", list[1].ID)

	all, err := repo.ListApprovals(ctx, "")
	require.NoError(err)
	assert.Len(all, 3)
}

func TestRepositoryPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	repo, err := sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path})
	require.NoError(t, err)
	require.NoError(t, repo.CreateWorkflow(ctx, workflowFixture("wf-1", time.Now().UTC())))
	_, err = repo.StartActivity(ctx, "wf-1", "decompose", "decompose")
	require.NoError(t, err)
	require.NoError(t, repo.CompleteActivity(ctx, "wf-1", "decompose", []byte(`{"tasks":[]}`)))
	require.NoError(t, repo.Close())

	repo, err = sqlite.NewRepository(ctx, sqlite.RepositoryConfig{DBPath: path})
	require.NoError(t, err)
	defer repo.Close()

	act, err := repo.GetActivity(ctx, "wf-1", "decompose")
	require.NoError(t, err)
	assert.Equal(t, model.ActivityStatusDone, act.Status)
	assert.Equal(t, []byte(`{"tasks":[]}`), act.Result)
}
