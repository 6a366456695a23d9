package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
	"github.com/slok/agentline/internal/storage/sqlite"
	"github.com/slok/agentline/internal/storage/sqlite/migrations"
)

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	// Create temp database
	tmpFile, err := os.CreateTemp("", "agentline-test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	db, err := sql.Open("sqlite", tmpFile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	migrator, err := migrations.NewMigrator(db, log.Noop)
	require.NoError(t, err)
	err = migrator.Up(context.Background())
	require.NoError(t, err)

	version, dirty, err := migrator.Version(context.Background())
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)

	return db
}

func insertWorkflow(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	now := time.Now().UnixMilli()
	_, err := db.Exec(`INSERT INTO workflows (id, run_id, workflow, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, "run-1", "pipeline", model.WorkflowStatusRunning, now, now)
	require.NoError(t, err)
}

func TestStartActivity(t *testing.T) {
	tests := map[string]struct {
		keys   []string
		expSeq []int
		expErr error
	}{
		"Starting a single activity should work": {
			keys:   []string{"decompose"},
			expSeq: []int{1},
		},

		"Starting multiple activities should keep the sequence": {
			keys:   []string{"decompose", "task/0/execute", "task/1/execute"},
			expSeq: []int{1, 2, 3},
		},

		"Starting an activity twice should fail": {
			keys:   []string{"decompose", "decompose"},
			expErr: model.ErrAlreadyExists,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			db := getTestDB(t)
			insertWorkflow(t, db, "wf-1")
			repo, err := sqlite.NewActivityRepository(sqlite.ActivityRepositoryConfig{DB: db})
			require.NoError(t, err)

			ctx := context.Background()
			var gotErr error
			var gotSeq []int
			for _, key := range test.keys {
				a, err := repo.StartActivity(ctx, "wf-1", key, "test")
				if err != nil {
					gotErr = err
					break
				}
				gotSeq = append(gotSeq, a.Sequence)
			}

			if test.expErr != nil {
				assert.True(t, errors.Is(gotErr, test.expErr), "unexpected error: %v", gotErr)
				return
			}
			require.NoError(t, gotErr)
			assert.Equal(t, test.expSeq, gotSeq)
		})
	}
}

func TestActivityLifecycle(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	db := getTestDB(t)
	insertWorkflow(t, db, "wf-1")
	repo, err := sqlite.NewActivityRepository(sqlite.ActivityRepositoryConfig{DB: db})
	require.NoError(err)

	for i := 0; i < 3; i++ {
		_, err := repo.StartActivity(ctx, "wf-1", fmt.Sprintf("task/%d/execute", i), "execute")
		require.NoError(err)
	}

	hb := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(repo.RecordAttempt(ctx, "wf-1", "task/0/execute", 1))
	require.NoError(repo.Heartbeat(ctx, "wf-1", "task/0/execute", hb))
	require.NoError(repo.CompleteActivity(ctx, "wf-1", "task/0/execute", []byte(`{"status":"completed"}`)))
	require.NoError(repo.RecordAttempt(ctx, "wf-1", "task/1/execute", 2))
	require.NoError(repo.FailActivity(ctx, "wf-1", "task/1/execute", errors.New("agent unavailable"), false))

	acts, err := repo.ListActivities(ctx, "wf-1")
	require.NoError(err)
	require.Len(acts, 3)

	assert.Equal(model.ActivityStatusDone, acts[0].Status)
	assert.Equal(1, acts[0].Attempts)
	assert.Equal([]byte(`{"status":"completed"}`), acts[0].Result)
	require.NotNil(acts[0].LastHeartbeatAt)
	assert.Equal(hb, *acts[0].LastHeartbeatAt)

	assert.Equal(model.ActivityStatusFailed, acts[1].Status)
	assert.Equal(2, acts[1].Attempts)
	assert.Equal("agent unavailable", acts[1].Error)
	assert.False(acts[1].NonRetryable)

	assert.Equal(model.ActivityStatusPending, acts[2].Status)
	assert.Nil(acts[2].LastHeartbeatAt)
	assert.Nil(acts[2].Result)

	err = repo.CompleteActivity(ctx, "wf-1", "missing", nil)
	assert.True(errors.Is(err, model.ErrNotFound))

	_, err = repo.GetActivity(ctx, "wf-1", "missing")
	assert.True(errors.Is(err, model.ErrNotFound))
}

func TestActivityRepositoryImplementsInterface(t *testing.T) {
	var _ storage.ActivityRepository = &sqlite.ActivityRepository{}
}
