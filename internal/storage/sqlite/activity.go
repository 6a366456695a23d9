package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// ActivityRepositoryConfig is the configuration for the SQLite activity journal.
type ActivityRepositoryConfig struct {
	DB     *sql.DB
	Logger log.Logger
}

func (c *ActivityRepositoryConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.ActivityRepository"})
	return nil
}

// ActivityRepository is a SQLite implementation of storage.ActivityRepository.
type ActivityRepository struct {
	db     *sql.DB
	logger log.Logger
}

// NewActivityRepository creates a new SQLite activity journal.
func NewActivityRepository(cfg ActivityRepositoryConfig) (*ActivityRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &ActivityRepository{
		db:     cfg.DB,
		logger: cfg.Logger,
	}, nil
}

// StartActivity journals a pending activity at the end of the workflow sequence.
func (r *ActivityRepository) StartActivity(ctx context.Context, workflowID, key, name string) (*model.ActivityRecord, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }() // Rollback is safe to call after Commit

	var maxSeq int
	query := `SELECT COALESCE(MAX(sequence), 0) FROM activities WHERE workflow_id = ?`
	if err := tx.QueryRowContext(ctx, query, workflowID).Scan(&maxSeq); err != nil {
		return nil, fmt.Errorf("could not get max sequence: %w", err)
	}

	now := time.Now().UTC()
	a := model.ActivityRecord{
		ID:         ulid.Make().String(),
		WorkflowID: workflowID,
		Key:        key,
		Name:       name,
		Sequence:   maxSeq + 1,
		Status:     model.ActivityStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	insertQuery := `
		INSERT INTO activities (id, workflow_id, key, name, sequence, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, insertQuery, a.ID, a.WorkflowID, a.Key, a.Name, a.Sequence, a.Status, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("activity %s/%s: %w", workflowID, key, model.ErrAlreadyExists)
		}
		return nil, fmt.Errorf("could not insert activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Journaled activity %s (%d) for workflow %s", key, a.Sequence, workflowID)
	return &a, nil
}

// GetActivity returns a journaled activity.
func (r *ActivityRepository) GetActivity(ctx context.Context, workflowID, key string) (*model.ActivityRecord, error) {
	query := `
		SELECT id, workflow_id, key, name, sequence, status, attempts, result, error, non_retryable, last_heartbeat_at, created_at, updated_at
		FROM activities
		WHERE workflow_id = ? AND key = ?
	`

	a, err := scanActivity(r.db.QueryRowContext(ctx, query, workflowID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("activity %s/%s: %w", workflowID, key, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query activity: %w", err)
	}

	return &a, nil
}

// RecordAttempt stores the number of dispatched attempts.
func (r *ActivityRepository) RecordAttempt(ctx context.Context, workflowID, key string, attempt int) error {
	return r.update(ctx, workflowID, key, `attempts = ?`, attempt)
}

// Heartbeat stores the last liveness signal of an activity.
func (r *ActivityRepository) Heartbeat(ctx context.Context, workflowID, key string, at time.Time) error {
	return r.update(ctx, workflowID, key, `last_heartbeat_at = ?`, at.UTC().UnixMilli())
}

// CompleteActivity marks an activity as done.
func (r *ActivityRepository) CompleteActivity(ctx context.Context, workflowID, key string, result []byte) error {
	err := r.update(ctx, workflowID, key, `status = ?, result = ?`, model.ActivityStatusDone, result)
	if err != nil {
		return err
	}

	r.logger.Debugf("Completed activity %s for workflow %s", key, workflowID)
	return nil
}

// FailActivity marks an activity as failed.
func (r *ActivityRepository) FailActivity(ctx context.Context, workflowID, key string, actErr error, nonRetryable bool) error {
	errMsg := ""
	if actErr != nil {
		errMsg = actErr.Error()
	}

	err := r.update(ctx, workflowID, key, `status = ?, error = ?, non_retryable = ?`, model.ActivityStatusFailed, errMsg, nonRetryable)
	if err != nil {
		return err
	}

	r.logger.Debugf("Failed activity %s for workflow %s: %s", key, workflowID, errMsg)
	return nil
}

// ListActivities returns the activities of a workflow ordered by sequence.
func (r *ActivityRepository) ListActivities(ctx context.Context, workflowID string) ([]model.ActivityRecord, error) {
	query := `
		SELECT id, workflow_id, key, name, sequence, status, attempts, result, error, non_retryable, last_heartbeat_at, created_at, updated_at
		FROM activities
		WHERE workflow_id = ?
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("could not query activities: %w", err)
	}
	defer rows.Close()

	var acts []model.ActivityRecord
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan activity: %w", err)
		}
		acts = append(acts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return acts, nil
}

func (r *ActivityRepository) update(ctx context.Context, workflowID, key, set string, args ...any) error {
	query := `UPDATE activities SET ` + set + `, updated_at = ? WHERE workflow_id = ? AND key = ?`
	args = append(args, time.Now().UTC().UnixMilli(), workflowID, key)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("could not update activity: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("activity %s/%s: %w", workflowID, key, model.ErrNotFound)
	}

	return nil
}

func scanActivity(s scanner) (model.ActivityRecord, error) {
	var a model.ActivityRecord
	var heartbeat sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&a.ID,
		&a.WorkflowID,
		&a.Key,
		&a.Name,
		&a.Sequence,
		&a.Status,
		&a.Attempts,
		&a.Result,
		&a.Error,
		&a.NonRetryable,
		&heartbeat,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return model.ActivityRecord{}, err
	}

	if heartbeat.Valid {
		t := timeFromUnixMilli(heartbeat.Int64)
		a.LastHeartbeatAt = &t
	}
	a.CreatedAt = timeFromUnixMilli(createdAt)
	a.UpdatedAt = timeFromUnixMilli(updatedAt)

	return a, nil
}
