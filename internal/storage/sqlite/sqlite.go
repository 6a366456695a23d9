package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
	"github.com/slok/agentline/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of the durable journal and the approval store.
type Repository struct {
	*ActivityRepository

	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, cfg.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	activities, err := NewActivityRepository(ActivityRepositoryConfig{DB: db, Logger: cfg.Logger})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create activity repository: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{
		ActivityRepository: activities,
		db:                 db,
		logger:             cfg.Logger,
	}, nil
}

// DB returns the underlying database connection.
func (r *Repository) DB() *sql.DB { return r.db }

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// CreateWorkflow creates a new workflow instance.
func (r *Repository) CreateWorkflow(ctx context.Context, w model.WorkflowInstance) error {
	query := `
		INSERT INTO workflows (
			id, run_id, workflow, input, status,
			checkpoint, output, error, cancel_requested,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(
		ctx,
		query,
		w.ID,
		w.RunID,
		w.Workflow,
		w.Input,
		w.Status,
		w.Checkpoint,
		w.Output,
		w.Error,
		w.CancelRequested,
		w.CreatedAt.UnixMilli(),
		w.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: workflows.") {
			return fmt.Errorf("workflow %s: %w", w.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert workflow: %w", err)
	}

	r.logger.Debugf("Created workflow in repository: %s", w.ID)
	return nil
}

const workflowColumns = `
	id, run_id, workflow, input, status,
	checkpoint, output, error, cancel_requested,
	created_at, updated_at
`

// GetWorkflow retrieves a workflow instance by ID.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = ?`

	w, err := scanWorkflow(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query workflow: %w", err)
	}

	return &w, nil
}

// ListWorkflows returns the workflows matching the filters, newest first.
func (r *Repository) ListWorkflows(ctx context.Context, opts storage.ListWorkflowsOpts) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE 1 = 1`
	var args []any
	if opts.Workflow != "" {
		query += ` AND workflow = ?`
		args = append(args, opts.Workflow)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, opts.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query workflows: %w", err)
	}
	defer rows.Close()

	var workflows []model.WorkflowInstance
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		workflows = append(workflows, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return workflows, nil
}

// UpdateWorkflow updates an existing workflow instance.
func (r *Repository) UpdateWorkflow(ctx context.Context, w model.WorkflowInstance) error {
	query := `
		UPDATE workflows
		SET
			run_id = ?,
			status = ?,
			checkpoint = ?,
			output = ?,
			error = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(
		ctx,
		query,
		w.RunID,
		w.Status,
		w.Checkpoint,
		w.Output,
		w.Error,
		w.UpdatedAt.UnixMilli(),
		w.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update workflow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workflow %s: %w", w.ID, model.ErrNotFound)
	}

	return nil
}

// RequestCancel flags the workflow as cancel requested.
func (r *Repository) RequestCancel(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE workflows SET cancel_requested = 1, updated_at = ? WHERE id = ?`, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("could not update workflow: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("workflow %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Requested workflow cancellation: %s", id)
	return nil
}

// EnsureTimer creates the timer if missing and returns the stored one.
func (r *Repository) EnsureTimer(ctx context.Context, t model.Timer) (*model.Timer, error) {
	if t.Outcome == "" {
		t.Outcome = model.TimerOutcomePending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	insert := `
		INSERT OR IGNORE INTO timers (workflow_id, key, deadline, outcome, signal_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, insert, t.WorkflowID, t.Key, t.Deadline.UnixMilli(), t.Outcome, t.SignalCount, t.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("could not insert timer: %w", err)
	}

	query := `
		SELECT workflow_id, key, deadline, outcome, signal_count, created_at
		FROM timers
		WHERE workflow_id = ? AND key = ?
	`
	var stored model.Timer
	var deadline, createdAt int64
	err = r.db.QueryRowContext(ctx, query, t.WorkflowID, t.Key).Scan(
		&stored.WorkflowID,
		&stored.Key,
		&deadline,
		&stored.Outcome,
		&stored.SignalCount,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query timer: %w", err)
	}
	stored.Deadline = timeFromUnixMilli(deadline)
	stored.CreatedAt = timeFromUnixMilli(createdAt)

	return &stored, nil
}

// ResolveTimer sets the outcome of a pending timer.
func (r *Repository) ResolveTimer(ctx context.Context, workflowID, key string, outcome model.TimerOutcome, signalCount int) error {
	query := `UPDATE timers SET outcome = ?, signal_count = ? WHERE workflow_id = ? AND key = ? AND outcome = ?`

	result, err := r.db.ExecContext(ctx, query, outcome, signalCount, workflowID, key, model.TimerOutcomePending)
	if err != nil {
		return fmt.Errorf("could not update timer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timers WHERE workflow_id = ? AND key = ?`, workflowID, key).Scan(&exists)
	if err != nil {
		return fmt.Errorf("could not query timer: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("timer %s/%s: %w", workflowID, key, model.ErrNotFound)
	}

	return fmt.Errorf("timer %s/%s already resolved: %w", workflowID, key, model.ErrNotValid)
}

// AppendSignal appends a signal deduplicating by workflow, channel and dedupe key.
func (r *Repository) AppendSignal(ctx context.Context, s model.Signal) (*model.Signal, bool, error) {
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}

	insert := `
		INSERT OR IGNORE INTO signals (id, workflow_id, channel, dedupe_key, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.ExecContext(ctx, insert, s.ID, s.WorkflowID, s.Channel, s.DedupeKey, s.Payload, s.ReceivedAt.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("could not insert signal: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("could not get rows affected: %w", err)
	}
	created := rows > 0

	query := `
		SELECT sequence, id, workflow_id, channel, dedupe_key, payload, received_at
		FROM signals
		WHERE workflow_id = ? AND channel = ? AND dedupe_key = ?
	`
	stored, err := scanSignal(r.db.QueryRowContext(ctx, query, s.WorkflowID, s.Channel, s.DedupeKey))
	if err != nil {
		return nil, false, fmt.Errorf("could not query signal: %w", err)
	}

	if created {
		r.logger.Debugf("Appended signal %d to workflow %s channel %s", stored.Sequence, s.WorkflowID, s.Channel)
	}

	return &stored, created, nil
}

// ListSignals returns the signals of a workflow channel in receipt order.
func (r *Repository) ListSignals(ctx context.Context, workflowID, channel string) ([]model.Signal, error) {
	query := `
		SELECT sequence, id, workflow_id, channel, dedupe_key, payload, received_at
		FROM signals
		WHERE workflow_id = ? AND channel = ?
		ORDER BY sequence ASC
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID, channel)
	if err != nil {
		return nil, fmt.Errorf("could not query signals: %w", err)
	}
	defer rows.Close()

	var signals []model.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan signal: %w", err)
		}
		signals = append(signals, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return signals, nil
}

// CreateApproval creates a new approval request.
func (r *Repository) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	approvalCtx := a.Context
	if approvalCtx == nil {
		approvalCtx = map[string]any{}
	}
	ctxData, err := json.Marshal(approvalCtx)
	if err != nil {
		return fmt.Errorf("could not marshal approval context: %w", err)
	}

	query := `
		INSERT INTO approvals (id, workflow_id, run_id, task_description, risk_level, context, required_approvers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, query, a.ID, a.WorkflowID, a.RunID, a.TaskDescription, a.RiskLevel, string(ctxData), a.RequiredApprovers, a.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: approvals.") {
			return fmt.Errorf("approval %s: %w", a.ID, model.ErrAlreadyExists)
		}
		return fmt.Errorf("could not insert approval: %w", err)
	}

	r.logger.Debugf("Created approval in repository: %s", a.ID)
	return nil
}

const approvalColumns = `id, workflow_id, run_id, task_description, risk_level, context, required_approvers, created_at`

// GetApproval retrieves an approval request by ID.
func (r *Repository) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = ?`

	a, err := scanApproval(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query approval: %w", err)
	}

	return &a, nil
}

// ListApprovals returns the approvals of a workflow in creation order, all of them if
// the workflow is empty.
func (r *Repository) ListApprovals(ctx context.Context, workflowID string) ([]model.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return approvals, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (model.WorkflowInstance, error) {
	var w model.WorkflowInstance
	var createdAt, updatedAt int64

	err := s.Scan(
		&w.ID,
		&w.RunID,
		&w.Workflow,
		&w.Input,
		&w.Status,
		&w.Checkpoint,
		&w.Output,
		&w.Error,
		&w.CancelRequested,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	w.CreatedAt = timeFromUnixMilli(createdAt)
	w.UpdatedAt = timeFromUnixMilli(updatedAt)

	return w, nil
}

func scanSignal(s scanner) (model.Signal, error) {
	var sig model.Signal
	var receivedAt int64

	err := s.Scan(
		&sig.Sequence,
		&sig.ID,
		&sig.WorkflowID,
		&sig.Channel,
		&sig.DedupeKey,
		&sig.Payload,
		&receivedAt,
	)
	if err != nil {
		return model.Signal{}, err
	}
	sig.ReceivedAt = timeFromUnixMilli(receivedAt)

	return sig, nil
}

func scanApproval(s scanner) (model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	var ctxData string
	var createdAt int64

	err := s.Scan(
		&a.ID,
		&a.WorkflowID,
		&a.RunID,
		&a.TaskDescription,
		&a.RiskLevel,
		&ctxData,
		&a.RequiredApprovers,
		&createdAt,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}

	if ctxData != "" && ctxData != "{}" {
		if err := json.Unmarshal([]byte(ctxData), &a.Context); err != nil {
			return model.ApprovalRequest{}, fmt.Errorf("could not unmarshal approval context: %w", err)
		}
	}
	a.CreatedAt = timeFromUnixMilli(createdAt)

	return a, nil
}

func timeFromUnixMilli(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

var (
	_ storage.Journal            = &Repository{}
	_ storage.ApprovalRepository = &Repository{}
)
