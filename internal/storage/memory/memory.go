package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of all the storage repositories.
type Repository struct {
	workflows    map[string]model.WorkflowInstance
	activities   map[string][]model.ActivityRecord
	timers       map[string]model.Timer
	signals      []model.Signal
	signalSeq    int64
	approvals    map[string]model.ApprovalRequest
	approvalsOrd []string
	mu           sync.RWMutex
	logger       log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		workflows:  make(map[string]model.WorkflowInstance),
		activities: make(map[string][]model.ActivityRecord),
		timers:     make(map[string]model.Timer),
		approvals:  make(map[string]model.ApprovalRequest),
		logger:     cfg.Logger,
	}, nil
}

// CreateWorkflow creates a new workflow instance.
func (r *Repository) CreateWorkflow(ctx context.Context, w model.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[w.ID]; ok {
		return fmt.Errorf("workflow with id %s: %w", w.ID, model.ErrAlreadyExists)
	}

	r.workflows[w.ID] = copyWorkflow(w)
	r.logger.Debugf("Created workflow in repository: %s", w.ID)

	return nil
}

// GetWorkflow retrieves a workflow instance by ID.
func (r *Repository) GetWorkflow(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, model.ErrNotFound)
	}

	wCopy := copyWorkflow(w)
	return &wCopy, nil
}

// ListWorkflows returns the workflows matching the filters, newest first.
func (r *Repository) ListWorkflows(ctx context.Context, opts storage.ListWorkflowsOpts) ([]model.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	workflows := make([]model.WorkflowInstance, 0, len(r.workflows))
	for _, w := range r.workflows {
		if opts.Workflow != "" && w.Workflow != opts.Workflow {
			continue
		}
		if opts.Status != "" && w.Status != opts.Status {
			continue
		}
		workflows = append(workflows, copyWorkflow(w))
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID > workflows[j].ID
		}
		return workflows[i].CreatedAt.After(workflows[j].CreatedAt)
	})

	return workflows, nil
}

// UpdateWorkflow updates an existing workflow instance.
func (r *Repository) UpdateWorkflow(ctx context.Context, w model.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.workflows[w.ID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", w.ID, model.ErrNotFound)
	}

	w.CancelRequested = stored.CancelRequested
	r.workflows[w.ID] = copyWorkflow(w)
	return nil
}

// RequestCancel flags the workflow as cancel requested.
func (r *Repository) RequestCancel(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workflows[id]
	if !ok {
		return fmt.Errorf("workflow %s: %w", id, model.ErrNotFound)
	}

	w.CancelRequested = true
	w.UpdatedAt = time.Now().UTC()
	r.workflows[id] = w
	return nil
}

// StartActivity journals a new pending activity.
func (r *Repository) StartActivity(ctx context.Context, workflowID, key, name string) (*model.ActivityRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acts := r.activities[workflowID]
	for _, a := range acts {
		if a.Key == key {
			return nil, fmt.Errorf("activity %s/%s: %w", workflowID, key, model.ErrAlreadyExists)
		}
	}

	now := time.Now().UTC()
	a := model.ActivityRecord{
		ID:         ulid.Make().String(),
		WorkflowID: workflowID,
		Key:        key,
		Name:       name,
		Sequence:   len(acts) + 1,
		Status:     model.ActivityStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.activities[workflowID] = append(acts, a)

	return &a, nil
}

// GetActivity returns a journaled activity.
func (r *Repository) GetActivity(ctx context.Context, workflowID, key string) (*model.ActivityRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.activities[workflowID] {
		if a.Key == key {
			aCopy := a
			aCopy.Result = copyBytes(a.Result)
			return &aCopy, nil
		}
	}

	return nil, fmt.Errorf("activity %s/%s: %w", workflowID, key, model.ErrNotFound)
}

// RecordAttempt stores the number of dispatched attempts.
func (r *Repository) RecordAttempt(ctx context.Context, workflowID, key string, attempt int) error {
	return r.updateActivity(workflowID, key, func(a *model.ActivityRecord) {
		a.Attempts = attempt
	})
}

// Heartbeat stores the last liveness signal of an activity.
func (r *Repository) Heartbeat(ctx context.Context, workflowID, key string, at time.Time) error {
	return r.updateActivity(workflowID, key, func(a *model.ActivityRecord) {
		t := at.UTC()
		a.LastHeartbeatAt = &t
	})
}

// CompleteActivity marks an activity as done.
func (r *Repository) CompleteActivity(ctx context.Context, workflowID, key string, result []byte) error {
	return r.updateActivity(workflowID, key, func(a *model.ActivityRecord) {
		a.Status = model.ActivityStatusDone
		a.Result = copyBytes(result)
	})
}

// FailActivity marks an activity as failed.
func (r *Repository) FailActivity(ctx context.Context, workflowID, key string, err error, nonRetryable bool) error {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	return r.updateActivity(workflowID, key, func(a *model.ActivityRecord) {
		a.Status = model.ActivityStatusFailed
		a.Error = errMsg
		a.NonRetryable = nonRetryable
	})
}

// ListActivities returns the activities of a workflow in execution order.
func (r *Repository) ListActivities(ctx context.Context, workflowID string) ([]model.ActivityRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	acts := make([]model.ActivityRecord, 0, len(r.activities[workflowID]))
	for _, a := range r.activities[workflowID] {
		a.Result = copyBytes(a.Result)
		acts = append(acts, a)
	}

	return acts, nil
}

func (r *Repository) updateActivity(workflowID, key string, fn func(a *model.ActivityRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acts := r.activities[workflowID]
	for i := range acts {
		if acts[i].Key == key {
			fn(&acts[i])
			acts[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}

	return fmt.Errorf("activity %s/%s: %w", workflowID, key, model.ErrNotFound)
}

// EnsureTimer creates the timer if missing and returns the stored one.
func (r *Repository) EnsureTimer(ctx context.Context, t model.Timer) (*model.Timer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := timerID(t.WorkflowID, t.Key)
	if stored, ok := r.timers[id]; ok {
		return &stored, nil
	}

	if t.Outcome == "" {
		t.Outcome = model.TimerOutcomePending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	r.timers[id] = t

	return &t, nil
}

// ResolveTimer sets the outcome of a timer.
func (r *Repository) ResolveTimer(ctx context.Context, workflowID, key string, outcome model.TimerOutcome, signalCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := timerID(workflowID, key)
	t, ok := r.timers[id]
	if !ok {
		return fmt.Errorf("timer %s: %w", id, model.ErrNotFound)
	}
	if t.Outcome != model.TimerOutcomePending {
		return fmt.Errorf("timer %s already resolved: %w", id, model.ErrNotValid)
	}

	t.Outcome = outcome
	t.SignalCount = signalCount
	r.timers[id] = t

	return nil
}

// AppendSignal appends a signal deduplicating by workflow, channel and dedupe key.
func (r *Repository) AppendSignal(ctx context.Context, s model.Signal) (*model.Signal, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.signals {
		if existing.WorkflowID == s.WorkflowID && existing.Channel == s.Channel && existing.DedupeKey == s.DedupeKey {
			stored := existing
			return &stored, false, nil
		}
	}

	r.signalSeq++
	if s.ID == "" {
		s.ID = ulid.Make().String()
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}
	s.Sequence = r.signalSeq
	s.Payload = copyBytes(s.Payload)
	r.signals = append(r.signals, s)

	r.logger.Debugf("Appended signal %d to workflow %s channel %s", s.Sequence, s.WorkflowID, s.Channel)
	return &s, true, nil
}

// ListSignals returns the signals of a workflow channel in receipt order.
func (r *Repository) ListSignals(ctx context.Context, workflowID, channel string) ([]model.Signal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var signals []model.Signal
	for _, s := range r.signals {
		if s.WorkflowID != workflowID || s.Channel != channel {
			continue
		}
		s.Payload = copyBytes(s.Payload)
		signals = append(signals, s)
	}

	return signals, nil
}

// CreateApproval creates a new approval request.
func (r *Repository) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.approvals[a.ID]; ok {
		return fmt.Errorf("approval %s: %w", a.ID, model.ErrAlreadyExists)
	}

	r.approvals[a.ID] = a
	r.approvalsOrd = append(r.approvalsOrd, a.ID)

	return nil
}

// GetApproval retrieves an approval request by ID.
func (r *Repository) GetApproval(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.approvals[id]
	if !ok {
		return nil, fmt.Errorf("approval %s: %w", id, model.ErrNotFound)
	}

	return &a, nil
}

// ListApprovals returns the approvals of a workflow in creation order.
func (r *Repository) ListApprovals(ctx context.Context, workflowID string) ([]model.ApprovalRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var approvals []model.ApprovalRequest
	for _, id := range r.approvalsOrd {
		a := r.approvals[id]
		if workflowID != "" && a.WorkflowID != workflowID {
			continue
		}
		approvals = append(approvals, a)
	}

	return approvals, nil
}

func timerID(workflowID, key string) string { return workflowID + "/" + key }

var (
	_ storage.Journal            = &Repository{}
	_ storage.ApprovalRepository = &Repository{}
)

func copyWorkflow(w model.WorkflowInstance) model.WorkflowInstance {
	w.Input = copyBytes(w.Input)
	w.Checkpoint = copyBytes(w.Checkpoint)
	w.Output = copyBytes(w.Output)
	return w
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
