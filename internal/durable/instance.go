package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// Instance is the handle a workflow uses to execute durable steps.
type Instance struct {
	id       string
	runID    string
	workflow string
	runtime  *Runtime
	cancel   context.CancelCauseFunc
	wakeC    chan struct{}
	logger   log.Logger
}

func newInstance(r *Runtime, w model.WorkflowInstance, cancel context.CancelCauseFunc) *Instance {
	return &Instance{
		id:       w.ID,
		runID:    w.RunID,
		workflow: w.Workflow,
		runtime:  r,
		cancel:   cancel,
		wakeC:    make(chan struct{}, 1),
		logger:   r.logger.WithValues(log.Kv{"workflow-id": w.ID, "run-id": w.RunID}),
	}
}

// ID returns the workflow instance ID.
func (i *Instance) ID() string { return i.id }

// RunID returns the run ID of the workflow instance.
func (i *Instance) RunID() string { return i.runID }

// Now returns the runtime clock time. It's not deterministic, journal it through an
// activity when a replay must observe the same value.
func (i *Instance) Now() time.Time { return i.runtime.now() }

// Logger returns the workflow scoped logger.
func (i *Instance) Logger() log.Logger { return i.logger }

// Checkpoint stores the queryable progress of the workflow.
func (i *Instance) Checkpoint(ctx context.Context, state []byte) error {
	err := i.runtime.updateWorkflow(context.WithoutCancel(ctx), i.id, func(w *model.WorkflowInstance) {
		w.Checkpoint = state
	})
	if err != nil {
		return fmt.Errorf("could not store checkpoint: %w", err)
	}
	return nil
}

// CheckpointJSON stores the JSON representation of the workflow progress.
func (i *Instance) CheckpointJSON(ctx context.Context, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not marshal checkpoint: %w", err)
	}
	return i.Checkpoint(ctx, data)
}

// Signals returns the signals received on a channel in receipt order.
func (i *Instance) Signals(ctx context.Context, channel string) ([]model.Signal, error) {
	signals, err := i.runtime.journal.ListSignals(ctx, i.id, channel)
	if err != nil {
		return nil, fmt.Errorf("could not list signals: %w", err)
	}
	return signals, nil
}

func (i *Instance) notify() {
	select {
	case i.wakeC <- struct{}{}:
	default:
	}
}

// checkCancelRequested cancels the workflow if another process requested it.
func (i *Instance) checkCancelRequested(ctx context.Context) {
	w, err := i.runtime.journal.GetWorkflow(ctx, i.id)
	if err != nil {
		i.logger.Warningf("Could not check cancel request: %s", err)
		return
	}
	if w.CancelRequested {
		i.cancel(ErrWorkflowCancelled)
	}
}
