package durable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
	"github.com/slok/agentline/internal/storage"
)

const instrumentationName = "github.com/slok/agentline/internal/durable"

// WorkflowFunc is a durable workflow. It must be deterministic: every side effect goes
// through the instance (activities, timers, signals) so a replay from the journal takes
// the same decisions.
type WorkflowFunc func(ctx context.Context, inst *Instance, input []byte) (output []byte, err error)

// RuntimeConfig is the configuration of the durable runtime.
type RuntimeConfig struct {
	Journal storage.Journal
	Logger  log.Logger
	Tracer  trace.Tracer
	Meter   metric.Meter
	// PollInterval is how often waits check the journal for signals written by
	// other processes.
	PollInterval time.Duration
	Now          func() time.Time
}

func (c *RuntimeConfig) defaults() error {
	if c.Journal == nil {
		return fmt.Errorf("journal is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "durable.Runtime"})
	if c.Tracer == nil {
		c.Tracer = otel.Tracer(instrumentationName)
	}
	if c.Meter == nil {
		c.Meter = otel.Meter(instrumentationName)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// StartOptions are the options to start a workflow instance.
type StartOptions struct {
	// ID is the workflow instance ID, starting the same ID twice is a no-op.
	ID       string
	Workflow string
	Input    []byte
}

// SignalInput is a signal delivered to a workflow instance.
type SignalInput struct {
	Channel   string
	DedupeKey string
	Payload   []byte
}

type execution struct {
	inst   *Instance
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Runtime executes durable workflows journaling every step so they survive restarts.
type Runtime struct {
	journal      storage.Journal
	logger       log.Logger
	tracer       trace.Tracer
	metrics      *metrics
	pollInterval time.Duration
	now          func() time.Time

	workflows map[string]WorkflowFunc
	running   map[string]*execution
	mu        sync.Mutex
	// writeMu serializes the read-modify-write cycles on workflow instances.
	writeMu sync.Mutex
	wg      sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelCauseFunc
}

// NewRuntime returns a new durable runtime.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("could not create metrics: %w", err)
	}

	rootCtx, rootCancel := context.WithCancelCause(context.Background())

	return &Runtime{
		journal:      cfg.Journal,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		metrics:      m,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		workflows:    map[string]WorkflowFunc{},
		running:      map[string]*execution{},
		rootCtx:      rootCtx,
		rootCancel:   rootCancel,
	}, nil
}

// Register registers a workflow function by name.
func (r *Runtime) Register(name string, fn WorkflowFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[name] = fn
}

// Start starts a workflow instance. If the instance already exists it's returned without
// starting a new one, and created is false.
func (r *Runtime) Start(ctx context.Context, opts StartOptions) (inst *model.WorkflowInstance, created bool, err error) {
	if opts.ID == "" {
		return nil, false, fmt.Errorf("workflow id is required: %w", model.ErrNotValid)
	}
	if _, ok := r.workflowFunc(opts.Workflow); !ok {
		return nil, false, fmt.Errorf("unknown workflow %q: %w", opts.Workflow, model.ErrNotValid)
	}

	stored, err := r.journal.GetWorkflow(ctx, opts.ID)
	switch {
	case err == nil:
		if !stored.Status.IsTerminal() {
			r.launch(*stored)
		}
		return stored, false, nil
	case !errors.Is(err, model.ErrNotFound):
		return nil, false, fmt.Errorf("could not get workflow: %w", err)
	}

	now := r.now()
	w := model.WorkflowInstance{
		ID:        opts.ID,
		RunID:     ulid.Make().String(),
		Workflow:  opts.Workflow,
		Input:     opts.Input,
		Status:    model.WorkflowStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.journal.CreateWorkflow(ctx, w)
	if err != nil {
		if errors.Is(err, model.ErrAlreadyExists) {
			stored, err := r.journal.GetWorkflow(ctx, opts.ID)
			if err != nil {
				return nil, false, fmt.Errorf("could not get workflow: %w", err)
			}
			return stored, false, nil
		}
		return nil, false, fmt.Errorf("could not create workflow: %w", err)
	}

	r.logger.WithValues(log.Kv{"workflow-id": w.ID, "run-id": w.RunID}).Infof("Workflow %s started", w.Workflow)
	r.launch(w)

	return &w, true, nil
}

// Resume launches all the non terminal workflow instances of the journal.
func (r *Runtime) Resume(ctx context.Context) error {
	ws, err := r.journal.ListWorkflows(ctx, storage.ListWorkflowsOpts{Status: model.WorkflowStatusRunning})
	if err != nil {
		return fmt.Errorf("could not list running workflows: %w", err)
	}

	resumed := 0
	for _, w := range ws {
		if _, ok := r.workflowFunc(w.Workflow); !ok {
			r.logger.Warningf("Workflow %s has unknown type %q, ignoring", w.ID, w.Workflow)
			continue
		}
		if r.launch(w) {
			resumed++
		}
	}

	if resumed > 0 {
		r.logger.Infof("Resumed %d workflows", resumed)
	}

	return nil
}

// Run resumes the journaled workflows and blocks until the context is done, then stops
// the runtime. Used as a run group actor.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Resume(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Stop(stopCtx)
}

// Stop interrupts all the executing workflows leaving them resumable and waits until they
// have returned.
func (r *Runtime) Stop(ctx context.Context) error {
	r.rootCancel(ErrRuntimeStopped)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Debugf("Runtime stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("could not wait for workflows to stop: %w", ctx.Err())
	}
}

// Get returns a workflow instance.
func (r *Runtime) Get(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return r.journal.GetWorkflow(ctx, id)
}

// List returns the workflow instances.
func (r *Runtime) List(ctx context.Context, opts storage.ListWorkflowsOpts) ([]model.WorkflowInstance, error) {
	return r.journal.ListWorkflows(ctx, opts)
}

// Wait blocks until the workflow instance reaches a terminal status and returns it. If the
// instance executes in another process the journal is polled.
func (r *Runtime) Wait(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	for {
		r.mu.Lock()
		exec, ok := r.running[id]
		r.mu.Unlock()

		if ok {
			select {
			case <-exec.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		w, err := r.journal.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if w.Status.IsTerminal() {
			return w, nil
		}

		// Interrupted by a runtime stop or executing elsewhere.
		if r.rootCtx.Err() != nil {
			return w, context.Cause(r.rootCtx)
		}

		select {
		case <-time.After(r.pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Signal appends a signal to the workflow instance journal and wakes it up. A signal with
// an already received dedupe key is ignored and created is false.
func (r *Runtime) Signal(ctx context.Context, workflowID string, in SignalInput) (created bool, err error) {
	w, err := r.journal.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, fmt.Errorf("could not get workflow: %w", err)
	}

	_, created, err = r.journal.AppendSignal(ctx, model.Signal{
		WorkflowID: w.ID,
		Channel:    in.Channel,
		DedupeKey:  in.DedupeKey,
		Payload:    in.Payload,
		ReceivedAt: r.now(),
	})
	if err != nil {
		return false, fmt.Errorf("could not append signal: %w", err)
	}

	if !created {
		r.logger.Debugf("Duplicated signal %s on workflow %s channel %s ignored", in.DedupeKey, workflowID, in.Channel)
		return false, nil
	}

	r.wake(workflowID)
	return true, nil
}

// Cancel requests the cancellation of a workflow instance. The workflow observes it as
// its context being cancelled with ErrWorkflowCancelled cause.
func (r *Runtime) Cancel(ctx context.Context, id string) error {
	w, err := r.journal.GetWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("could not get workflow: %w", err)
	}
	if w.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is %s: %w", id, w.Status, model.ErrNotValid)
	}

	if err := r.journal.RequestCancel(ctx, id); err != nil {
		return fmt.Errorf("could not request cancel: %w", err)
	}

	r.mu.Lock()
	exec, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		exec.cancel(ErrWorkflowCancelled)
	}

	r.logger.WithValues(log.Kv{"workflow-id": id}).Infof("Workflow cancellation requested")
	return nil
}

func (r *Runtime) workflowFunc(name string) (WorkflowFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.workflows[name]
	return fn, ok
}

func (r *Runtime) wake(id string) {
	r.mu.Lock()
	exec, ok := r.running[id]
	r.mu.Unlock()
	if ok {
		exec.inst.notify()
	}
}

// launch executes the workflow in background if it's not already executing.
func (r *Runtime) launch(w model.WorkflowInstance) bool {
	if r.rootCtx.Err() != nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.running[w.ID]; ok {
		return false
	}
	fn, ok := r.workflows[w.Workflow]
	if !ok {
		return false
	}

	ctx, cancel := context.WithCancelCause(r.rootCtx)
	if w.CancelRequested {
		cancel(ErrWorkflowCancelled)
	}

	inst := newInstance(r, w, cancel)
	exec := &execution{inst: inst, cancel: cancel, done: make(chan struct{})}
	r.running[w.ID] = exec
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer close(exec.done)
		defer func() {
			r.mu.Lock()
			delete(r.running, w.ID)
			r.mu.Unlock()
			cancel(nil)
		}()

		output, err := r.execute(ctx, inst, fn, w.Input)
		r.finish(ctx, inst, output, err)
	}()

	return true
}

func (r *Runtime) execute(ctx context.Context, inst *Instance, fn WorkflowFunc, input []byte) (output []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("workflow panicked: %v", rec)
		}
	}()

	ctx = log.CtxWithValues(ctx, log.Kv{"workflow-id": inst.id, "run-id": inst.runID})
	return fn(ctx, inst, input)
}

func (r *Runtime) finish(ctx context.Context, inst *Instance, output []byte, err error) {
	logger := inst.logger
	cause := context.Cause(ctx)

	if err != nil && errors.Is(cause, ErrRuntimeStopped) {
		logger.Infof("Workflow interrupted by runtime stop, will be resumed")
		return
	}

	var status model.WorkflowStatus
	switch {
	case errors.Is(cause, ErrWorkflowCancelled):
		status = model.WorkflowStatusCancelled
	case err != nil:
		status = model.WorkflowStatusFailed
	default:
		status = model.WorkflowStatusCompleted
	}

	// The workflow context may be done at this point.
	wctx := context.WithoutCancel(ctx)
	uerr := r.updateWorkflow(wctx, inst.id, func(w *model.WorkflowInstance) {
		w.Status = status
		w.Output = output
		if err != nil {
			w.Error = err.Error()
		}
	})
	if uerr != nil {
		logger.Errorf("Could not store workflow result: %s", uerr)
		return
	}

	if err != nil {
		logger.Warningf("Workflow finished with status %s: %s", status, err)
		return
	}
	logger.Infof("Workflow finished with status %s", status)
}

func (r *Runtime) updateWorkflow(ctx context.Context, id string, fn func(w *model.WorkflowInstance)) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	w, err := r.journal.GetWorkflow(ctx, id)
	if err != nil {
		return fmt.Errorf("could not get workflow: %w", err)
	}

	fn(w)
	w.UpdatedAt = r.now()

	if err := r.journal.UpdateWorkflow(ctx, *w); err != nil {
		return fmt.Errorf("could not update workflow: %w", err)
	}

	return nil
}
