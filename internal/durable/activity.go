package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/slok/agentline/internal/log"
	"github.com/slok/agentline/internal/model"
)

// ActivityOptions are the execution options of an activity.
type ActivityOptions struct {
	// Name is the activity type, used for telemetry. Defaults to the key.
	Name string
	// Timeout is the maximum duration of a single attempt, 0 means no timeout.
	Timeout time.Duration
	Retry   model.RetryPolicy
	// HeartbeatTimeout cancels an attempt that didn't heartbeat in this time, 0 disables it.
	HeartbeatTimeout time.Duration
	// AtMostOnce activities are never dispatched again after a crash during an attempt.
	AtMostOnce bool
}

// ActivityFunc is the side effect executed by an activity.
type ActivityFunc func(ctx context.Context, actx *ActivityContext) ([]byte, error)

// ActivityContext gives an activity attempt access to its execution metadata.
type ActivityContext struct {
	inst     *Instance
	key      string
	attempt  int
	beats    chan struct{}
	recorder func(ctx context.Context) error
}

// Key returns the activity key.
func (a *ActivityContext) Key() string { return a.key }

// Attempt returns the attempt number, starting at 1.
func (a *ActivityContext) Attempt() int { return a.attempt }

// IdempotencyKey returns a key stable across attempts and replays of this activity.
func (a *ActivityContext) IdempotencyKey() string { return a.inst.id + "/" + a.key }

// Heartbeat records the activity is alive.
func (a *ActivityContext) Heartbeat(ctx context.Context) error {
	select {
	case a.beats <- struct{}{}:
	default:
	}
	return a.recorder(ctx)
}

// ExecuteActivity executes an activity exactly once from the workflow point of view. A
// journaled result is returned without executing it again.
func (i *Instance) ExecuteActivity(ctx context.Context, key string, opts ActivityOptions, fn ActivityFunc) ([]byte, error) {
	if opts.Name == "" {
		opts.Name = key
	}
	policy := normalizeRetry(opts.Retry)
	logger := i.logger.WithValues(log.Kv{"activity": key})
	journal := i.runtime.journal

	rec, err := journal.GetActivity(ctx, i.id, key)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		rec, err = journal.StartActivity(ctx, i.id, key, opts.Name)
		if err != nil {
			return nil, fmt.Errorf("could not journal activity: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("could not get activity: %w", err)
	}

	switch rec.Status {
	case model.ActivityStatusDone:
		return rec.Result, nil
	case model.ActivityStatusFailed:
		return nil, replayedActivityError(rec)
	}

	// Pending: new, or dispatched before a crash.
	if rec.Attempts > 0 && (opts.AtMostOnce || rec.Attempts >= policy.MaxAttempts) {
		logger.Warningf("Activity was dispatched %d time(s) without a recorded outcome", rec.Attempts)
		return nil, i.failActivity(ctx, key, opts.Name, rec.Attempts, ErrActivityOutcomeUnknown, true)
	}

	for attempt := rec.Attempts + 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		if err := journal.RecordAttempt(ctx, i.id, key, attempt); err != nil {
			return nil, fmt.Errorf("could not record activity attempt: %w", err)
		}

		result, err := i.runAttempt(ctx, key, attempt, opts, fn)
		if err == nil {
			if err := journal.CompleteActivity(context.WithoutCancel(ctx), i.id, key, result); err != nil {
				return nil, fmt.Errorf("could not complete activity: %w", err)
			}
			return result, nil
		}

		// Workflow interrupted, the activity is left pending.
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		if IsNonRetryable(err) || attempt >= policy.MaxAttempts {
			return nil, i.failActivity(ctx, key, opts.Name, attempt, err, IsNonRetryable(err))
		}

		wait := backoff(policy, attempt)
		logger.WithValues(log.Kv{"attempt": attempt}).Warningf("Activity attempt failed, retrying in %s: %s", wait, err)

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
}

// ExecuteActivityJSON executes an activity whose result is JSON encoded in the journal.
func ExecuteActivityJSON[T any](ctx context.Context, inst *Instance, key string, opts ActivityOptions, fn func(ctx context.Context, actx *ActivityContext) (T, error)) (T, error) {
	var zero T

	data, err := inst.ExecuteActivity(ctx, key, opts, func(ctx context.Context, actx *ActivityContext) ([]byte, error) {
		res, err := fn(ctx, actx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, NonRetryable(fmt.Errorf("could not marshal activity result: %w", err))
		}
		return data, nil
	})
	if err != nil {
		return zero, err
	}

	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return zero, fmt.Errorf("could not unmarshal activity result: %w", err)
	}

	return res, nil
}

func (i *Instance) runAttempt(ctx context.Context, key string, attempt int, opts ActivityOptions, fn ActivityFunc) (result []byte, err error) {
	r := i.runtime
	start := time.Now()

	ctx, span := r.tracer.Start(ctx, "activity "+opts.Name, trace.WithAttributes(
		attribute.String("workflow.id", i.id),
		attribute.String("workflow.run_id", i.runID),
		attribute.String("activity.key", key),
		attribute.Int("activity.attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.metrics.observeAttempt(ctx, i.workflow, opts.Name, start, err)
	}()

	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if opts.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		actx, cancelTimeout = context.WithTimeoutCause(actx, opts.Timeout, ErrActivityTimeout)
		defer cancelTimeout()
	}

	ac := &ActivityContext{
		inst:    i,
		key:     key,
		attempt: attempt,
		beats:   make(chan struct{}, 1),
		recorder: func(ctx context.Context) error {
			return r.journal.Heartbeat(ctx, i.id, key, r.now())
		},
	}

	if opts.HeartbeatTimeout > 0 {
		stop := make(chan struct{})
		defer close(stop)
		go watchHeartbeats(opts.HeartbeatTimeout, ac.beats, stop, cancel)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = NonRetryable(fmt.Errorf("activity panicked: %v", rec))
		}
	}()

	result, err = fn(actx, ac)
	if err != nil && actx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%w: %w", context.Cause(actx), err)
	}

	return result, err
}

func watchHeartbeats(timeout time.Duration, beats <-chan struct{}, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-beats:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(timeout)
		case <-t.C:
			cancel(ErrHeartbeatTimeout)
			return
		}
	}
}

func (i *Instance) failActivity(ctx context.Context, key, name string, attempts int, cause error, nonRetryable bool) error {
	err := i.runtime.journal.FailActivity(context.WithoutCancel(ctx), i.id, key, cause, nonRetryable)
	if err != nil {
		return fmt.Errorf("could not fail activity: %w", err)
	}

	i.logger.WithValues(log.Kv{"activity": key, "attempt": attempts}).Errorf("Activity %s failed: %s", name, cause)
	return &ActivityError{Activity: key, Attempts: attempts, NonRetryable: nonRetryable, Err: cause}
}

func replayedActivityError(rec *model.ActivityRecord) error {
	cause := errors.New(rec.Error)
	if rec.Error == ErrActivityOutcomeUnknown.Error() {
		cause = ErrActivityOutcomeUnknown
	}
	return &ActivityError{Activity: rec.Key, Attempts: rec.Attempts, NonRetryable: rec.NonRetryable, Err: cause}
}

func normalizeRetry(p model.RetryPolicy) model.RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = time.Second
	}
	if p.BackoffCoefficient < 1 {
		p.BackoffCoefficient = 2
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 100 * p.InitialInterval
	}
	return p
}

// backoff returns the exponential wait after a failed attempt, capped to the max interval.
func backoff(p model.RetryPolicy, attempt int) time.Duration {
	wait := float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-1))
	if wait > float64(p.MaxInterval) || math.IsInf(wait, 0) {
		return p.MaxInterval
	}
	return time.Duration(wait)
}
