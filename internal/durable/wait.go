package durable

import (
	"context"
	"fmt"
	"time"

	"github.com/slok/agentline/internal/model"
)

// WaitOutcome is how a durable wait ended.
type WaitOutcome string

const (
	WaitOutcomeSatisfied WaitOutcome = "satisfied"
	WaitOutcomeTimedOut  WaitOutcome = "timed_out"
)

// WaitResult is the result of a durable wait. Signals are the ones the decision was taken on.
type WaitResult struct {
	Outcome WaitOutcome
	Signals []model.Signal
}

// Satisfied returns true if the condition was met before the deadline.
func (w WaitResult) Satisfied() bool { return w.Outcome == WaitOutcomeSatisfied }

// Condition evaluates the signals received on a channel.
type Condition func(signals []model.Signal) bool

// WakeChannel is the signal channel that wakes a sleep with the same key.
func WakeChannel(key string) string { return "wake/" + key }

// SleepUntil durably sleeps until the deadline. A signal on the WakeChannel of the key
// ends the sleep early with a satisfied outcome.
func (i *Instance) SleepUntil(ctx context.Context, key string, deadline time.Time) (WaitOutcome, error) {
	res, err := i.wait(ctx, key, WakeChannel(key), deadline, func(s []model.Signal) bool { return len(s) > 0 })
	if err != nil {
		return "", err
	}
	return res.Outcome, nil
}

// WaitForCondition durably waits until the condition over the channel signals is met or the
// timeout expires. The deadline is fixed the first time the wait is reached, and once resolved
// the outcome is journaled so replays observe the same result and signals.
func (i *Instance) WaitForCondition(ctx context.Context, key, channel string, timeout time.Duration, cond Condition) (WaitResult, error) {
	return i.wait(ctx, key, channel, i.runtime.now().Add(timeout), cond)
}

// WaitForConditionUntil is like WaitForCondition but with an absolute deadline, used when
// the deadline is derived from journaled data.
func (i *Instance) WaitForConditionUntil(ctx context.Context, key, channel string, deadline time.Time, cond Condition) (WaitResult, error) {
	return i.wait(ctx, key, channel, deadline, cond)
}

func (i *Instance) wait(ctx context.Context, key, channel string, deadline time.Time, cond Condition) (WaitResult, error) {
	r := i.runtime

	timer, err := r.journal.EnsureTimer(ctx, model.Timer{
		WorkflowID: i.id,
		Key:        key,
		Deadline:   deadline,
		Outcome:    model.TimerOutcomePending,
		CreatedAt:  r.now(),
	})
	if err != nil {
		return WaitResult{}, fmt.Errorf("could not ensure timer: %w", err)
	}

	if timer.Outcome != model.TimerOutcomePending {
		signals, err := r.journal.ListSignals(ctx, i.id, channel)
		if err != nil {
			return WaitResult{}, fmt.Errorf("could not list signals: %w", err)
		}
		if timer.SignalCount < len(signals) {
			signals = signals[:timer.SignalCount]
		}
		return WaitResult{Outcome: waitOutcome(timer.Outcome), Signals: signals}, nil
	}

	for {
		signals, err := r.journal.ListSignals(ctx, i.id, channel)
		if err != nil {
			if ctx.Err() != nil {
				return WaitResult{}, context.Cause(ctx)
			}
			return WaitResult{}, fmt.Errorf("could not list signals: %w", err)
		}

		if cond(signals) {
			return i.resolveWait(ctx, key, model.TimerOutcomeSatisfied, signals)
		}

		now := r.now()
		if !now.Before(timer.Deadline) {
			return i.resolveWait(ctx, key, model.TimerOutcomeTimedOut, signals)
		}

		if ctx.Err() != nil {
			return WaitResult{}, context.Cause(ctx)
		}
		i.checkCancelRequested(ctx)

		next := r.pollInterval
		if d := timer.Deadline.Sub(now); d < next {
			next = d
		}

		select {
		case <-ctx.Done():
			return WaitResult{}, context.Cause(ctx)
		case <-i.wakeC:
		case <-time.After(next):
		}
	}
}

func (i *Instance) resolveWait(ctx context.Context, key string, outcome model.TimerOutcome, signals []model.Signal) (WaitResult, error) {
	err := i.runtime.journal.ResolveTimer(context.WithoutCancel(ctx), i.id, key, outcome, len(signals))
	if err != nil {
		return WaitResult{}, fmt.Errorf("could not resolve timer: %w", err)
	}
	return WaitResult{Outcome: waitOutcome(outcome), Signals: signals}, nil
}

func waitOutcome(o model.TimerOutcome) WaitOutcome {
	if o == model.TimerOutcomeSatisfied {
		return WaitOutcomeSatisfied
	}
	return WaitOutcomeTimedOut
}
