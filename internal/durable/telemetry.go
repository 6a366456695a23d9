package durable

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	attempts metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	attempts, err := meter.Int64Counter("agentline_activity_attempts_total",
		metric.WithDescription("Number of activity attempts dispatched."),
		metric.WithUnit("{attempt}"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("agentline_activity_duration_seconds",
		metric.WithDescription("Duration of activity attempts."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &metrics{attempts: attempts, duration: duration}, nil
}

func (m *metrics) observeAttempt(ctx context.Context, workflow, activity string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("activity", activity),
		attribute.String("result", result),
	)

	m.attempts.Add(ctx, 1, attrs)
	m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
}
