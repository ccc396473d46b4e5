package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the engine's instruments.
const MeterName = "github.com/roach88/receipts/engine"

// Outcome attribute values.
const (
	outcomeSuccess  = "success"
	outcomeReceived = "received_error"
	outcomeFailed   = "failed"
	outcomeAborted  = "aborted"
)

type metrics struct {
	posts         metric.Int64Counter
	finalizations metric.Int64Counter
	sweeps        metric.Int64Counter
	pruned        metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider) (*metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(MeterName)

	m := &metrics{}
	var err error
	if m.posts, err = meter.Int64Counter("receipts.posts",
		metric.WithDescription("Receipt posts by outcome"),
	); err != nil {
		return nil, fmt.Errorf("create posts counter: %w", err)
	}
	if m.finalizations, err = meter.Int64Counter("receipts.finalizations",
		metric.WithDescription("Store finalize calls by decision and outcome"),
	); err != nil {
		return nil, fmt.Errorf("create finalizations counter: %w", err)
	}
	if m.sweeps, err = meter.Int64Counter("receipts.sweeps",
		metric.WithDescription("Reconciliation sweeps by outcome"),
	); err != nil {
		return nil, fmt.Errorf("create sweeps counter: %w", err)
	}
	if m.pruned, err = meter.Int64Counter("receipts.sent_tokens.pruned",
		metric.WithDescription("Sent token hashes removed by sweeps"),
	); err != nil {
		return nil, fmt.Errorf("create pruned counter: %w", err)
	}
	return m, nil
}

func (m *metrics) post(ctx context.Context, outcome string) {
	m.posts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) finalize(ctx context.Context, decision, outcome string) {
	m.finalizations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) sweep(ctx context.Context, outcome string) {
	m.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) prune(ctx context.Context, n int) {
	if n > 0 {
		m.pruned.Add(ctx, int64(n))
	}
}
