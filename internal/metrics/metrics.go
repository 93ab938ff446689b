// Package metrics records loyalty counters through OpenTelemetry.
//
// Instruments come from the global meter provider, which is a no-op until the
// host process installs a real one.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/Shadowskybtw/loyalty-backend"

// Recorder holds the service counters. A nil *Recorder records nothing.
type Recorder struct {
	drift     metric.Int64Counter
	minted    metric.Int64Counter
	redeemed  metric.Int64Counter
	reconcile metric.Int64Counter
}

// New creates the counters on the global meter provider.
func New() (*Recorder, error) {
	return NewWithMeter(otel.Meter(meterName))
}

func NewWithMeter(m metric.Meter) (*Recorder, error) {
	drift, err := m.Int64Counter("loyalty.drift.detected",
		metric.WithDescription("Cached progress found out of step with the event log"))
	if err != nil {
		return nil, err
	}
	minted, err := m.Int64Counter("loyalty.rewards.minted",
		metric.WithDescription("Reward tokens issued"))
	if err != nil {
		return nil, err
	}
	redeemed, err := m.Int64Counter("loyalty.rewards.redeemed",
		metric.WithDescription("Reward tokens redeemed"))
	if err != nil {
		return nil, err
	}
	reconcile, err := m.Int64Counter("loyalty.reconcile.outcomes",
		metric.WithDescription("Per-account reconciliation outcomes"))
	if err != nil {
		return nil, err
	}
	return &Recorder{drift: drift, minted: minted, redeemed: redeemed, reconcile: reconcile}, nil
}

func (r *Recorder) DriftDetected(ctx context.Context) {
	if r == nil {
		return
	}
	r.drift.Add(ctx, 1)
}

func (r *Recorder) RewardMinted(ctx context.Context) {
	if r == nil {
		return
	}
	r.minted.Add(ctx, 1)
}

func (r *Recorder) RewardRedeemed(ctx context.Context, origin string) {
	if r == nil {
		return
	}
	r.redeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", origin)))
}

func (r *Recorder) ReconcileOutcome(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.reconcile.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
