package dblock

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type lockMetrics struct {
	heldSeconds metric.Float64ObservableGauge
	timeouts    metric.Int64Counter
}

func newLockMetrics(logger pslog.Logger, c *Coordinator) *lockMetrics {
	meter := otel.Meter("pkt.systems/pkgd/dblock")
	m := &lockMetrics{}
	var err error

	m.heldSeconds, err = meter.Float64ObservableGauge(
		"pkgd.dblock.held",
		metric.WithDescription("Seconds the execution gate has been held by the current operation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "pkgd.dblock.held", "error", err)
	}
	m.timeouts, err = meter.Int64Counter(
		"pkgd.dblock.timeouts",
		metric.WithDescription("Marker waits that gave up"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "pkgd.dblock.timeouts", "error", err)
	}
	if m.heldSeconds != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveFloat64(m.heldSeconds, c.heldFor().Seconds())
			return nil
		}, m.heldSeconds); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "pkgd.dblock.held", "error", err)
		}
	}
	return m
}

func (m *lockMetrics) timeout() {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(context.Background(), 1)
}
