package queue

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pslog"
)

type queueMetrics struct {
	depth    metric.Int64ObservableGauge
	admits   metric.Int64Counter
}

func newQueueMetrics(logger pslog.Logger, q *Queue) *queueMetrics {
	meter := otel.Meter("pkt.systems/pkgd/queue")
	m := &queueMetrics{}
	var err error

	m.depth, err = meter.Int64ObservableGauge(
		"pkgd.queue.depth",
		metric.WithDescription("Commands waiting for the worker"),
	)
	logMetricInitError(logger, "pkgd.queue.depth", err)

	m.admits, err = meter.Int64Counter(
		"pkgd.queue.admitted",
		metric.WithDescription("Commands admitted to the queue"),
	)
	logMetricInitError(logger, "pkgd.queue.admitted", err)

	if m.depth != nil {
		if _, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.depth, int64(q.Len()))
			return nil
		}, m.depth); err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "pkgd.queue.depth", "error", err)
		}
	}
	return m
}

func (m *queueMetrics) admitted(kind command.Kind) {
	if m == nil || m.admits == nil {
		return
	}
	m.admits.Add(context.Background(), 1, metric.WithAttributes(attribute.String("pkgd.kind", string(kind))))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
