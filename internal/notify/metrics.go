package notify

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type hubMetrics struct {
	delivered   metric.Int64Counter
	evicted     metric.Int64Counter
	subscribers metric.Int64ObservableGauge
}

func newHubMetrics(logger pslog.Logger, h *Hub) *hubMetrics {
	meter := otel.Meter("pkt.systems/pkgd/notify")
	m := &hubMetrics{}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
		}
	}
	var err error
	m.delivered, err = meter.Int64Counter("pkgd.notify.delivered",
		metric.WithDescription("Events handed to in-process subscribers"))
	warn("pkgd.notify.delivered", err)
	m.evicted, err = meter.Int64Counter("pkgd.notify.evicted",
		metric.WithDescription("Subscribers dropped for falling behind"))
	warn("pkgd.notify.evicted", err)
	m.subscribers, err = meter.Int64ObservableGauge("pkgd.notify.subscribers",
		metric.WithDescription("Registered subscribers"))
	warn("pkgd.notify.subscribers", err)
	if m.subscribers != nil {
		_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.subscribers, int64(h.Subscribers()))
			return nil
		}, m.subscribers)
		if err != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "pkgd.notify.subscribers", "error", err)
		}
	}
	return m
}

func (m *hubMetrics) published(delivered, evicted int) {
	ctx := context.Background()
	if m.delivered != nil && delivered > 0 {
		m.delivered.Add(ctx, int64(delivered))
	}
	if m.evicted != nil && evicted > 0 {
		m.evicted.Add(ctx, int64(evicted))
	}
}
