// Package worker runs admitted commands one at a time against the backend.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/clock"
	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pkgd/internal/correlation"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pkgd/internal/queue"
	"pkt.systems/pslog"
)

// Publisher receives one event per executed command.
type Publisher interface {
	Publish(ctx context.Context, ev command.CompletionEvent)
}

// Config wires a Worker.
type Config struct {
	Queue       *queue.Queue
	Backend     backend.Backend
	Coordinator *dblock.Coordinator
	Publisher   Publisher
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Worker is the single consumer of the command queue.
type Worker struct {
	queue   *queue.Queue
	backend backend.Backend
	coord   *dblock.Coordinator
	pub     Publisher
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer

	duration  metric.Float64Histogram
	completed metric.Int64Counter
}

// New validates cfg and returns a Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil || cfg.Backend == nil || cfg.Coordinator == nil || cfg.Publisher == nil {
		return nil, errors.New("worker: queue, backend, coordinator and publisher are required")
	}
	w := &Worker{
		queue:   cfg.Queue,
		backend: cfg.Backend,
		coord:   cfg.Coordinator,
		pub:     cfg.Publisher,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logutil.WithSubsystem(cfg.Logger, "worker"),
		tracer:  otel.Tracer("pkt.systems/pkgd/worker"),
	}
	meter := otel.Meter("pkt.systems/pkgd/worker")
	var err error
	if w.duration, err = meter.Float64Histogram("pkgd.command.duration",
		metric.WithDescription("Time from dequeue to completion"),
		metric.WithUnit("s")); err != nil {
		w.logger.Warn("telemetry.metric.init_failed", "name", "pkgd.command.duration", "error", err)
	}
	if w.completed, err = meter.Int64Counter("pkgd.command.completed",
		metric.WithDescription("Commands completed by kind and outcome")); err != nil {
		w.logger.Warn("telemetry.metric.init_failed", "name", "pkgd.command.completed", "error", err)
	}
	return w, nil
}

// Run executes commands in queue order until ctx ends or the queue is closed
// and drained. The command in flight when ctx ends still completes and
// publishes its event; anything left queued is dropped.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker.start")
	for {
		if err := ctx.Err(); err != nil {
			w.dropQueued(err)
			return nil
		}
		cmd, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				w.logger.Info("worker.stop", "reason", "queue closed")
				return nil
			}
			w.dropQueued(err)
			return nil
		}
		w.Execute(context.WithoutCancel(ctx), cmd)
	}
}

func (w *Worker) dropQueued(reason error) {
	for _, c := range w.queue.Drain() {
		w.logger.Warn("worker.command.dropped", "id", c.ID, "kind", c.Kind)
	}
	w.logger.Info("worker.stop", "reason", reason)
}

// Execute runs one command through the coordinator and backend and publishes
// its event. It never panics and always publishes exactly once.
func (w *Worker) Execute(ctx context.Context, cmd command.Command) {
	ctx = correlation.WithID(ctx, cmd.ID)
	logger := w.logger.With("id", cmd.ID, "kind", cmd.Kind)
	ctx = pslog.ContextWithLogger(ctx, logger)
	ctx, span := w.tracer.Start(ctx, "pkgd.command."+string(cmd.Kind), trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("pkgd.correlation_id", cmd.ID),
		attribute.String("pkgd.kind", string(cmd.Kind)),
		attribute.StringSlice("pkgd.packages", cmd.Packages),
	)

	started := w.clock.Now()
	logger.Info("worker.command.begin", "packages", cmd.Packages, "queued_for", started.Sub(cmd.SubmittedAt))
	err := w.coord.Do(ctx, string(cmd.Kind), func(ctx context.Context) error {
		return w.dispatch(ctx, cmd)
	})
	finished := w.clock.Now()

	ev := command.Finished(cmd, started, finished, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "command_failed")
		logger.Warn("worker.command.failed", "packages", cmd.Packages, "error", err, "elapsed", finished.Sub(started))
	} else {
		span.SetStatus(codes.Ok, "")
		logger.Info("worker.command.finished", "packages", cmd.Packages, "elapsed", finished.Sub(started))
	}
	span.End()
	w.record(ctx, ev)
	w.pub.Publish(ctx, ev)
}

func (w *Worker) dispatch(ctx context.Context, cmd command.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: backend panic: %v", r)
		}
	}()
	switch cmd.Kind {
	case command.Refresh:
		return w.backend.Refresh(ctx)
	case command.Install, command.InstallMany:
		return w.backend.Install(ctx, cmd.Targets())
	case command.Remove:
		return w.backend.Remove(ctx, cmd.Targets())
	case command.SystemUpgrade:
		return w.backend.SystemUpgrade(ctx)
	default:
		return fmt.Errorf("worker: unknown command kind %q", cmd.Kind)
	}
}

func (w *Worker) record(ctx context.Context, ev command.CompletionEvent) {
	attrs := metric.WithAttributes(
		attribute.String("pkgd.kind", string(ev.Kind)),
		attribute.String("pkgd.outcome", string(ev.Outcome)),
	)
	if w.duration != nil {
		w.duration.Record(ctx, ev.FinishedAt.Sub(ev.StartedAt).Seconds(), attrs)
	}
	if w.completed != nil {
		w.completed.Add(ctx, 1, attrs)
	}
}
