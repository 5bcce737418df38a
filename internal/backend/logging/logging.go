// Package logging decorates a backend.Backend with tracing spans and
// structured begin/end logging.
package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/correlation"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

type wrapped struct {
	inner  backend.Backend
	logger pslog.Logger
	tracer trace.Tracer
}

// Wrap returns inner instrumented with logger and the global tracer.
func Wrap(inner backend.Backend, logger pslog.Logger) backend.Backend {
	return &wrapped{
		inner:  inner,
		logger: logutil.WithSubsystem(logger, "backend"),
		tracer: otel.Tracer("pkt.systems/pkgd/backend"),
	}
}

func (w *wrapped) start(ctx context.Context, op string, names []string) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := w.tracer.Start(ctx, "pkgd.backend."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("pkgd.backend.operation", op))
	if len(names) > 0 {
		span.SetAttributes(attribute.StringSlice("pkgd.packages", names))
	}

	logger := w.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = logutil.WithSubsystem(ctxLogger, "backend")
	}
	if id := correlation.FromContext(ctx); id != "" {
		logger = logger.With("id", id)
		span.SetAttributes(attribute.String("pkgd.correlation_id", id))
	}
	logger.Debug("backend."+op+".begin", "packages", names)

	return ctx, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "backend_error")
			logger.Warn("backend."+op+".error", "packages", names, "error", err, "elapsed", elapsed)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Debug("backend."+op+".end", "elapsed", elapsed)
		}
		span.End()
	}
}

func (w *wrapped) Refresh(ctx context.Context) (err error) {
	ctx, finish := w.start(ctx, "refresh", nil)
	defer func() { finish(err) }()
	return w.inner.Refresh(ctx)
}

func (w *wrapped) Install(ctx context.Context, names []string) (err error) {
	ctx, finish := w.start(ctx, "install", names)
	defer func() { finish(err) }()
	return w.inner.Install(ctx, names)
}

func (w *wrapped) Remove(ctx context.Context, names []string) (err error) {
	ctx, finish := w.start(ctx, "remove", names)
	defer func() { finish(err) }()
	return w.inner.Remove(ctx, names)
}

func (w *wrapped) SystemUpgrade(ctx context.Context) (err error) {
	ctx, finish := w.start(ctx, "system_upgrade", nil)
	defer func() { finish(err) }()
	return w.inner.SystemUpgrade(ctx)
}

func (w *wrapped) CheckUpdates(ctx context.Context) (updates []backend.Update, err error) {
	ctx, finish := w.start(ctx, "check_updates", nil)
	defer func() { finish(err) }()
	return w.inner.CheckUpdates(ctx)
}

func (w *wrapped) IsInstalled(ctx context.Context, name string) (ok bool, err error) {
	ctx, finish := w.start(ctx, "is_installed", []string{name})
	defer func() { finish(err) }()
	return w.inner.IsInstalled(ctx, name)
}

func (w *wrapped) PackageExists(ctx context.Context, name string) (ok bool, err error) {
	ctx, finish := w.start(ctx, "package_exists", []string{name})
	defer func() { finish(err) }()
	return w.inner.PackageExists(ctx, name)
}

func (w *wrapped) Ready(ctx context.Context) error {
	return w.inner.Ready(ctx)
}

func (w *wrapped) Close() error {
	w.logger.Info("backend.close")
	return w.inner.Close()
}
