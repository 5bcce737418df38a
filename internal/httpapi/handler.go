// Package httpapi serves the pkgd operations over HTTP, normally on a unix
// socket. Every route maps onto one service operation; completion events are
// streamed over a websocket.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/correlation"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pkgd/internal/notify"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pkgd/internal/service"
	"pkt.systems/pslog"
)

const (
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 1 << 20
)

// Service is the operation surface the handler exposes.
type Service interface {
	Refresh(ctx context.Context, caller peercred.Caller) (string, error)
	InstallPackage(ctx context.Context, caller peercred.Caller, name string) (string, error)
	InstallPackages(ctx context.Context, caller peercred.Caller, names []string) (string, error)
	RemovePackage(ctx context.Context, caller peercred.Caller, name string) (string, error)
	SystemUpgrade(ctx context.Context, caller peercred.Caller) (string, error)
	CheckUpdates(ctx context.Context, caller peercred.Caller) ([]backend.Update, error)
	IsBackendReady(ctx context.Context, caller peercred.Caller) bool
	IsPackageInstalled(ctx context.Context, caller peercred.Caller, name string) (bool, error)
	PackageExists(ctx context.Context, caller peercred.Caller, name string) (bool, error)
	Exit(ctx context.Context, caller peercred.Caller) error
}

// Config wires a Handler.
type Config struct {
	Service Service
	Hub     *notify.Hub
	Logger  pslog.Logger
	// EventBuffer is the per-websocket subscription capacity.
	EventBuffer int
	// DisableTracing skips the otelhttp wrapper.
	DisableTracing bool
}

// Handler routes HTTP requests to the service.
type Handler struct {
	svc         Service
	hub         *notify.Hub
	logger      pslog.Logger
	eventBuffer int
	tracing     bool
	tracer      trace.Tracer
}

// New returns a Handler for cfg.
func New(cfg Config) *Handler {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = notify.DefaultBuffer
	}
	return &Handler{
		svc:         cfg.Service,
		hub:         cfg.Hub,
		logger:      logutil.WithSubsystem(cfg.Logger, "api.http"),
		eventBuffer: buffer,
		tracing:     !cfg.DisableTracing,
		tracer:      otel.Tracer("pkt.systems/pkgd/httpapi"),
	}
}

// Register wires the routes under /v1.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/refresh", h.wrap("refresh", h.handleRefresh))
	mux.Handle("POST /v1/install", h.wrap("install", h.handleInstall))
	mux.Handle("POST /v1/install-many", h.wrap("install_many", h.handleInstallMany))
	mux.Handle("POST /v1/remove", h.wrap("remove", h.handleRemove))
	mux.Handle("POST /v1/upgrade", h.wrap("system_upgrade", h.handleUpgrade))
	mux.Handle("GET /v1/updates", h.wrap("check_updates", h.handleUpdates))
	mux.Handle("GET /v1/ready", h.wrap("is_backend_ready", h.handleReady))
	mux.Handle("GET /v1/installed", h.wrap("is_package_installed", h.handleInstalled))
	mux.Handle("GET /v1/exists", h.wrap("package_exists", h.handleExists))
	mux.Handle("POST /v1/exit", h.wrap("exit", h.handleExit))
	// The websocket route skips otelhttp, which cannot wrap a hijacked
	// connection for the whole stream.
	mux.Handle("GET /v1/events", h.plain("events", h.handleEvents))
}

// Mux returns a new ServeMux with every route registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// prepare attaches the request id, caller and a request-scoped logger.
func (h *Handler) prepare(operation string, w http.ResponseWriter, r *http.Request) (*http.Request, pslog.Logger) {
	reqID := strings.TrimSpace(r.Header.Get(headerRequestID))
	if _, err := xid.FromString(reqID); err != nil {
		reqID = xid.New().String()
	}
	w.Header().Set(headerRequestID, reqID)
	caller := peercred.FromContext(r.Context())
	if caller.Remote == "" {
		caller.Remote = r.RemoteAddr
	}
	logger := h.logger.With(
		"req_id", reqID,
		"op", operation,
		"caller", caller.String(),
	)
	ctx := peercred.NewContext(r.Context(), caller)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return r.WithContext(ctx), logger
}

func (h *Handler) plain(operation string, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, logger := h.prepare(operation, w, r)
		if err := fn(w, r); err != nil {
			logger.Debug("http.request.error", "error", err)
			h.handleError(r.Context(), w, err)
		}
	})
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r, logger := h.prepare(operation, w, r)
		ctx := r.Context()
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, "pkgd.op."+operation, trace.WithSpanKind(trace.SpanKindInternal))
			span.SetAttributes(
				attribute.String("pkgd.operation", operation),
				attribute.Int("pkgd.caller.uid", peercred.FromContext(ctx).UID),
			)
			defer span.End()
			r = r.WithContext(ctx)
		}
		logger.Trace("http.request.start", "method", r.Method, "path", r.URL.Path)

		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		if err := fn(w, r); err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(r.Context(), w, err)
			return
		}
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})
	if !h.tracing {
		return handler
	}
	return otelhttp.NewHandler(handler, "pkgd.http."+operation)
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func invalid(detail string) error {
	return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: detail}
}

// convertServiceError maps service sentinels onto HTTP errors. Lock
// timeouts and backend failures on queries surface as 503.
func convertServiceError(err error) error {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return httpError{Status: http.StatusBadRequest, Code: "invalid_request", Detail: err.Error()}
	case errors.Is(err, service.ErrDenied):
		return httpError{Status: http.StatusForbidden, Code: "forbidden", Detail: "not authorized"}
	case errors.Is(err, service.ErrClosed):
		return httpError{Status: http.StatusServiceUnavailable, Code: "shutting_down", Detail: "pkgd is shutting down"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return httpError{Status: http.StatusServiceUnavailable, Code: "backend_error", Detail: err.Error()}
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		err = httpError{Status: http.StatusRequestEntityTooLarge, Code: "invalid_request", Detail: "request body too large"}
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		h.writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail, ID: correlation.None})
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Debug("http.request.canceled", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{ErrorCode: "canceled", Detail: err.Error()})
		return
	}
	logger.Error("http.request.internal_error", "error", err)
	h.writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: "internal_error", Detail: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) loggerFor(r *http.Request) pslog.Logger {
	if logger := pslog.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return h.logger
}
