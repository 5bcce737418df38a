package authz

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pslog"
)

// DefaultTimeout bounds a single authorization, including any interactive
// prompt.
const DefaultTimeout = 60 * time.Second

// Gate wraps an Authorizer so that errors, timeouts and panics all count as
// denial.
type Gate struct {
	inner     Authorizer
	timeout   time.Duration
	logger    pslog.Logger
	decisions metric.Int64Counter
}

// NewGate wraps inner. A nil inner denies everything.
func NewGate(inner Authorizer, timeout time.Duration, logger pslog.Logger) *Gate {
	if inner == nil {
		inner = DenyAll
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	g := &Gate{
		inner:   inner,
		timeout: timeout,
		logger:  logutil.WithSubsystem(logger, "authz"),
	}
	counter, err := otel.Meter("pkt.systems/pkgd/authz").Int64Counter(
		"pkgd.authz.decisions",
		metric.WithDescription("Authorization decisions by action and result"),
	)
	if err != nil {
		g.logger.Warn("telemetry.metric.init_failed", "name", "pkgd.authz.decisions", "error", err)
	}
	g.decisions = counter
	return g
}

// Allowed reports whether caller may perform action. It never returns an
// error: anything other than an explicit grant within the timeout is a
// denial.
func (g *Gate) Allowed(ctx context.Context, caller peercred.Caller, action string, interactive bool) bool {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type verdict struct {
		ok  bool
		err error
	}
	done := make(chan verdict, 1)
	begin := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- verdict{err: fmt.Errorf("authz: oracle panic: %v", r)}
			}
		}()
		ok, err := g.inner.Authorize(ctx, caller, action, interactive)
		done <- verdict{ok: ok, err: err}
	}()

	var v verdict
	select {
	case v = <-done:
	case <-ctx.Done():
		v = verdict{err: ctx.Err()}
	}

	result := "deny"
	switch {
	case v.err != nil:
		result = "error"
		g.logger.Warn("authz.decision.error", "action", action, "caller", caller.String(), "error", v.err, "elapsed", time.Since(begin))
	case v.ok:
		result = "allow"
	}
	if g.decisions != nil {
		g.decisions.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("pkgd.action", action),
			attribute.String("pkgd.decision", result),
		))
	}
	if v.err == nil {
		g.logger.Info("authz.decision", "action", action, "caller", caller.String(), "uid", caller.UID, "result", result, "interactive", interactive)
	}
	return result == "allow"
}
