// Package service is the operation surface of pkgd. Submitting operations
// validate, authorize and enqueue a command and return its correlation id
// without waiting for the backend. Queries answer synchronously.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pkgd/internal/authz"
	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/clock"
	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pkgd/internal/correlation"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pkgd/internal/queue"
	"pkt.systems/pslog"
)

var (
	// ErrInvalidRequest wraps validation failures.
	ErrInvalidRequest = errors.New("service: invalid request")
	// ErrDenied is returned when the authorization gate refuses the caller.
	ErrDenied = errors.New("service: not authorized")
	// ErrClosed is returned for submissions after shutdown began.
	ErrClosed = errors.New("service: shutting down")
)

// Config wires a Service.
type Config struct {
	Queue       *queue.Queue
	Backend     backend.Backend
	Coordinator *dblock.Coordinator
	Gate        *authz.Gate
	Clock       clock.Clock
	Logger      pslog.Logger
	// OnExit runs in its own goroutine the first time Exit is granted.
	OnExit func()
}

// Service implements every pkgd operation.
type Service struct {
	queue   *queue.Queue
	backend backend.Backend
	coord   *dblock.Coordinator
	gate    *authz.Gate
	clock   clock.Clock
	logger  pslog.Logger

	onExit   func()
	exitOnce sync.Once
	closed   atomic.Bool

	rejected metric.Int64Counter
}

// New returns a Service. Queue, Backend, Coordinator and Gate are required.
func New(cfg Config) (*Service, error) {
	if cfg.Queue == nil || cfg.Backend == nil || cfg.Coordinator == nil || cfg.Gate == nil {
		return nil, errors.New("service: queue, backend, coordinator and gate are required")
	}
	s := &Service{
		queue:   cfg.Queue,
		backend: cfg.Backend,
		coord:   cfg.Coordinator,
		gate:    cfg.Gate,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logutil.WithSubsystem(cfg.Logger, "service"),
		onExit:  cfg.OnExit,
	}
	var err error
	s.rejected, err = otel.Meter("pkt.systems/pkgd/service").Int64Counter("pkgd.service.rejected",
		metric.WithDescription("Submissions rejected before admission"))
	if err != nil {
		s.logger.Warn("telemetry.metric.init_failed", "name", "pkgd.service.rejected", "error", err)
	}
	return s, nil
}

// Close makes every later submission fail with ErrClosed. Queries keep
// working until the backend itself is closed.
func (s *Service) Close() {
	s.closed.Store(true)
}

// Refresh asks the backend to synchronize its repository databases.
func (s *Service) Refresh(ctx context.Context, caller peercred.Caller) (string, error) {
	return s.submit(ctx, caller, command.Refresh, nil)
}

// InstallPackage installs one package.
func (s *Service) InstallPackage(ctx context.Context, caller peercred.Caller, name string) (string, error) {
	return s.submit(ctx, caller, command.Install, []string{name})
}

// InstallPackages installs several packages as one backend transaction.
func (s *Service) InstallPackages(ctx context.Context, caller peercred.Caller, names []string) (string, error) {
	return s.submit(ctx, caller, command.InstallMany, names)
}

// RemovePackage removes one package.
func (s *Service) RemovePackage(ctx context.Context, caller peercred.Caller, name string) (string, error) {
	return s.submit(ctx, caller, command.Remove, []string{name})
}

// SystemUpgrade upgrades every installed package.
func (s *Service) SystemUpgrade(ctx context.Context, caller peercred.Caller) (string, error) {
	return s.submit(ctx, caller, command.SystemUpgrade, nil)
}

func actionFor(kind command.Kind) string {
	switch kind {
	case command.Refresh:
		return authz.ActionRefresh
	case command.Install, command.InstallMany:
		return authz.ActionInstall
	case command.Remove:
		return authz.ActionRemove
	case command.SystemUpgrade:
		return authz.ActionUpgrade
	}
	return ""
}

// submit returns correlation.None together with the error for every
// rejection; nothing is enqueued in that case.
func (s *Service) submit(ctx context.Context, caller peercred.Caller, kind command.Kind, pkgs []string) (string, error) {
	logger := s.logger.With("kind", kind, "caller", caller.String())
	if s.closed.Load() {
		s.reject(ctx, kind, "shutting_down")
		return correlation.None, ErrClosed
	}
	pkgs, err := command.Normalize(kind, pkgs)
	if err != nil {
		s.reject(ctx, kind, "invalid")
		logger.Info("service.submit.invalid", "error", err)
		return correlation.None, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !s.gate.Allowed(ctx, caller, actionFor(kind), true) {
		s.reject(ctx, kind, "denied")
		logger.Warn("service.submit.denied", "packages", pkgs)
		return correlation.None, ErrDenied
	}
	id := correlation.New()
	cmd, err := command.New(id, kind, pkgs, caller, s.clock.Now())
	if err != nil {
		return correlation.None, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := s.queue.Push(cmd); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			s.reject(ctx, kind, "shutting_down")
			return correlation.None, ErrClosed
		}
		return correlation.None, err
	}
	logger.Info("service.submit.accepted", "id", id, "packages", pkgs, "queue_depth", s.queue.Len())
	return id, nil
}

func (s *Service) reject(ctx context.Context, kind command.Kind, reason string) {
	if s.rejected == nil {
		return
	}
	s.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pkgd.kind", string(kind)),
		attribute.String("pkgd.reason", reason),
	))
}

// CheckUpdates lists installed packages with a newer repository version.
// A denied caller gets an empty list and ErrDenied.
func (s *Service) CheckUpdates(ctx context.Context, caller peercred.Caller) ([]backend.Update, error) {
	if !s.gate.Allowed(ctx, caller, authz.ActionQuery, false) {
		s.logger.Warn("service.query.denied", "op", "check_updates", "caller", caller.String())
		return []backend.Update{}, ErrDenied
	}
	var updates []backend.Update
	err := s.coord.Do(ctx, "check_updates", func(ctx context.Context) error {
		var err error
		updates, err = s.backend.CheckUpdates(ctx)
		return err
	})
	if err != nil {
		return []backend.Update{}, err
	}
	if updates == nil {
		updates = []backend.Update{}
	}
	return updates, nil
}

// IsBackendReady reports whether the backend can accept work. Denied callers
// get false.
func (s *Service) IsBackendReady(ctx context.Context, caller peercred.Caller) bool {
	if !s.gate.Allowed(ctx, caller, authz.ActionQuery, false) {
		return false
	}
	if err := s.backend.Ready(ctx); err != nil {
		s.logger.Debug("service.backend.not_ready", "error", err)
		return false
	}
	return true
}

// IsPackageInstalled reports whether name is installed locally.
func (s *Service) IsPackageInstalled(ctx context.Context, _ peercred.Caller, name string) (bool, error) {
	return s.probe(ctx, "is_installed", name, s.backend.IsInstalled)
}

// PackageExists reports whether name is known to any configured repository.
func (s *Service) PackageExists(ctx context.Context, _ peercred.Caller, name string) (bool, error) {
	return s.probe(ctx, "package_exists", name, s.backend.PackageExists)
}

func (s *Service) probe(ctx context.Context, op, name string, fn func(context.Context, string) (bool, error)) (bool, error) {
	if err := command.ValidatePackageName(name); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var ok bool
	err := s.coord.Do(ctx, op, func(ctx context.Context) error {
		var err error
		ok, err = fn(ctx, name)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Exit asks the daemon to shut down. The shutdown runs asynchronously so the
// reply reaches the caller first.
func (s *Service) Exit(ctx context.Context, caller peercred.Caller) error {
	if !s.gate.Allowed(ctx, caller, authz.ActionExit, true) {
		s.logger.Warn("service.exit.denied", "caller", caller.String())
		return ErrDenied
	}
	s.logger.Info("service.exit.requested", "caller", caller.String())
	s.exitOnce.Do(func() {
		if s.onExit != nil {
			go s.onExit()
		}
	})
	return nil
}
