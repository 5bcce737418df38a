package pkgd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pkgd/internal/authz"
	"pkt.systems/pkgd/internal/backend"
	loggingbackend "pkt.systems/pkgd/internal/backend/logging"
	"pkt.systems/pkgd/internal/clock"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/httpapi"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pkgd/internal/notify"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pkgd/internal/queue"
	"pkt.systems/pkgd/internal/service"
	"pkt.systems/pkgd/internal/worker"
	"pkt.systems/pslog"
)

// Server wires the backend, lock coordinator, authorization gate, command
// queue, worker and notifier behind one HTTP listener.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	backend   backend.Backend
	coord     *dblock.Coordinator
	queue     *queue.Queue
	hub       *notify.Hub
	worker    *worker.Worker
	svc       *service.Service
	httpSrv   *http.Server
	telemetry *telemetry

	listener   net.Listener
	socketPath string
	instance   *dblock.InstanceLock

	workerCancel context.CancelFunc
	workerDone   chan struct{}

	mu           sync.Mutex
	shutdown     bool
	shutdownErr  error
	shutdownDone chan struct{}
	lastServeErr error
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	Backend    backend.Backend
	Authorizer authz.Authorizer
	Clock      clock.Clock
	Sinks      []notify.Sink
	sinksSet   bool
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend instead of opening Config.Backend.
// The server closes it on shutdown.
func WithBackend(b backend.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithAuthorizer replaces the authorizer selected by Config.Auth.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(o *options) {
		o.Authorizer = a
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithSinks replaces the NATS and Redis sinks built from Config.
func WithSinks(sinks ...notify.Sink) Option {
	return func(o *options) {
		o.Sinks = sinks
		o.sinksSet = true
	}
}

// NewServer constructs a pkgd server according to cfg.
//
//	cfg := pkgd.Config{Listen: "/run/pkgd.sock", Backend: "pacman:///usr/bin/pacman"}
//	srv, err := pkgd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (_ *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logutil.Ensure(o.Logger)
	serverClock := clock.OrReal(o.Clock)

	var cleanup []func()
	defer func() {
		if err != nil {
			for i := len(cleanup) - 1; i >= 0; i-- {
				cleanup[i]()
			}
		}
	}()

	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}
	if tel != nil {
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tel.Shutdown(ctx)
		})
	}

	be := o.Backend
	if be == nil {
		be, err = OpenBackend(cfg.Backend, logger)
		if err != nil {
			return nil, err
		}
	}
	cleanup = append(cleanup, func() { _ = be.Close() })
	be = loggingbackend.Wrap(be, logger)

	authorizer := o.Authorizer
	if authorizer == nil {
		authorizer, err = buildAuthorizer(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	sinks := o.Sinks
	if !o.sinksSet {
		sinks, err = buildSinks(cfg, logger)
		if err != nil {
			return nil, err
		}
		for _, sink := range sinks {
			cleanup = append(cleanup, func() { _ = sink.Close() })
		}
	}

	coord := dblock.New(dblock.Config{
		MarkerPath: cfg.LockMarker,
		Delay:      cfg.LockDelay,
		Timeout:    cfg.LockTimeout,
		Watch:      cfg.LockWatch,
		Clock:      serverClock,
		Logger:     logger,
	})
	q := queue.New(logger)
	hub := notify.NewHub(logger, sinks...)
	w, err := worker.New(worker.Config{
		Queue:       q,
		Backend:     be,
		Coordinator: coord,
		Publisher:   hub,
		Clock:       serverClock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       logutil.WithSubsystem(logger, "server"),
		backend:      be,
		coord:        coord,
		queue:        q,
		hub:          hub,
		worker:       w,
		telemetry:    tel,
		shutdownDone: make(chan struct{}),
		readyCh:      make(chan struct{}),
	}
	s.svc, err = service.New(service.Config{
		Queue:       q,
		Backend:     be,
		Coordinator: coord,
		Gate:        authz.NewGate(authorizer, cfg.AuthTimeout, logger),
		Clock:       serverClock,
		Logger:      logger,
		OnExit:      s.exitRequested,
	})
	if err != nil {
		return nil, err
	}
	handler := httpapi.New(httpapi.Config{
		Service:     s.svc,
		Hub:         hub,
		Logger:      logger,
		EventBuffer: cfg.SubscriberBuffer,
	})
	s.httpSrv = &http.Server{
		Handler:           handler.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ConnContext: s.connContext,
		ErrorLog:    log.New(logutil.Writer(logutil.WithSubsystem(logger, "api.http.server"), "http.server.error"), "", 0),
	}
	return s, nil
}

// connContext attaches the peer's kernel-verified credentials. Connections
// without credentials continue as anonymous callers.
func (s *Server) connContext(ctx context.Context, c net.Conn) context.Context {
	caller, err := peercred.FromConn(ctx, c)
	if err != nil && !errors.Is(err, peercred.ErrUnsupported) {
		s.logger.Warn("server.peercred.failed", "remote", c.RemoteAddr(), "error", err)
	}
	return peercred.NewContext(ctx, caller)
}

func buildAuthorizer(cfg Config, logger pslog.Logger) (authz.Authorizer, error) {
	polkit := &authz.Polkit{Binary: cfg.Pkcheck, Logger: logger}
	switch cfg.Auth {
	case AuthNone:
		logger.Warn("server.authz.disabled", "impact", "every caller may install and remove packages")
		return authz.AllowAll, nil
	case AuthDeny:
		return authz.DenyAll, nil
	case AuthPolicy:
		policy, err := authz.LoadPolicy(cfg.AuthPolicy)
		if err != nil {
			return nil, err
		}
		policy.Fallback = polkit
		logger.Info("server.authz.policy", "file", cfg.AuthPolicy, "rules", len(policy.Rules), "default", policy.Default)
		return policy, nil
	default:
		return polkit, nil
	}
}

func buildSinks(cfg Config, logger pslog.Logger) ([]notify.Sink, error) {
	var sinks []notify.Sink
	if cfg.NATSURL != "" {
		sink, err := notify.DialNATS(cfg.NATSURL, cfg.NATSSubject, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.RedisURL != "" {
		sink, err := notify.DialRedis(context.Background(), cfg.RedisURL, cfg.RedisChannel, logger)
		if err != nil {
			for _, s := range sinks {
				_ = s.Close()
			}
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

// Handler returns the HTTP handler so pkgd can be mounted in another mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start binds the listener, starts the worker and serves until Shutdown
// completes.
func (s *Server) Start() error {
	if s.cfg.InstanceLock != "" {
		lock, err := dblock.AcquireInstance(s.cfg.InstanceLock)
		if err != nil {
			return err
		}
		s.instance = lock
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.releaseInstance()
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		s.releaseInstance()
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
		if err := os.Chmod(s.socketPath, s.cfg.SocketMode); err != nil {
			_ = ln.Close()
			s.releaseInstance()
			return fmt.Errorf("chmod unix socket: %w", err)
		}
	}
	s.mu.Lock()
	s.listener = ln
	workerCtx, cancel := context.WithCancel(context.Background())
	s.workerCancel = cancel
	s.workerDone = make(chan struct{})
	s.mu.Unlock()
	go func() {
		defer close(s.workerDone)
		if err := s.worker.Run(workerCtx); err != nil {
			s.logger.Error("server.worker.failed", "error", err)
		}
	}()

	s.signalReady()
	s.logger.Info("listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"backend", s.cfg.Backend,
		"auth", s.cfg.Auth,
		"lock_marker", s.cfg.LockMarker,
	)
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		<-s.shutdownDone
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// exitRequested runs when an authorized caller invokes exit.
func (s *Server) exitRequested() {
	s.logger.Info("server.exit.requested")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("server.shutdown.failed", "error", err)
	}
}

// Shutdown stops accepting submissions, drains HTTP, lets the in-flight
// command finish, drops queued commands and releases every resource.
// Concurrent callers wait for the first shutdown and share its result.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		select {
		case <-s.shutdownDone:
			return s.shutdownErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.shutdown = true
	s.mu.Unlock()

	err := s.doShutdown(ctx)
	s.shutdownErr = err
	close(s.shutdownDone)
	return err
}

func (s *Server) doShutdown(ctx context.Context) error {
	begin := time.Now()
	s.logger.Info("server.shutdown.begin", "queued", s.queue.Len())
	var errs []error

	s.svc.Close()
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		_ = s.httpSrv.Close()
	}

	s.mu.Lock()
	cancel, done := s.workerCancel, s.workerDone
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			if held, op := s.coord.Held(); held {
				s.logger.Warn("server.shutdown.worker_busy", "op", op)
			}
			errs = append(errs, fmt.Errorf("worker stop: %w", ctx.Err()))
		}
	}
	s.queue.Close()

	if err := s.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notifier close: %w", err))
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("backend close: %w", err))
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.releaseInstance()
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	s.logger.Info("server.shutdown.complete", "elapsed", time.Since(begin))
	return errors.Join(errs...)
}

func (s *Server) releaseInstance() {
	if s.instance == nil {
		return
	}
	if err := s.instance.Release(); err != nil {
		s.logger.Warn("server.instance_lock.release_failed", "error", err)
	}
	s.instance = nil
}

// Close gracefully shuts the server down using the configured timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Done is closed once Shutdown has finished.
func (s *Server) Done() <-chan struct{} {
	return s.shutdownDone
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in a background goroutine and waits until it
// is ready. The returned stop function shuts it down; cancelling ctx does
// the same.
//
//	srv, stop, err := pkgd.StartServer(ctx, pkgd.Config{Listen: "/tmp/pkgd.sock", Backend: "mem://"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case <-srv.readyCh:
	case err := <-errCh:
		_ = srv.Close()
		return nil, nil, err
	case <-waitCtx.Done():
		_ = srv.Close()
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = stop(context.Background())
			case <-srv.shutdownDone:
			}
		}()
	}
	return srv, stop, nil
}
