package pkgd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"pkt.systems/pkgd/api"
	"pkt.systems/pkgd/client"
	"pkt.systems/pkgd/internal/authz"
	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/backend/memory"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/peercred"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "pkgd-server")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return Config{
		Listen:          filepath.Join(dir, "pkgd.sock"),
		Backend:         "mem://?installed=bash:5.2&available=vim:9.1,git:2.45",
		LockMarker:      filepath.Join(dir, "db.lck"),
		Auth:            AuthNone,
		InstanceLock:    filepath.Join(dir, "pkgd.lock"),
		ShutdownTimeout: 5 * time.Second,
	}
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *client.Client, func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("StartServer: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	cli, err := client.New("unix://" + cfg.Listen)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	return srv, cli, stop
}

func TestServerInstallAndWait(t *testing.T) {
	cfg := testConfig(t)
	_, cli, _ := startTestServer(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ev, err := cli.SubmitAndWait(ctx, func(ctx context.Context) (string, error) {
		return cli.InstallPackage(ctx, "vim")
	})
	if err != nil {
		t.Fatalf("SubmitAndWait: %v", err)
	}
	if !ev.Succeeded() || ev.Kind != api.KindInstall {
		t.Fatalf("unexpected event %+v", ev)
	}
	installed, err := cli.IsPackageInstalled(ctx, "vim")
	if err != nil {
		t.Fatalf("IsPackageInstalled: %v", err)
	}
	if !installed {
		t.Fatalf("expected vim to be installed")
	}
	ready, err := cli.IsBackendReady(ctx)
	if err != nil || !ready {
		t.Fatalf("IsBackendReady = %v, %v", ready, err)
	}
}

func TestServerSocketMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.SocketMode = 0o660
	startTestServer(t, cfg)
	info, err := os.Stat(cfg.Listen)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatalf("expected a socket, got %v", info.Mode())
	}
	if perm := info.Mode().Perm(); perm != 0o660 {
		t.Fatalf("socket mode = %o, want 660", perm)
	}
}

func TestServerRemovesStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Listen, nil, 0o600); err != nil {
		t.Fatalf("write stale socket: %v", err)
	}
	srv, _, _ := startTestServer(t, cfg)
	if srv.ListenerAddr() == nil {
		t.Fatalf("expected listener address")
	}
}

func TestServerExitShutsDown(t *testing.T) {
	cfg := testConfig(t)
	srv, cli, _ := startTestServer(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := cli.Exit(ctx); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	select {
	case <-srv.Done():
	case <-ctx.Done():
		t.Fatalf("server did not shut down after exit")
	}
	if _, err := os.Stat(cfg.Listen); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected socket removed, stat err=%v", err)
	}
	if _, err := cli.IsBackendReady(ctx); err == nil {
		t.Fatalf("expected request to fail after shutdown")
	}
}

func TestServerExitDeniedKeepsRunning(t *testing.T) {
	cfg := testConfig(t)
	srv, cli, _ := startTestServer(t, cfg, WithAuthorizer(authz.DenyAll))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := cli.Exit(ctx)
	if client.Code(err) != "forbidden" {
		t.Fatalf("expected forbidden, got %v", err)
	}
	select {
	case <-srv.Done():
		t.Fatalf("denied exit must not stop the server")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerInstanceLockConflict(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("instance lock is only enforced on linux")
	}
	cfg := testConfig(t)
	held, err := dblock.AcquireInstance(cfg.InstanceLock)
	if err != nil {
		t.Fatalf("AcquireInstance: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = StartServer(ctx, cfg)
	if !errors.Is(err, dblock.ErrInstanceRunning) {
		t.Fatalf("expected ErrInstanceRunning, got %v", err)
	}
}

func TestServerCallerFromSocket(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("peer credentials are read on linux only")
	}
	cfg := testConfig(t)
	seen := make(chan peercred.Caller, 4)
	oracle := authz.Func(func(_ context.Context, c peercred.Caller, _ string, _ bool) (bool, error) {
		select {
		case seen <- c:
		default:
		}
		return true, nil
	})
	_, cli, _ := startTestServer(t, cfg, WithAuthorizer(oracle))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	c := <-seen
	if !c.Known() {
		t.Fatalf("expected kernel-verified caller, got %+v", c)
	}
	if c.PID != os.Getpid() || c.UID != os.Getuid() {
		t.Fatalf("caller pid/uid = %d/%d, want %d/%d", c.PID, c.UID, os.Getpid(), os.Getuid())
	}
}

func TestServerInjectedBackendClosedOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	b := memory.New()
	_, cli, stop := startTestServer(t, cfg, WithBackend(b))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.IsBackendReady(ctx); err != nil {
		t.Fatalf("IsBackendReady: %v", err)
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := b.Ready(ctx); !errors.Is(err, backend.ErrUnavailable) {
		t.Fatalf("expected closed backend, got %v", err)
	}
}

func TestNewServerRejectsBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backend = "apt:///usr/bin/apt"
	if _, err := NewServer(cfg); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
}
