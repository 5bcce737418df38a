package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pkgd/internal/authz"
	"pkt.systems/pkgd/internal/backend/memory"
	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pkgd/internal/correlation"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pkgd/internal/queue"
)

var alice = peercred.Caller{UID: 1000, GID: 1000, PID: 4242, User: "alice"}

type fixture struct {
	svc    *Service
	q      *queue.Queue
	b      *memory.Backend
	coord  *dblock.Coordinator
	marker string
	exits  chan struct{}
}

func newFixture(t *testing.T, oracle authz.Authorizer) *fixture {
	t.Helper()
	f := &fixture{
		q:      queue.New(nil),
		b:      memory.New(memory.WithInstalled(map[string]string{"bash": "5.2"}), memory.WithAvailable(map[string]string{"bash": "5.3", "vim": "9.1"})),
		marker: filepath.Join(t.TempDir(), "db.lck"),
		exits:  make(chan struct{}, 4),
	}
	f.coord = dblock.New(dblock.Config{MarkerPath: f.marker, Delay: 5 * time.Millisecond, Timeout: 40 * time.Millisecond})
	svc, err := New(Config{
		Queue:       f.q,
		Backend:     f.b,
		Coordinator: f.coord,
		Gate:        authz.NewGate(oracle, time.Second, nil),
		OnExit:      func() { f.exits <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func TestSubmitEnqueuesWithFreshIDs(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	ctx := context.Background()
	ids := map[string]bool{}
	submit := []func() (string, error){
		func() (string, error) { return f.svc.Refresh(ctx, alice) },
		func() (string, error) { return f.svc.InstallPackage(ctx, alice, "vim") },
		func() (string, error) { return f.svc.InstallPackages(ctx, alice, []string{"vim", "bash", "vim"}) },
		func() (string, error) { return f.svc.RemovePackage(ctx, alice, "bash") },
		func() (string, error) { return f.svc.SystemUpgrade(ctx, alice) },
	}
	for i, fn := range submit {
		id, err := fn()
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if id == correlation.None || ids[id] {
			t.Fatalf("submit %d returned empty or duplicate id %q", i, id)
		}
		ids[id] = true
	}
	if f.q.Len() != len(submit) {
		t.Fatalf("queue length %d, want %d", f.q.Len(), len(submit))
	}
	queued := f.q.Drain()
	wantKinds := []command.Kind{command.Refresh, command.Install, command.InstallMany, command.Remove, command.SystemUpgrade}
	for i, cmd := range queued {
		if cmd.Kind != wantKinds[i] {
			t.Fatalf("position %d has kind %s, want %s", i, cmd.Kind, wantKinds[i])
		}
		if cmd.Caller.UID != alice.UID {
			t.Fatalf("caller not carried on command: %+v", cmd.Caller)
		}
	}
	if got := queued[2].Packages; len(got) != 3 || got[0] != "vim" || got[1] != "bash" || got[2] != "vim" {
		t.Fatalf("install_many should keep the submitted list: %v", got)
	}
	if got := queued[2].Targets(); len(got) != 2 || got[0] != "vim" || got[1] != "bash" {
		t.Fatalf("install_many targets not de-duplicated: %v", got)
	}
	if len(f.b.Calls()) != 0 {
		t.Fatal("submission must not call the backend")
	}
}

func TestDeniedSubmissionNeverEnqueues(t *testing.T) {
	f := newFixture(t, authz.DenyAll)
	id, err := f.svc.InstallPackage(context.Background(), alice, "vim")
	if !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if id != correlation.None {
		t.Fatalf("expected empty id, got %q", id)
	}
	if f.q.Len() != 0 {
		t.Fatal("denied submission was enqueued")
	}
}

func TestInvalidSubmissionNeverEnqueues(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	ctx := context.Background()
	cases := map[string]func() (string, error){
		"empty name":      func() (string, error) { return f.svc.InstallPackage(ctx, alice, "") },
		"option name":     func() (string, error) { return f.svc.RemovePackage(ctx, alice, "--cascade") },
		"empty list":      func() (string, error) { return f.svc.InstallPackages(ctx, alice, nil) },
		"bad list member": func() (string, error) { return f.svc.InstallPackages(ctx, alice, []string{"vim", "a b"}) },
	}
	for name, fn := range cases {
		id, err := fn()
		if !errors.Is(err, ErrInvalidRequest) || !errors.Is(err, command.ErrInvalid) {
			t.Fatalf("%s: expected invalid request, got %v", name, err)
		}
		if id != correlation.None {
			t.Fatalf("%s: expected empty id, got %q", name, id)
		}
	}
	if f.q.Len() != 0 {
		t.Fatal("invalid submission was enqueued")
	}
}

func TestInteractiveFlagPerOperation(t *testing.T) {
	type seen struct {
		action      string
		interactive bool
	}
	got := make(chan seen, 8)
	f := newFixture(t, authz.Func(func(_ context.Context, _ peercred.Caller, action string, interactive bool) (bool, error) {
		got <- seen{action, interactive}
		return true, nil
	}))
	ctx := context.Background()
	if _, err := f.svc.SystemUpgrade(ctx, alice); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if s := <-got; s.action != authz.ActionUpgrade || !s.interactive {
		t.Fatalf("upgrade authorized as %+v", s)
	}
	if _, err := f.svc.CheckUpdates(ctx, alice); err != nil {
		t.Fatalf("check updates: %v", err)
	}
	if s := <-got; s.action != authz.ActionQuery || s.interactive {
		t.Fatalf("check updates authorized as %+v", s)
	}
	f.svc.IsBackendReady(ctx, alice)
	if s := <-got; s.action != authz.ActionQuery || s.interactive {
		t.Fatalf("ready authorized as %+v", s)
	}
}

func TestClosedServiceRejectsSubmissions(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	f.svc.Close()
	id, err := f.svc.Refresh(context.Background(), alice)
	if !errors.Is(err, ErrClosed) || id != correlation.None {
		t.Fatalf("expected ErrClosed and empty id, got %q %v", id, err)
	}

	g := newFixture(t, authz.AllowAll)
	g.q.Close()
	if _, err := g.svc.Refresh(context.Background(), alice); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed queue should map to ErrClosed, got %v", err)
	}
}

func TestCheckUpdates(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	updates, err := f.svc.CheckUpdates(context.Background(), alice)
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	if len(updates) != 1 || updates[0].Name != "bash" || updates[0].Current != "5.2" || updates[0].Available != "5.3" {
		t.Fatalf("unexpected updates %+v", updates)
	}

	d := newFixture(t, authz.DenyAll)
	updates, err = d.svc.CheckUpdates(context.Background(), alice)
	if !errors.Is(err, ErrDenied) || updates == nil || len(updates) != 0 {
		t.Fatalf("denied check should return an empty list and ErrDenied, got %v %v", updates, err)
	}
}

func TestQueriesHonourMarker(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	if err := os.WriteFile(f.marker, nil, 0o644); err != nil {
		t.Fatalf("marker: %v", err)
	}
	if _, err := f.svc.IsPackageInstalled(context.Background(), alice, "bash"); !errors.Is(err, dblock.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if err := os.Remove(f.marker); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	ok, err := f.svc.IsPackageInstalled(context.Background(), alice, "bash")
	if err != nil || !ok {
		t.Fatalf("bash should be installed: %v %v", ok, err)
	}
	ok, err = f.svc.PackageExists(context.Background(), alice, "vim")
	if err != nil || !ok {
		t.Fatalf("vim should exist: %v %v", ok, err)
	}
	ok, err = f.svc.PackageExists(context.Background(), alice, "emacs")
	if err != nil || ok {
		t.Fatalf("emacs should not exist: %v %v", ok, err)
	}
	if _, err := f.svc.IsPackageInstalled(context.Background(), alice, "-Rns"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestQueriesReturnWhenContextEndsDuringWrite(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.coord.Do(context.Background(), "system_upgrade", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer func() {
		close(release)
		<-done
	}()

	queries := map[string]func(context.Context) error{
		"is_installed": func(ctx context.Context) error {
			_, err := f.svc.IsPackageInstalled(ctx, alice, "bash")
			return err
		},
		"package_exists": func(ctx context.Context) error {
			_, err := f.svc.PackageExists(ctx, alice, "vim")
			return err
		},
		"check_updates": func(ctx context.Context) error {
			_, err := f.svc.CheckUpdates(ctx, alice)
			return err
		},
	}
	for name, query := range queries {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		start := time.Now()
		err := query(ctx)
		elapsed := time.Since(start)
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("%s: expected context.DeadlineExceeded, got %v", name, err)
		}
		if elapsed > time.Second {
			t.Fatalf("%s blocked %s behind the running write", name, elapsed)
		}
	}
	if calls := f.b.Calls(); len(calls) != 0 {
		t.Fatalf("backend called while the gate was held: %+v", calls)
	}
}

func TestIsBackendReady(t *testing.T) {
	f := newFixture(t, authz.AllowAll)
	if !f.svc.IsBackendReady(context.Background(), alice) {
		t.Fatal("memory backend should be ready")
	}
	f.b.SetReady(errors.New("keyring missing"))
	if f.svc.IsBackendReady(context.Background(), alice) {
		t.Fatal("backend reported not ready")
	}
	d := newFixture(t, authz.DenyAll)
	if d.svc.IsBackendReady(context.Background(), alice) {
		t.Fatal("denied caller must see false")
	}
}

func TestExit(t *testing.T) {
	d := newFixture(t, authz.DenyAll)
	if err := d.svc.Exit(context.Background(), alice); !errors.Is(err, ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	select {
	case <-d.exits:
		t.Fatal("denied exit ran the hook")
	case <-time.After(20 * time.Millisecond):
	}

	f := newFixture(t, authz.AllowAll)
	for i := 0; i < 3; i++ {
		if err := f.svc.Exit(context.Background(), alice); err != nil {
			t.Fatalf("Exit: %v", err)
		}
	}
	select {
	case <-f.exits:
	case <-time.After(time.Second):
		t.Fatal("exit hook did not run")
	}
	select {
	case <-f.exits:
		t.Fatal("exit hook ran more than once")
	case <-time.After(20 * time.Millisecond):
	}
}
