package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pkgd/internal/backend/memory"
	"pkt.systems/pkgd/internal/command"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pkgd/internal/queue"
)

type recorder struct {
	mu     sync.Mutex
	events []command.CompletionEvent
	ch     chan command.CompletionEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan command.CompletionEvent, 1024)}
}

func (r *recorder) Publish(_ context.Context, ev command.CompletionEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) next(t *testing.T) command.CompletionEvent {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}
	return command.CompletionEvent{}
}

type harness struct {
	q      *queue.Queue
	b      *memory.Backend
	rec    *recorder
	marker string
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, b *memory.Backend, coordCfg dblock.Config) *harness {
	t.Helper()
	if coordCfg.MarkerPath == "" {
		coordCfg.MarkerPath = filepath.Join(t.TempDir(), "db.lck")
	}
	h := &harness{q: queue.New(nil), b: b, rec: newRecorder(), marker: coordCfg.MarkerPath, done: make(chan error, 1)}
	w, err := New(Config{
		Queue:       h.q,
		Backend:     b,
		Coordinator: dblock.New(coordCfg),
		Publisher:   h.rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) submit(t *testing.T, id string, kind command.Kind, pkgs ...string) {
	t.Helper()
	cmd, err := command.New(id, kind, pkgs, peercred.Anonymous(""), time.Now())
	if err != nil {
		t.Fatalf("command.New: %v", err)
	}
	if err := h.q.Push(cmd); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestEventsFollowAdmissionOrderOneToOne(t *testing.T) {
	b := memory.New(memory.WithAvailable(map[string]string{"vim": "1", "git": "1"}))
	h := start(t, b, dblock.Config{})
	const n = 50
	for i := 0; i < n; i++ {
		kind := command.Refresh
		var pkgs []string
		if i%3 == 1 {
			kind, pkgs = command.Install, []string{"vim"}
		} else if i%3 == 2 {
			kind, pkgs = command.InstallMany, []string{"vim", "git"}
		}
		h.submit(t, fmt.Sprintf("cmd-%02d", i), kind, pkgs...)
	}
	for i := 0; i < n; i++ {
		ev := h.rec.next(t)
		if want := fmt.Sprintf("cmd-%02d", i); ev.ID != want {
			t.Fatalf("event %d has id %s, want %s", i, ev.ID, want)
		}
		if ev.Outcome != command.Success {
			t.Fatalf("event %s failed: %s", ev.ID, ev.Error)
		}
	}
	select {
	case ev := <-h.rec.ch:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
	if b.PeakConcurrency() != 1 {
		t.Fatalf("backend saw concurrency %d", b.PeakConcurrency())
	}
}

func TestFailureDoesNotStopLaterCommands(t *testing.T) {
	b := memory.New(memory.WithAvailable(map[string]string{"vim": "1"}))
	h := start(t, b, dblock.Config{})
	h.submit(t, "bad", command.Install, "does-not-exist")
	h.submit(t, "good", command.Install, "vim")

	bad := h.rec.next(t)
	if bad.ID != "bad" || bad.Outcome != command.Failure || !strings.Contains(bad.Error, "target not found") {
		t.Fatalf("unexpected first event %+v", bad)
	}
	good := h.rec.next(t)
	if good.ID != "good" || good.Outcome != command.Success {
		t.Fatalf("unexpected second event %+v", good)
	}
}

func TestRepeatedNamesInstalledOnceButEchoed(t *testing.T) {
	b := memory.New(memory.WithAvailable(map[string]string{"vim": "1", "git": "1"}))
	h := start(t, b, dblock.Config{})
	h.submit(t, "many", command.InstallMany, "vim", "git", "vim")

	ev := h.rec.next(t)
	if ev.Outcome != command.Success {
		t.Fatalf("install failed: %s", ev.Error)
	}
	if want := []string{"vim", "git", "vim"}; !slices.Equal(ev.Packages, want) {
		t.Fatalf("event packages %v, want submitted %v", ev.Packages, want)
	}
	calls := b.Calls()
	if len(calls) != 1 || calls[0].Op != "install" || !slices.Equal(calls[0].Names, []string{"vim", "git"}) {
		t.Fatalf("backend calls %+v", calls)
	}
}

func TestBackendPanicBecomesFailure(t *testing.T) {
	b := memory.New(memory.WithHook(func(_ context.Context, op string, _ []string) error {
		if op == "system_upgrade" {
			panic("keyring exploded")
		}
		return nil
	}))
	h := start(t, b, dblock.Config{})
	h.submit(t, "upgrade", command.SystemUpgrade)
	h.submit(t, "refresh", command.Refresh)
	if ev := h.rec.next(t); ev.Outcome != command.Failure || !strings.Contains(ev.Error, "keyring exploded") {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev := h.rec.next(t); ev.Outcome != command.Success {
		t.Fatalf("worker did not recover: %+v", ev)
	}
}

func TestMarkerDefersBackendUntilRemoved(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "db.lck")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("marker: %v", err)
	}
	b := memory.New(memory.WithAvailable(map[string]string{"vim": "1"}))
	h := start(t, b, dblock.Config{MarkerPath: marker, Delay: 10 * time.Millisecond, Timeout: 10 * time.Second})
	h.submit(t, "blocked", command.Install, "vim")

	time.Sleep(80 * time.Millisecond)
	if calls := b.Calls(); len(calls) != 0 {
		t.Fatalf("backend called while marker present: %+v", calls)
	}
	if err := os.Remove(marker); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	ev := h.rec.next(t)
	if ev.Outcome != command.Success {
		t.Fatalf("expected success after marker removal, got %+v", ev)
	}
	if len(b.Calls()) != 1 {
		t.Fatalf("expected one backend call, got %d", len(b.Calls()))
	}
}

func TestLockTimeoutFailsWithoutCallingBackend(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "db.lck")
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatalf("marker: %v", err)
	}
	b := memory.New()
	h := start(t, b, dblock.Config{MarkerPath: marker, Delay: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})
	h.submit(t, "stuck", command.Refresh)
	ev := h.rec.next(t)
	if ev.Outcome != command.Failure || !strings.Contains(ev.Error, "still locked") {
		t.Fatalf("expected lock timeout failure, got %+v", ev)
	}
	if len(b.Calls()) != 0 {
		t.Fatal("backend must not run after lock timeout")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatal("marker must be left in place")
	}
}

func TestRunStopsOnCancelAndDropsQueued(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	b := memory.New(memory.WithHook(func(context.Context, string, []string) error {
		entered <- struct{}{}
		<-release
		return nil
	}))
	h := start(t, b, dblock.Config{})
	h.submit(t, "inflight", command.Refresh)
	h.submit(t, "queued", command.Refresh)
	<-entered
	h.cancel()
	close(release)

	if ev := h.rec.next(t); ev.ID != "inflight" || ev.Outcome != command.Success {
		t.Fatalf("in-flight command should complete, got %+v", ev)
	}
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
	select {
	case ev := <-h.rec.ch:
		t.Fatalf("queued command should be dropped, got %+v", ev)
	default:
	}
	if h.q.Len() != 0 {
		t.Fatal("queue not drained")
	}
}

func TestRunReturnsWhenQueueClosed(t *testing.T) {
	h := start(t, memory.New(), dblock.Config{})
	h.q.Close()
	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		h.done <- nil
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}
