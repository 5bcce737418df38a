package dblock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pkgd/internal/clock"
)

func newMarker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db.lck")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create marker: %v", err)
	}
	return path
}

func TestWaitReturnsImmediatelyWithoutMarker(t *testing.T) {
	c := New(Config{MarkerPath: filepath.Join(t.TempDir(), "db.lck"), Clock: clock.NewManual(time.Unix(0, 0))})
	if err := c.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	if c.MarkerPath() != DefaultMarkerPath || c.delay != DefaultDelay || c.timeout != DefaultTimeout {
		t.Fatalf("defaults not applied: %+v", c)
	}
}

func TestWaitProceedsAfterMarkerRemoved(t *testing.T) {
	marker := newMarker(t)
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(Config{MarkerPath: marker, Delay: time.Second, Timeout: 10 * time.Second, Clock: clk})

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()

	if !clk.BlockUntil(2, time.Second) {
		t.Fatal("wait did not arm its timers")
	}
	clk.Advance(time.Second)
	if !clk.BlockUntil(2, time.Second) {
		t.Fatal("wait did not re-arm its poll")
	}
	select {
	case err := <-done:
		t.Fatalf("wait returned while marker present: %v", err)
	default:
	}

	if err := os.Remove(marker); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	clk.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not return within one poll interval of removal")
	}
}

func TestWaitTimesOut(t *testing.T) {
	marker := newMarker(t)
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(Config{MarkerPath: marker, Delay: time.Second, Timeout: 3 * time.Second, Clock: clk})

	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()
	if !clk.BlockUntil(2, time.Second) {
		t.Fatal("wait did not arm its timers")
	}
	clk.Advance(3 * time.Second)

	select {
	case err := <-done:
		if !errors.Is(err, ErrLockTimeout) {
			t.Fatalf("expected ErrLockTimeout, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not time out")
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("marker must never be touched: %v", err)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	marker := newMarker(t)
	c := New(Config{MarkerPath: marker, Clock: clock.NewManual(time.Unix(0, 0))})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitWakesOnWatchEvent(t *testing.T) {
	marker := newMarker(t)
	// A real clock with a long delay: only the watch can wake the waiter in time.
	c := New(Config{MarkerPath: marker, Delay: time.Minute, Timeout: time.Hour, Watch: true})
	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	if err := os.Remove(marker); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Skip("filesystem events unavailable in this environment")
	}
}

func TestDoSerializesAndReportsHolder(t *testing.T) {
	c := New(Config{MarkerPath: filepath.Join(t.TempDir(), "db.lck")})
	var active, peak int32
	run := func(op string) error {
		return c.Do(context.Background(), op, func(context.Context) error {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			if held, holder := c.Held(); !held || holder != op {
				t.Errorf("expected gate held by %s, got %v %q", op, held, holder)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		})
	}
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		op := "install"
		if i%2 == 1 {
			op = "remove"
		}
		go func() { errs <- run(op) }()
	}
	for i := 0; i < 20; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if peak != 1 {
		t.Fatalf("expected max concurrency 1, got %d", peak)
	}
	if held, _ := c.Held(); held {
		t.Fatal("gate still held after all operations")
	}
}

func TestDoSkipsFnOnTimeout(t *testing.T) {
	marker := newMarker(t)
	clk := clock.NewManual(time.Unix(0, 0))
	c := New(Config{MarkerPath: marker, Delay: time.Second, Timeout: time.Second, Clock: clk})
	called := false
	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), "refresh", func(context.Context) error {
			called = true
			return nil
		})
	}()
	clk.BlockUntil(2, time.Second)
	clk.Advance(time.Second)
	if err := <-done; !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if called {
		t.Fatal("fn ran despite lock timeout")
	}
	if held, _ := c.Held(); held {
		t.Fatal("gate not released after timeout")
	}
}

func TestDoHonoursContextWhileGateHeld(t *testing.T) {
	c := New(Config{MarkerPath: filepath.Join(t.TempDir(), "db.lck")})
	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- c.Do(context.Background(), "system_upgrade", func(context.Context) error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding
	defer func() {
		close(release)
		if err := <-done; err != nil {
			t.Errorf("holder Do: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	called := false
	err := c.Do(ctx, "is_installed", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
	if called {
		t.Fatal("fn ran without the gate")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Do returned %s after its context expired", elapsed)
	}
	if held, op := c.Held(); !held || op != "system_upgrade" {
		t.Fatalf("holder changed to %v %q", held, op)
	}
}
