// Package dblock coordinates pkgd's access to the package database with any
// other package tool on the host.
//
// The package manager signals an in-progress transaction by creating a
// marker file (db.lck). pkgd never creates or removes that marker: before
// each backend call it waits for the marker to be absent, and it serializes
// its own backend calls behind an in-process gate.
package dblock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"pkt.systems/pkgd/internal/clock"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

const (
	// DefaultMarkerPath is the marker pacman holds during a transaction.
	DefaultMarkerPath = "/var/lib/pacman/db.lck"
	// DefaultDelay is the pause between marker checks.
	DefaultDelay = time.Second
	// DefaultTimeout bounds the total wait for the marker to disappear.
	DefaultTimeout = 10 * time.Second
)

// ErrLockTimeout is returned when the marker outlives the wait timeout.
var ErrLockTimeout = errors.New("dblock: package database still locked")

// Config configures a Coordinator.
type Config struct {
	MarkerPath string
	Delay      time.Duration
	Timeout    time.Duration
	// Watch enables fsnotify wake-ups in addition to polling.
	Watch  bool
	Clock  clock.Clock
	Logger pslog.Logger
}

// Coordinator owns the execution gate and the marker pre-flight check.
type Coordinator struct {
	marker  string
	delay   time.Duration
	timeout time.Duration
	watch   bool
	clock   clock.Clock
	logger  pslog.Logger

	gate *semaphore.Weighted

	stateMu sync.Mutex
	holder  string
	since   time.Time

	m *lockMetrics
}

// New returns a Coordinator with defaults applied to zero fields.
func New(cfg Config) *Coordinator {
	c := &Coordinator{
		marker:  cfg.MarkerPath,
		delay:   cfg.Delay,
		timeout: cfg.Timeout,
		watch:   cfg.Watch,
		clock:   clock.OrReal(cfg.Clock),
		logger:  logutil.WithSubsystem(cfg.Logger, "dblock"),
		gate:    semaphore.NewWeighted(1),
	}
	if c.marker == "" {
		c.marker = DefaultMarkerPath
	}
	if c.delay <= 0 {
		c.delay = DefaultDelay
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	c.m = newLockMetrics(c.logger, c)
	return c
}

// MarkerPath returns the watched marker file.
func (c *Coordinator) MarkerPath() string { return c.marker }

// MarkerPresent reports whether the marker currently exists.
func (c *Coordinator) MarkerPresent() bool {
	_, err := os.Lstat(c.marker)
	return err == nil
}

// Wait returns nil once the marker is absent. It re-checks every Delay, and
// on filesystem events when watching is enabled, and gives up with
// ErrLockTimeout after Timeout.
func (c *Coordinator) Wait(ctx context.Context) error {
	if !c.MarkerPresent() {
		return nil
	}
	start := c.clock.Now()
	c.logger.Info("dblock.wait.begin", "marker", c.marker, "timeout", c.timeout)

	var events <-chan struct{}
	if c.watch {
		w, err := watchMarker(c.marker)
		if err != nil {
			c.logger.Debug("dblock.watch.unavailable", "marker", c.marker, "error", err)
		} else {
			defer w.Close()
			events = w.Events()
		}
	}

	deadline := c.clock.After(c.timeout)
	for {
		tick := c.clock.After(c.delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if !c.MarkerPresent() {
				return c.waited(start)
			}
			c.m.timeout()
			c.logger.Error("dblock.wait.timeout", "marker", c.marker, "timeout", c.timeout)
			return fmt.Errorf("%w: %s present after %s", ErrLockTimeout, c.marker, c.timeout)
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case <-tick:
		}
		if !c.MarkerPresent() {
			return c.waited(start)
		}
	}
}

func (c *Coordinator) waited(start time.Time) error {
	elapsed := c.clock.Now().Sub(start)
	c.logger.Info("dblock.wait.released", "marker", c.marker, "elapsed", elapsed)
	return nil
}

// Do runs fn while holding the execution gate, after the marker has cleared.
// The gate is released whatever fn returns. op labels the holder. Waiting
// for the gate ends with ctx.Err() when ctx is done first.
func (c *Coordinator) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := c.gate.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.gate.Release(1)
	c.setHolder(op)
	defer c.setHolder("")

	if err := c.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Held reports whether the gate is held and by which operation.
func (c *Coordinator) Held() (bool, string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.holder != "", c.holder
}

func (c *Coordinator) setHolder(op string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.holder = op
	if op != "" {
		c.since = c.clock.Now()
	} else {
		c.since = time.Time{}
	}
}

func (c *Coordinator) heldFor() time.Duration {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.holder == "" {
		return 0
	}
	return c.clock.Now().Sub(c.since)
}
