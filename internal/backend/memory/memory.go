// Package memory provides an in-process Backend for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"pkt.systems/pkgd/internal/backend"
)

// Hook runs at the start of every mutating call. A non-nil error fails the
// call before any state changes.
type Hook func(ctx context.Context, op string, names []string) error

// Call records one backend invocation.
type Call struct {
	Op    string
	Names []string
}

// Backend keeps installed and repository package sets in memory.
type Backend struct {
	mu        sync.Mutex
	installed map[string]string
	available map[string]string
	calls     []Call
	hook      Hook
	readyErr  error
	closed    bool

	active atomic.Int32
	peak   atomic.Int32
}

// Option configures a Backend.
type Option func(*Backend)

// WithInstalled seeds installed packages (name to version).
func WithInstalled(pkgs map[string]string) Option {
	return func(b *Backend) { maps.Copy(b.installed, pkgs) }
}

// WithAvailable seeds repository packages (name to version).
func WithAvailable(pkgs map[string]string) Option {
	return func(b *Backend) { maps.Copy(b.available, pkgs) }
}

// WithHook installs h.
func WithHook(h Hook) Option {
	return func(b *Backend) { b.hook = h }
}

// New returns an empty Backend with opts applied.
func New(opts ...Option) *Backend {
	b := &Backend{
		installed: make(map[string]string),
		available: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ backend.Backend = (*Backend)(nil)

// SetHook replaces the mutating-call hook.
func (b *Backend) SetHook(h Hook) {
	b.mu.Lock()
	b.hook = h
	b.mu.Unlock()
}

// SetReady makes Ready return err.
func (b *Backend) SetReady(err error) {
	b.mu.Lock()
	b.readyErr = err
	b.mu.Unlock()
}

// Publish adds or bumps a repository package.
func (b *Backend) Publish(name, version string) {
	b.mu.Lock()
	b.available[name] = version
	b.mu.Unlock()
}

// Calls returns every recorded invocation in order.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// PeakConcurrency is the highest number of overlapping calls seen. Mutating
// calls and the package queries all count; Ready does not.
func (b *Backend) PeakConcurrency() int {
	return int(b.peak.Load())
}

// Installed returns the installed set.
func (b *Backend) Installed() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.installed)
}

// track counts the caller as active until the returned func runs.
func (b *Backend) track() func() {
	n := b.active.Add(1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return func() { b.active.Add(-1) }
}

func (b *Backend) enter(ctx context.Context, op string, names []string) (func(), error) {
	leave := b.track()

	b.mu.Lock()
	b.calls = append(b.calls, Call{Op: op, Names: slices.Clone(names)})
	hook, closed := b.hook, b.closed
	b.mu.Unlock()

	if closed {
		leave()
		return nil, fmt.Errorf("memory: %s: backend closed", op)
	}
	if hook != nil {
		defer func() {
			if r := recover(); r != nil {
				leave()
				panic(r)
			}
		}()
		if err := hook(ctx, op, names); err != nil {
			leave()
			return nil, err
		}
	}
	return leave, nil
}

// Refresh only records the call.
func (b *Backend) Refresh(ctx context.Context) error {
	leave, err := b.enter(ctx, "refresh", nil)
	if err != nil {
		return err
	}
	defer leave()
	return nil
}

// Install installs every name from the repository set. Unknown names fail
// the whole call.
func (b *Backend) Install(ctx context.Context, names []string) error {
	leave, err := b.enter(ctx, "install", names)
	if err != nil {
		return err
	}
	defer leave()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		if _, ok := b.available[name]; !ok {
			return fmt.Errorf("memory: target not found: %s", name)
		}
	}
	for _, name := range names {
		b.installed[name] = b.available[name]
	}
	return nil
}

// Remove uninstalls every name. Names that are not installed fail the call.
func (b *Backend) Remove(ctx context.Context, names []string) error {
	leave, err := b.enter(ctx, "remove", names)
	if err != nil {
		return err
	}
	defer leave()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range names {
		if _, ok := b.installed[name]; !ok {
			return fmt.Errorf("memory: target not found: %s", name)
		}
	}
	for _, name := range names {
		delete(b.installed, name)
	}
	return nil
}

// SystemUpgrade moves every installed package to its repository version.
func (b *Backend) SystemUpgrade(ctx context.Context) error {
	leave, err := b.enter(ctx, "system_upgrade", nil)
	if err != nil {
		return err
	}
	defer leave()
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, cur := range b.installed {
		if avail, ok := b.available[name]; ok && avail != cur {
			b.installed[name] = avail
		}
	}
	return nil
}

// CheckUpdates lists installed packages whose repository version differs,
// sorted by name.
func (b *Backend) CheckUpdates(context.Context) ([]backend.Update, error) {
	defer b.track()()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []backend.Update
	for _, name := range slices.Sorted(maps.Keys(b.installed)) {
		cur := b.installed[name]
		if avail, ok := b.available[name]; ok && avail != cur {
			out = append(out, backend.Update{Name: name, Current: cur, Available: avail})
		}
	}
	return out, nil
}

// IsInstalled reports membership of the installed set.
func (b *Backend) IsInstalled(_ context.Context, name string) (bool, error) {
	defer b.track()()
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.installed[name]
	return ok, nil
}

// PackageExists reports membership of the repository set.
func (b *Backend) PackageExists(_ context.Context, name string) (bool, error) {
	defer b.track()()
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.available[name]
	return ok, nil
}

// Ready returns the error set with SetReady, or ErrUnavailable once closed.
func (b *Backend) Ready(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrUnavailable
	}
	return b.readyErr
}

// Close marks the backend closed.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
