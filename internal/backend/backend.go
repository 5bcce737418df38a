// Package backend defines the contract between pkgd and the package manager
// that actually performs transactions.
//
// Implementations are not required to be safe for concurrent mutating calls;
// pkgd serializes every call through the dblock execution gate.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned by Ready when the backend cannot run.
var ErrUnavailable = errors.New("backend: unavailable")

// Backend performs package operations.
type Backend interface {
	Refresh(ctx context.Context) error
	Install(ctx context.Context, names []string) error
	Remove(ctx context.Context, names []string) error
	SystemUpgrade(ctx context.Context) error
	CheckUpdates(ctx context.Context) ([]Update, error)
	IsInstalled(ctx context.Context, name string) (bool, error)
	PackageExists(ctx context.Context, name string) (bool, error)
	Ready(ctx context.Context) error
	Close() error
}

// Update describes one package with a newer version available.
type Update struct {
	Name      string
	Current   string
	Available string
}

// ExecError reports a package manager invocation that exited non-zero.
type ExecError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *ExecError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: exit status %d", strings.Join(e.Args, " "), e.ExitCode)
	if msg := strings.TrimSpace(e.Stderr); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	return b.String()
}

// ExitCode returns the exit status carried by err, or -1.
func ExitCode(err error) int {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.ExitCode
	}
	return -1
}
