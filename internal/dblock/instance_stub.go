//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package dblock

import "errors"

// ErrInstanceRunning is returned when another pkgd holds the instance lock.
var ErrInstanceRunning = errors.New("dblock: another pkgd instance is running")

// InstanceLock is a no-op outside unix.
type InstanceLock struct{}

// AcquireInstance always succeeds outside unix.
func AcquireInstance(string) (*InstanceLock, error) { return &InstanceLock{}, nil }

// Release is a no-op.
func (*InstanceLock) Release() error { return nil }
