//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package dblock

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrInstanceRunning is returned when another pkgd holds the instance lock.
var ErrInstanceRunning = errors.New("dblock: another pkgd instance is running")

// InstanceLock is an exclusive advisory lock on pkgd's own lock file. It
// keeps two daemons from serving the same package database.
type InstanceLock struct {
	f *os.File
}

// AcquireInstance opens path and takes a non-blocking exclusive flock on it.
// The lock belongs to the open file, so a second acquire conflicts even
// within the same process.
func AcquireInstance(path string) (*InstanceLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("dblock: open instance lock %q: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, fmt.Errorf("%w (%s)", ErrInstanceRunning, path)
		}
		return nil, fmt.Errorf("dblock: lock %q: %w", path, err)
	}
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &InstanceLock{f: f}, nil
}

// Release drops the lock. It is safe to call on nil.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
