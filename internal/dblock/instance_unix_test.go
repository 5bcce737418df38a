//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package dblock

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestInstanceLockWritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.lock")
	l, err := AcquireInstance(path)
	if err != nil {
		t.Fatalf("AcquireInstance: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("unexpected lock contents %q", data)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	again, err := AcquireInstance(path)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	_ = again.Release()
}

func TestInstanceLockConflictsWithinProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkgd.lock")
	first, err := AcquireInstance(path)
	if err != nil {
		t.Fatalf("AcquireInstance: %v", err)
	}
	defer first.Release()
	if _, err := AcquireInstance(path); !errors.Is(err, ErrInstanceRunning) {
		t.Fatalf("expected ErrInstanceRunning, got %v", err)
	}
}
