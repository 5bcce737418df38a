//go:build linux

package peercred

import (
	"os"
	"testing"
)

func TestParseStartTime(t *testing.T) {
	stat := "1234 (my (odd) cmd) S 1 1234 1234 0 -1 4194560 100 0 0 0 5 3 0 0 20 0 1 0 987654 12345678 100"
	got, err := parseStartTime(stat)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != 987654 {
		t.Fatalf("expected 987654, got %d", got)
	}
	if _, err := parseStartTime("garbage"); err == nil {
		t.Fatal("expected error for malformed stat")
	}
}

func TestStartTimeSelf(t *testing.T) {
	if _, err := StartTime(os.Getpid()); err != nil {
		t.Fatalf("StartTime(self): %v", err)
	}
}
