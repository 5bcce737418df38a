package backend

import (
	"errors"
	"fmt"
	"testing"
)

func TestExecErrorMessage(t *testing.T) {
	err := &ExecError{Args: []string{"pacman", "-S", "vim"}, ExitCode: 1, Stderr: "error: target not found: vim\n"}
	want := "pacman -S vim: exit status 1: error: target not found: vim"
	if err.Error() != want {
		t.Fatalf("got %q want %q", err.Error(), want)
	}
	bare := &ExecError{Args: []string{"pacman"}, ExitCode: 2}
	if bare.Error() != "pacman: exit status 2" {
		t.Fatalf("unexpected message %q", bare.Error())
	}
}

func TestExitCode(t *testing.T) {
	wrapped := fmt.Errorf("install: %w", &ExecError{ExitCode: 7})
	if ExitCode(wrapped) != 7 {
		t.Fatalf("expected 7, got %d", ExitCode(wrapped))
	}
	if ExitCode(errors.New("plain")) != -1 {
		t.Fatal("expected -1 for non-exec error")
	}
}
