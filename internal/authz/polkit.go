package authz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pkgd/internal/peercred"
	"pkt.systems/pslog"
)

// DefaultPkcheck is the polkit command-line checker.
const DefaultPkcheck = "/usr/bin/pkcheck"

// Polkit asks polkit through pkcheck. It needs kernel-verified caller
// credentials to name the subject process.
type Polkit struct {
	Binary string
	Logger pslog.Logger
	// StartTime resolves the subject's start time; defaults to
	// peercred.StartTime.
	StartTime func(pid int) (uint64, error)
}

// Authorize runs pkcheck for caller's process. Exit 0 grants; exits 1
// (denied), 2 (challenge) and 3 (dismissed) refuse; anything else is an
// error.
func (p *Polkit) Authorize(ctx context.Context, caller peercred.Caller, action string, interactive bool) (bool, error) {
	if !caller.Known() {
		return false, fmt.Errorf("%w: caller %s has no credentials", ErrNoDecision, caller)
	}
	startTime := p.StartTime
	if startTime == nil {
		startTime = peercred.StartTime
	}
	start, err := startTime(caller.PID)
	if err != nil {
		return false, fmt.Errorf("%w: start time of pid %d: %v", ErrNoDecision, caller.PID, err)
	}
	bin := p.Binary
	if bin == "" {
		bin = DefaultPkcheck
	}
	args := []string{
		"--action-id", action,
		"--process", strconv.Itoa(caller.PID) + "," + strconv.FormatUint(start, 10) + "," + strconv.Itoa(caller.UID),
	}
	if interactive {
		args = append(args, "--allow-user-interaction")
	}
	logger := logutil.WithSubsystem(p.Logger, "authz.polkit")
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	err = cmd.Run()
	if err == nil {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		switch code := exitErr.ExitCode(); code {
		case 1, 2, 3:
			logger.Debug("authz.polkit.refused", "action", action, "caller", caller.String(), "exit", code)
			return false, nil
		default:
			return false, fmt.Errorf("authz: pkcheck exit %d: %s", code, strings.TrimSpace(stderr.String()))
		}
	}
	return false, fmt.Errorf("authz: run pkcheck: %w", err)
}
