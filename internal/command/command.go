// Package command defines the unit of work pkgd queues and the event it
// produces when finished.
package command

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"pkt.systems/pkgd/internal/peercred"
)

// Kind names a privileged package operation.
type Kind string

const (
	Refresh       Kind = "refresh"
	Install       Kind = "install"
	Remove        Kind = "remove"
	InstallMany   Kind = "install_many"
	SystemUpgrade Kind = "system_upgrade"
)

// Kinds lists every valid Kind.
var Kinds = []Kind{Refresh, Install, Remove, InstallMany, SystemUpgrade}

// ParseKind maps a wire name to a Kind. "install_packages" is accepted as an
// alias of install_many.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "install_packages" {
		return InstallMany, nil
	}
	k := Kind(s)
	if slices.Contains(Kinds, k) {
		return k, nil
	}
	return "", fmt.Errorf("command: unknown kind %q", s)
}

// Outcome is the result recorded in a CompletionEvent.
type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

// ErrInvalid marks a request whose package list does not fit its kind.
var ErrInvalid = errors.New("command: invalid request")

var packageName = regexp.MustCompile(`^[a-zA-Z0-9@._+][a-zA-Z0-9@._+-]*$`)

// Command is an admitted request. It is not modified after New returns.
type Command struct {
	ID          string
	Kind        Kind
	Packages    []string
	SubmittedAt time.Time
	Caller      peercred.Caller
}

// New validates packages against kind and builds a Command. The package list
// is copied with names trimmed, in the order submitted.
func New(id string, kind Kind, packages []string, caller peercred.Caller, now time.Time) (Command, error) {
	pkgs, err := Normalize(kind, packages)
	if err != nil {
		return Command{}, err
	}
	return Command{
		ID:          id,
		Kind:        kind,
		Packages:    pkgs,
		SubmittedAt: now,
		Caller:      caller,
	}, nil
}

// Normalize checks the package list shape for kind and returns a trimmed
// copy. Repeated names are kept; Targets collapses them.
func Normalize(kind Kind, packages []string) ([]string, error) {
	switch kind {
	case Refresh, SystemUpgrade:
		if len(packages) != 0 {
			return nil, fmt.Errorf("%w: %s takes no packages", ErrInvalid, kind)
		}
		return nil, nil
	case Install, Remove:
		if len(packages) != 1 {
			return nil, fmt.Errorf("%w: %s takes exactly one package", ErrInvalid, kind)
		}
	case InstallMany:
		if len(packages) == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one package", ErrInvalid, kind)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	out := make([]string, 0, len(packages))
	for _, name := range packages {
		name = strings.TrimSpace(name)
		if err := ValidatePackageName(name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

// Targets returns the names handed to the backend: Packages with repeats
// dropped, first-seen order kept.
func (c Command) Targets() []string {
	if len(c.Packages) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Packages))
	seen := make(map[string]struct{}, len(c.Packages))
	for _, name := range c.Packages {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// ValidatePackageName rejects empty names and anything that could be read as
// a backend option.
func ValidatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty package name", ErrInvalid)
	}
	if len(name) > 256 || !packageName.MatchString(name) {
		return fmt.Errorf("%w: bad package name %q", ErrInvalid, name)
	}
	return nil
}

// CompletionEvent reports the end of one command. Exactly one is produced per
// admitted command.
type CompletionEvent struct {
	ID         string
	Kind       Kind
	Packages   []string
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Finished builds the event for cmd. A nil err yields Success. The event
// carries the package list as submitted.
func Finished(cmd Command, started, finished time.Time, err error) CompletionEvent {
	ev := CompletionEvent{
		ID:         cmd.ID,
		Kind:       cmd.Kind,
		Packages:   slices.Clone(cmd.Packages),
		Outcome:    Success,
		StartedAt:  started,
		FinishedAt: finished,
	}
	if err != nil {
		ev.Outcome = Failure
		ev.Error = err.Error()
	}
	return ev
}
