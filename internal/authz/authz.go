// Package authz decides whether a caller may perform a privileged pkgd
// action.
package authz

import (
	"context"
	"errors"

	"pkt.systems/pkgd/internal/peercred"
)

// Action identifiers, one per privileged operation family.
const (
	ActionRefresh = "systems.pkt.pkgd.refresh"
	ActionInstall = "systems.pkt.pkgd.install"
	ActionRemove  = "systems.pkt.pkgd.remove"
	ActionUpgrade = "systems.pkt.pkgd.upgrade"
	ActionQuery   = "systems.pkt.pkgd.query"
	ActionExit    = "systems.pkt.pkgd.exit"
)

// Actions lists every action id.
var Actions = []string{ActionRefresh, ActionInstall, ActionRemove, ActionUpgrade, ActionQuery, ActionExit}

// ErrNoDecision is returned when an oracle cannot reach a verdict, for
// example because the caller has no verifiable credentials.
var ErrNoDecision = errors.New("authz: no decision")

// Authorizer answers whether caller may perform action. interactive allows
// the oracle to prompt the user.
type Authorizer interface {
	Authorize(ctx context.Context, caller peercred.Caller, action string, interactive bool) (bool, error)
}

// Func adapts a function to Authorizer.
type Func func(ctx context.Context, caller peercred.Caller, action string, interactive bool) (bool, error)

// Authorize calls f.
func (f Func) Authorize(ctx context.Context, caller peercred.Caller, action string, interactive bool) (bool, error) {
	return f(ctx, caller, action, interactive)
}

// Static grants or refuses everything.
type Static bool

// AllowAll and DenyAll are the two Static oracles.
const (
	AllowAll Static = true
	DenyAll  Static = false
)

// Authorize returns the fixed verdict.
func (s Static) Authorize(context.Context, peercred.Caller, string, bool) (bool, error) {
	return bool(s), nil
}
