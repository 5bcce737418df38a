package authz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/pkgd/internal/peercred"
)

// Decision values a policy rule may carry.
const (
	DecisionAllow     = "allow"
	DecisionDeny      = "deny"
	DecisionAuthAdmin = "auth_admin"
)

// Policy is a first-match rule list loaded from YAML:
//
//	default: auth_admin
//	rules:
//	  - id: wheel-installs
//	    match:
//	      groups: [wheel]
//	      actions: ["systems.pkt.pkgd.install", "systems.pkt.pkgd.query"]
//	    decision: allow
//
// auth_admin defers to Fallback and is a denial when Fallback is nil.
type Policy struct {
	Default string       `yaml:"default"`
	Rules   []PolicyRule `yaml:"rules"`

	Fallback Authorizer `yaml:"-"`
}

// PolicyRule pairs a match with a decision.
type PolicyRule struct {
	ID       string      `yaml:"id"`
	Match    PolicyMatch `yaml:"match"`
	Decision string      `yaml:"decision"`
}

// PolicyMatch fields are ANDed; an empty field matches anything. Actions are
// path.Match globs. Callers without kernel-verified credentials never match.
type PolicyMatch struct {
	Actions []string `yaml:"actions"`
	UIDs    []int    `yaml:"uids"`
	GIDs    []int    `yaml:"gids"`
	Users   []string `yaml:"users"`
	Groups  []string `yaml:"groups"`
}

// LoadPolicy reads and parses a policy file.
func LoadPolicy(file string) (*Policy, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("authz: read policy %s: %w", file, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return nil, fmt.Errorf("authz: policy %s: %w", file, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if p.Default == "" {
		p.Default = DecisionAuthAdmin
	}
	var err error
	if p.Default, err = normalizeDecision(p.Default); err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.ID == "" {
			r.ID = fmt.Sprintf("rule-%d", i+1)
		}
		if r.Decision, err = normalizeDecision(r.Decision); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		for _, pat := range r.Match.Actions {
			if _, err := path.Match(pat, ""); err != nil {
				return nil, fmt.Errorf("rule %s: bad action pattern %q: %w", r.ID, pat, err)
			}
		}
	}
	return &p, nil
}

func normalizeDecision(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "allow", "yes":
		return DecisionAllow, nil
	case "deny", "no":
		return DecisionDeny, nil
	case "auth_admin", "auth-admin", "auth":
		return DecisionAuthAdmin, nil
	default:
		return "", fmt.Errorf("unknown decision %q", raw)
	}
}

// Evaluate returns the decision and the id of the rule that produced it
// ("default" when none matched). Root is allowed unless a rule matches it.
func (p *Policy) Evaluate(caller peercred.Caller, action string) (string, string) {
	for _, r := range p.Rules {
		if r.Match.matches(caller, action) {
			return r.Decision, r.ID
		}
	}
	if caller.Known() && caller.UID == 0 {
		return DecisionAllow, "root"
	}
	return p.Default, "default"
}

// Authorize implements Authorizer.
func (p *Policy) Authorize(ctx context.Context, caller peercred.Caller, action string, interactive bool) (bool, error) {
	decision, _ := p.Evaluate(caller, action)
	switch decision {
	case DecisionAllow:
		return true, nil
	case DecisionAuthAdmin:
		if p.Fallback == nil {
			return false, nil
		}
		return p.Fallback.Authorize(ctx, caller, action, interactive)
	default:
		return false, nil
	}
}

func (m PolicyMatch) matches(c peercred.Caller, action string) bool {
	if !c.Known() {
		return false
	}
	if len(m.Actions) > 0 && !slices.ContainsFunc(m.Actions, func(pat string) bool {
		ok, _ := path.Match(pat, action)
		return ok
	}) {
		return false
	}
	if len(m.UIDs) > 0 && !slices.Contains(m.UIDs, c.UID) {
		return false
	}
	if len(m.GIDs) > 0 && !slices.Contains(m.GIDs, c.GID) {
		return false
	}
	if len(m.Users) > 0 && !slices.Contains(m.Users, c.User) {
		return false
	}
	if len(m.Groups) > 0 && !slices.ContainsFunc(m.Groups, c.InGroup) {
		return false
	}
	return true
}
