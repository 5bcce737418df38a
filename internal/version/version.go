// Package version reports the pkgd build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const fallbackModule = "pkt.systems/pkgd"

// buildVersion is injected with
// -ldflags "-X pkt.systems/pkgd/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Current returns the injected version, the module version, a pseudo
// version derived from VCS stamps, or "v0.0.0-unknown" in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "v0.0.0-unknown"
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	if v := fromVCS(info.Settings); v != "" {
		return v
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && strings.TrimSpace(info.Main.Path) != "" {
		return strings.TrimSpace(info.Main.Path)
	}
	return fallbackModule
}

func fromVCS(settings []debug.BuildSetting) string {
	vcs := make(map[string]string, len(settings))
	for _, s := range settings {
		vcs[s.Key] = s.Value
	}
	rev, stamp := vcs["vcs.revision"], vcs["vcs.time"]
	if rev == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + rev
	if vcs["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}
