package pkgd

import (
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/backend/memory"
	"pkt.systems/pkgd/internal/backend/pacman"
	"pkt.systems/pslog"
)

// OpenBackend builds a backend from its URL.
//
//	pacman:///usr/bin/pacman?dbpath=/var/lib/pacman&root=/&config=/etc/pacman.conf
//	mem://?installed=bash:5.2,vim:9.1&available=bash:5.3,vim:9.1
func OpenBackend(raw string, logger pslog.Logger) (backend.Backend, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse backend URL: %w", err)
	}
	q := u.Query()
	switch u.Scheme {
	case "pacman", "":
		binary := u.Path
		if u.Host != "" {
			return nil, fmt.Errorf("backend: pacman URL must be pacman:///path/to/pacman, got host %q", u.Host)
		}
		return pacman.New(pacman.Config{
			Binary: binary,
			DBPath: q.Get("dbpath"),
			Root:   q.Get("root"),
			Conf:   q.Get("config"),
			Logger: logger,
		}), nil
	case "mem", "memory":
		installed, err := parsePackageVersions(q.Get("installed"))
		if err != nil {
			return nil, err
		}
		available, err := parsePackageVersions(q.Get("available"))
		if err != nil {
			return nil, err
		}
		return memory.New(memory.WithInstalled(installed), memory.WithAvailable(available)), nil
	default:
		return nil, fmt.Errorf("backend: unsupported scheme %q", u.Scheme)
	}
}

// parsePackageVersions reads "name:version,name:version".
func parsePackageVersions(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, version, ok := strings.Cut(item, ":")
		if !ok || name == "" || version == "" {
			return nil, fmt.Errorf("backend: bad package spec %q (want name:version)", item)
		}
		out[name] = version
	}
	return out, nil
}
