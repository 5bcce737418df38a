package pkgd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pkgd/internal/authz"
	"pkt.systems/pkgd/internal/backend/pacman"
	"pkt.systems/pkgd/internal/dblock"
	"pkt.systems/pkgd/internal/notify"
)

// Authorization modes accepted by Config.Auth.
const (
	AuthPolkit = "polkit"
	AuthPolicy = "policy"
	AuthNone   = "none"
	AuthDeny   = "deny"
)

const (
	// DefaultListen is the socket pkgd serves on.
	DefaultListen = "/run/pkgd.sock"
	// DefaultListenProto is the listener network.
	DefaultListenProto = "unix"
	// DefaultSocketMode lets unprivileged callers connect; authorization
	// happens per operation.
	DefaultSocketMode os.FileMode = 0o666
	// DefaultBackend executes pacman directly.
	DefaultBackend = "pacman://" + pacman.DefaultBinary
	// DefaultLockMarker is pacman's database lock file.
	DefaultLockMarker = dblock.DefaultMarkerPath
	// DefaultLockDelay is the marker re-check interval.
	DefaultLockDelay = dblock.DefaultDelay
	// DefaultLockTimeout bounds the wait for a foreign lock holder.
	DefaultLockTimeout = dblock.DefaultTimeout
	// DefaultAuth selects polkit.
	DefaultAuth = AuthPolkit
	// DefaultAuthTimeout bounds one authorization decision, including any
	// interactive prompt.
	DefaultAuthTimeout = authz.DefaultTimeout
	// DefaultPkcheck is the polkit checker binary.
	DefaultPkcheck = authz.DefaultPkcheck
	// DefaultSubscriberBuffer is the per-subscriber event buffer.
	DefaultSubscriberBuffer = notify.DefaultBuffer
	// DefaultShutdownTimeout caps a graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultInstanceLock is the lock file that keeps a second daemon out.
	DefaultInstanceLock = "/run/pkgd.lock"
	// DefaultConfigFileName is searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the daemon configuration.
type Config struct {
	Listen      string
	ListenProto string
	// SocketMode is applied to a unix socket after bind.
	SocketMode os.FileMode

	// Backend is a URL: pacman:///usr/bin/pacman?dbpath=...&root=...&config=...
	// or mem:// for a development backend.
	Backend string

	LockMarker  string
	LockDelay   time.Duration
	LockTimeout time.Duration
	// LockWatch adds fsnotify wake-ups to the marker poll.
	LockWatch bool

	Auth        string
	AuthPolicy  string
	AuthTimeout time.Duration
	Pkcheck     string

	NATSURL      string
	NATSSubject  string
	RedisURL     string
	RedisChannel string

	SubscriberBuffer int

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ShutdownTimeout time.Duration
	// InstanceLock is held for the daemon's lifetime. Empty disables it.
	InstanceLock string
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if c.SocketMode == 0 {
		c.SocketMode = DefaultSocketMode
	}
	if c.SocketMode&^os.ModePerm != 0 {
		return fmt.Errorf("config: socket mode %#o has non-permission bits", c.SocketMode)
	}
	if strings.TrimSpace(c.Backend) == "" {
		c.Backend = DefaultBackend
	}
	if c.LockMarker == "" {
		c.LockMarker = DefaultLockMarker
	}
	if c.LockDelay == 0 {
		c.LockDelay = DefaultLockDelay
	} else if c.LockDelay < 0 {
		return fmt.Errorf("config: lock delay must be > 0")
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	} else if c.LockTimeout < 0 {
		return fmt.Errorf("config: lock timeout must be > 0")
	}
	c.Auth = strings.ToLower(strings.TrimSpace(c.Auth))
	if c.Auth == "" {
		c.Auth = DefaultAuth
	}
	switch c.Auth {
	case AuthPolkit, AuthNone, AuthDeny:
	case AuthPolicy:
		if strings.TrimSpace(c.AuthPolicy) == "" {
			return fmt.Errorf("config: auth %q requires auth-policy", AuthPolicy)
		}
	default:
		return fmt.Errorf("config: auth must be one of %s, %s, %s or %s", AuthPolkit, AuthPolicy, AuthNone, AuthDeny)
	}
	if c.AuthTimeout == 0 {
		c.AuthTimeout = DefaultAuthTimeout
	} else if c.AuthTimeout < 0 {
		return fmt.Errorf("config: auth timeout must be > 0")
	}
	if c.Pkcheck == "" {
		c.Pkcheck = DefaultPkcheck
	}
	if c.NATSSubject == "" {
		c.NATSSubject = notify.DefaultNATSSubject
	}
	if c.RedisChannel == "" {
		c.RedisChannel = notify.DefaultRedisChannel
	}
	if c.SubscriberBuffer == 0 {
		c.SubscriberBuffer = DefaultSubscriberBuffer
	} else if c.SubscriberBuffer < 0 {
		return fmt.Errorf("config: subscriber buffer must be > 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	} else if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be > 0")
	}
	return nil
}

// DefaultConfigDir returns /etc/pkgd unless PKGD_CONFIG_DIR overrides it.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PKGD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	return "/etc/pkgd", nil
}
