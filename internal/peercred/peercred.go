// Package peercred identifies the local process on the other end of a
// unix-socket connection.
package peercred

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/user"
	"strconv"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrUnsupported is returned when the connection or platform cannot report
// peer credentials.
var ErrUnsupported = errors.New("peercred: peer credentials unavailable")

// Caller describes whoever issued a request. UID, GID and PID are -1 when
// unknown.
type Caller struct {
	UID    int
	GID    int
	PID    int
	User   string
	Groups []string
	Exe    string
	Remote string
}

// Anonymous returns a caller with no credentials.
func Anonymous(remote string) Caller {
	return Caller{UID: -1, GID: -1, PID: -1, Remote: remote}
}

// Known reports whether kernel-verified credentials are present.
func (c Caller) Known() bool {
	return c.UID >= 0 && c.PID > 0
}

// InGroup reports whether the caller is a member of the named group.
func (c Caller) InGroup(name string) bool {
	for _, g := range c.Groups {
		if g == name {
			return true
		}
	}
	return false
}

func (c Caller) String() string {
	if !c.Known() {
		if c.Remote != "" {
			return "anonymous@" + c.Remote
		}
		return "anonymous"
	}
	name := c.User
	if name == "" {
		name = strconv.Itoa(c.UID)
	}
	return fmt.Sprintf("%s(pid=%d)", name, c.PID)
}

// FromConn reads the peer credentials of a unix-socket connection and
// resolves user, groups and executable. Non-unix connections yield an
// anonymous caller and ErrUnsupported.
func FromConn(ctx context.Context, conn net.Conn) (Caller, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		remote := ""
		if conn != nil && conn.RemoteAddr() != nil {
			remote = conn.RemoteAddr().String()
		}
		return Anonymous(remote), ErrUnsupported
	}
	caller, err := unixPeer(uc)
	if err != nil {
		return Anonymous(""), err
	}
	resolve(ctx, &caller)
	return caller, nil
}

func resolve(ctx context.Context, c *Caller) {
	if u, err := user.LookupId(strconv.Itoa(c.UID)); err == nil {
		c.User = u.Username
		if gids, err := u.GroupIds(); err == nil {
			for _, gid := range gids {
				if g, err := user.LookupGroupId(gid); err == nil {
					c.Groups = append(c.Groups, g.Name)
				}
			}
		}
	}
	if c.PID > 0 {
		if p, err := process.NewProcessWithContext(ctx, int32(c.PID)); err == nil {
			if exe, err := p.ExeWithContext(ctx); err == nil {
				c.Exe = exe
			}
		}
	}
}

type contextKey struct{}

// NewContext returns ctx carrying c.
func NewContext(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the caller stored on ctx, or an anonymous caller.
func FromContext(ctx context.Context) Caller {
	if c, ok := ctx.Value(contextKey{}).(Caller); ok {
		return c
	}
	return Anonymous("")
}
