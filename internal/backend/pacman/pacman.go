// Package pacman drives the pacman binary as a pkgd backend.
package pacman

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"pkt.systems/pkgd/internal/backend"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

const (
	// DefaultBinary is the pacman executable.
	DefaultBinary = "/usr/bin/pacman"
	// DefaultDBPath is pacman's database directory.
	DefaultDBPath = "/var/lib/pacman"

	stderrTail = 4096
)

// Config locates pacman and its database.
type Config struct {
	Binary string
	DBPath string
	Root   string
	Conf   string
	Logger pslog.Logger
}

// Backend runs one pacman process per operation.
type Backend struct {
	cfg    Config
	logger pslog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New returns a Backend with defaults applied to cfg.
func New(cfg Config) *Backend {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	return &Backend{cfg: cfg, logger: logutil.WithSubsystem(cfg.Logger, "backend.pacman")}
}

// Refresh synchronizes the sync databases (-Sy).
func (b *Backend) Refresh(ctx context.Context) error {
	_, err := b.run(ctx, true, "-Sy")
	return err
}

// Install installs names, skipping ones already up to date (-S --needed).
func (b *Backend) Install(ctx context.Context, names []string) error {
	_, err := b.run(ctx, true, append([]string{"-S", "--needed", "--"}, names...)...)
	return err
}

// Remove removes names (-R).
func (b *Backend) Remove(ctx context.Context, names []string) error {
	_, err := b.run(ctx, true, append([]string{"-R", "--"}, names...)...)
	return err
}

// SystemUpgrade refreshes and upgrades everything (-Syu).
func (b *Backend) SystemUpgrade(ctx context.Context) error {
	_, err := b.run(ctx, true, "-Syu")
	return err
}

// CheckUpdates lists upgradable packages (-Qu). pacman exits 1 with no
// output when nothing is upgradable.
func (b *Backend) CheckUpdates(ctx context.Context) ([]backend.Update, error) {
	out, err := b.run(ctx, false, "-Qu")
	if err != nil {
		if backend.ExitCode(err) == 1 && strings.TrimSpace(out) == "" {
			return nil, nil
		}
		return nil, err
	}
	return parseUpdates(out), nil
}

// IsInstalled queries the local database (-Q).
func (b *Backend) IsInstalled(ctx context.Context, name string) (bool, error) {
	return b.probe(ctx, "-Q", "--", name)
}

// PackageExists queries the sync databases (-Si).
func (b *Backend) PackageExists(ctx context.Context, name string) (bool, error) {
	return b.probe(ctx, "-Si", "--", name)
}

// Ready checks that the binary is executable and the database exists.
func (b *Backend) Ready(context.Context) error {
	info, err := os.Stat(b.cfg.Binary)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s is not executable", backend.ErrUnavailable, b.cfg.Binary)
	}
	if info, err := os.Stat(b.cfg.DBPath); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: database %s missing", backend.ErrUnavailable, b.cfg.DBPath)
	}
	return nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func (b *Backend) probe(ctx context.Context, args ...string) (bool, error) {
	_, err := b.run(ctx, false, args...)
	if err == nil {
		return true, nil
	}
	if backend.ExitCode(err) == 1 {
		return false, nil
	}
	return false, err
}

func (b *Backend) args(mutating bool, op []string) []string {
	args := make([]string, 0, len(op)+8)
	if mutating {
		args = append(args, "--noconfirm", "--noprogressbar")
	}
	args = append(args, "--dbpath", b.cfg.DBPath)
	if b.cfg.Root != "" {
		args = append(args, "--root", b.cfg.Root)
	}
	if b.cfg.Conf != "" {
		args = append(args, "--config", b.cfg.Conf)
	}
	// Operation flags go before "--" so names can never be read as options.
	return append(args, op...)
}

func (b *Backend) run(ctx context.Context, mutating bool, op ...string) (string, error) {
	args := b.args(mutating, op)
	cmd := exec.CommandContext(ctx, b.cfg.Binary, args...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	var stdout bytes.Buffer
	stderr := &tailBuffer{max: stderrTail}
	outLog := &lineLogger{logger: b.logger, msg: "backend.pacman.stdout"}
	errLog := &lineLogger{logger: b.logger, msg: "backend.pacman.stderr"}
	cmd.Stdout = io.MultiWriter(&stdout, outLog)
	cmd.Stderr = io.MultiWriter(stderr, errLog)

	b.logger.Debug("backend.pacman.exec", "args", strings.Join(args, " "))
	err := cmd.Run()
	outLog.Flush()
	errLog.Flush()
	if err == nil {
		return stdout.String(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &backend.ExecError{
			Args:     append([]string{b.cfg.Binary}, args...),
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	}
	return stdout.String(), fmt.Errorf("pacman: run %s: %w", b.cfg.Binary, err)
}

// parseUpdates reads "name current -> available" lines, ignoring anything
// after the available version such as "[ignored]".
func parseUpdates(out string) []backend.Update {
	var updates []backend.Update
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[2] != "->" {
			continue
		}
		updates = append(updates, backend.Update{Name: fields[0], Current: fields[1], Available: fields[3]})
	}
	return updates
}

// tailBuffer keeps the last max bytes written.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }

// lineLogger emits one debug entry per complete output line.
type lineLogger struct {
	mu      sync.Mutex
	logger  pslog.Logger
	msg     string
	partial []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimRight(string(l.partial[:i]), "\r"); line != "" {
			l.logger.Debug(l.msg, "line", line)
		}
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line := strings.TrimSpace(string(l.partial)); line != "" {
		l.logger.Debug(l.msg, "line", line)
	}
	l.partial = nil
}
