package pacman

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"pkt.systems/pkgd/internal/backend"
)

const fakePacman = `#!/bin/sh
echo "$*" >> "$(dirname "$0")/calls.log"
case "$*" in
  *" -Qu")
    if [ -f "$(dirname "$0")/no-updates" ]; then exit 1; fi
    printf 'vim 9.0-1 -> 9.1-1\nzsh 5.8-1 -> 5.9-1 [ignored]\n'
    exit 0;;
  *" -Q -- vim") exit 0;;
  *" -Q -- "*) exit 1;;
  *" -Si -- vim") exit 0;;
  *" -Si -- broken") echo "error: failed to init transaction" >&2; exit 3;;
  *" -Si -- "*) exit 1;;
  *" -S --needed -- missing")
    echo "resolving dependencies..."
    echo "error: target not found: missing" >&2
    exit 1;;
esac
exit 0
`

func newFake(t *testing.T) (*Backend, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fake requires a unix shell")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "pacman")
	if err := os.WriteFile(bin, []byte(fakePacman), 0o755); err != nil {
		t.Fatalf("write fake: %v", err)
	}
	db := filepath.Join(dir, "db")
	if err := os.Mkdir(db, 0o755); err != nil {
		t.Fatalf("mkdir db: %v", err)
	}
	return New(Config{Binary: bin, DBPath: db}), dir
}

func calls(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	if err != nil {
		t.Fatalf("read calls: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestMutatingArgs(t *testing.T) {
	b, dir := newFake(t)
	ctx := context.Background()
	db := b.cfg.DBPath
	if err := b.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := b.Install(ctx, []string{"vim", "git"}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := b.Remove(ctx, []string{"vim"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := b.SystemUpgrade(ctx); err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	want := []string{
		"--noconfirm --noprogressbar --dbpath " + db + " -Sy",
		"--noconfirm --noprogressbar --dbpath " + db + " -S --needed -- vim git",
		"--noconfirm --noprogressbar --dbpath " + db + " -R -- vim",
		"--noconfirm --noprogressbar --dbpath " + db + " -Syu",
	}
	if got := calls(t, dir); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected invocations:\n got %q\nwant %q", got, want)
	}
}

func TestInstallFailureCarriesStderr(t *testing.T) {
	b, _ := newFake(t)
	err := b.Install(context.Background(), []string{"missing"})
	var ee *backend.ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecError, got %v", err)
	}
	if ee.ExitCode != 1 || !strings.Contains(ee.Stderr, "target not found: missing") {
		t.Fatalf("unexpected exec error %+v", ee)
	}
}

func TestCheckUpdates(t *testing.T) {
	b, dir := newFake(t)
	got, err := b.CheckUpdates(context.Background())
	if err != nil {
		t.Fatalf("CheckUpdates: %v", err)
	}
	want := []backend.Update{
		{Name: "vim", Current: "9.0-1", Available: "9.1-1"},
		{Name: "zsh", Current: "5.8-1", Available: "5.9-1"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}

	if err := os.WriteFile(filepath.Join(dir, "no-updates"), nil, 0o644); err != nil {
		t.Fatalf("flag: %v", err)
	}
	got, err = b.CheckUpdates(context.Background())
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty updates, got %+v %v", got, err)
	}
}

func TestProbes(t *testing.T) {
	b, _ := newFake(t)
	ctx := context.Background()
	if ok, err := b.IsInstalled(ctx, "vim"); err != nil || !ok {
		t.Fatalf("vim installed: %v %v", ok, err)
	}
	if ok, err := b.IsInstalled(ctx, "emacs"); err != nil || ok {
		t.Fatalf("emacs installed: %v %v", ok, err)
	}
	if ok, err := b.PackageExists(ctx, "vim"); err != nil || !ok {
		t.Fatalf("vim exists: %v %v", ok, err)
	}
	if ok, err := b.PackageExists(ctx, "nope"); err != nil || ok {
		t.Fatalf("nope exists: %v %v", ok, err)
	}
	if _, err := b.PackageExists(ctx, "broken"); backend.ExitCode(err) != 3 {
		t.Fatalf("expected exit 3 error, got %v", err)
	}
}

func TestReady(t *testing.T) {
	b, _ := newFake(t)
	if err := b.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	missing := New(Config{Binary: filepath.Join(t.TempDir(), "absent")})
	if err := missing.Ready(context.Background()); !errors.Is(err, backend.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestParseUpdatesSkipsNoise(t *testing.T) {
	out := "warning: something\nfoo 1 -> 2\n\nbar 1 2\n"
	got := parseUpdates(out)
	if len(got) != 1 || got[0].Name != "foo" {
		t.Fatalf("unexpected parse %+v", got)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abc"))
	_, _ = tb.Write([]byte("defg"))
	if tb.String() != "defg" {
		t.Fatalf("unexpected tail %q", tb.String())
	}
}
