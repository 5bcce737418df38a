// Package pkgd exposes the Go APIs behind a privileged package-management
// daemon. Unprivileged callers submit package operations over a local socket;
// pkgd authorizes each request, queues it in admission order and runs it
// against the system package manager one command at a time. Every executed
// command produces exactly one completion event, tagged with the id returned
// at submission.
//
// # Running a server
//
// The server listens on `Config.ListenProto` (default `unix`) at
// `Config.Listen` (default `/run/pkgd.sock`). Peer credentials read from the
// socket identify the caller for authorization.
//
//	cfg := pkgd.Config{
//	    Backend: "pacman:///usr/bin/pacman",
//	    Auth:    pkgd.AuthPolkit,
//	}
//	srv, err := pkgd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("pkgd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// # Backends
//
// `Config.Backend` is a URL. `pacman:///usr/bin/pacman` drives pacman
// non-interactively; query parameters `dbpath`, `root` and `config` are
// forwarded as the matching pacman flags. `mem://` selects an in-memory
// backend for tests and demos, seeded with `?installed=vim:9.1,git:2.45` and
// `?available=...`.
//
// # Database lock
//
// Before touching the backend the worker checks the package manager's lock
// marker (`Config.LockMarker`, default `/var/lib/pacman/db.lck`). While it
// exists pkgd waits, re-checking every `Config.LockDelay`, for at most
// `Config.LockTimeout`. pkgd never creates or removes the marker itself.
//
// # Authorization
//
// `Config.Auth` selects how callers are checked: `polkit` asks pkcheck,
// `policy` evaluates a YAML rule file before deferring to polkit, `none`
// allows everything and `deny` refuses everything.
//
// polkit only answers for actions it knows. Install
// packaging/systems.pkt.pkgd.policy into /usr/share/polkit-1/actions/ so the
// systems.pkt.pkgd.* actions exist. It requires admin authentication for the
// mutating actions and exit, and allows queries without a prompt.
//
// # Events
//
// Completion events are streamed on `GET /v1/events` (websocket) and can
// be mirrored to NATS (`Config.NATSURL`) and Redis pub/sub
// (`Config.RedisURL`). The `client` package wraps submission and waiting:
//
//	cli, _ := client.New(client.DefaultSocket)
//	ev, err := cli.SubmitAndWait(ctx, func(ctx context.Context) (string, error) {
//	    return cli.InstallPackage(ctx, "vim")
//	})
//
// # Embedding
//
// StartServer runs a server in the background and returns a stop function,
// which is what tests and sidecars use:
//
//	srv, stop, err := pkgd.StartServer(ctx, pkgd.Config{
//	    Listen:  filepath.Join(dir, "pkgd.sock"),
//	    Backend: "mem://",
//	    Auth:    pkgd.AuthNone,
//	})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
package pkgd
