package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pkgd/api"
	pkgdclient "pkt.systems/pkgd/client"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

const (
	clientServerKey   = "client.server"
	clientTimeoutKey  = "client.timeout"
	clientLogLevelKey = "client.log_level"
)

// errCommandFailed marks a command that ran and reported failure.
var errCommandFailed = errors.New("command failed")

type clientCLIConfig struct {
	baseLogger pslog.Logger
}

func newClientCommand(baseLogger pslog.Logger) *cobra.Command {
	cfg := &clientCLIConfig{baseLogger: baseLogger}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running pkgd daemon",
	}
	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", pkgdclient.DefaultSocket, "daemon endpoint (unix:///path or http://host:port)")
	flags.Duration("timeout", 30*time.Second, "HTTP timeout for a single request")
	flags.String("log-level", "none", "client log level (trace|debug|info|warn|error|none)")

	mustBindFlag(clientServerKey, "PKGD_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientTimeoutKey, "PKGD_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientLogLevelKey, "PKGD_CLIENT_LOG_LEVEL", flags.Lookup("log-level"))

	cmd.AddCommand(
		newClientSubmitCommand(cfg, "install <package>...", "Install one or more packages", cobra.MinimumNArgs(1),
			func(ctx context.Context, cli *pkgdclient.Client, args []string) (string, error) {
				if len(args) == 1 {
					return cli.InstallPackage(ctx, args[0])
				}
				return cli.InstallPackages(ctx, args)
			}),
		newClientSubmitCommand(cfg, "remove <package>", "Remove a package", cobra.ExactArgs(1),
			func(ctx context.Context, cli *pkgdclient.Client, args []string) (string, error) {
				return cli.RemovePackage(ctx, args[0])
			}),
		newClientSubmitCommand(cfg, "refresh", "Refresh the package databases", cobra.NoArgs,
			func(ctx context.Context, cli *pkgdclient.Client, _ []string) (string, error) {
				return cli.Refresh(ctx)
			}),
		newClientSubmitCommand(cfg, "upgrade", "Upgrade every installed package", cobra.NoArgs,
			func(ctx context.Context, cli *pkgdclient.Client, _ []string) (string, error) {
				return cli.SystemUpgrade(ctx)
			}),
		newClientUpdatesCommand(cfg),
		newClientQueryCommand(cfg, "installed <package>", "Exit 0 when the package is installed",
			func(ctx context.Context, cli *pkgdclient.Client, name string) (bool, error) {
				return cli.IsPackageInstalled(ctx, name)
			}),
		newClientQueryCommand(cfg, "exists <package>", "Exit 0 when a repository provides the package",
			func(ctx context.Context, cli *pkgdclient.Client, name string) (bool, error) {
				return cli.PackageExists(ctx, name)
			}),
		newClientReadyCommand(cfg),
		newClientExitCommand(cfg),
		newClientWatchCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func (c *clientCLIConfig) client() (*pkgdclient.Client, error) {
	server := strings.TrimSpace(viper.GetString(clientServerKey))
	if server == "" {
		server = pkgdclient.DefaultSocket
	}
	opts := []pkgdclient.Option{}
	if timeout := viper.GetDuration(clientTimeoutKey); timeout > 0 {
		opts = append(opts, pkgdclient.WithHTTPTimeout(timeout))
	}
	level := strings.ToLower(strings.TrimSpace(viper.GetString(clientLogLevelKey)))
	if level != "" && level != "none" {
		lvl, ok := pslog.ParseLevel(level)
		if !ok {
			return nil, fmt.Errorf("invalid client log level %q", level)
		}
		opts = append(opts, pkgdclient.WithLogger(logutil.WithSubsystem(c.baseLogger, "client.cli").LogLevel(lvl)))
	}
	return pkgdclient.New(server, opts...)
}

type submitFunc func(ctx context.Context, cli *pkgdclient.Client, args []string) (string, error)

func newClientSubmitCommand(cfg *clientCLIConfig, use, short string, args cobra.PositionalArgs, submit submitFunc) *cobra.Command {
	var noWait bool
	var asJSON bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			if noWait {
				id, err := submit(ctx, cli, args)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, api.SubmitResponse{ID: id})
				}
				_, err = fmt.Fprintln(out, id)
				return err
			}
			ev, err := cli.SubmitAndWait(ctx, func(ctx context.Context) (string, error) {
				return submit(ctx, cli, args)
			})
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(out, ev); err != nil {
					return err
				}
			} else if err := printOutcome(out, ev); err != nil {
				return err
			}
			if !ev.Succeeded() {
				return fmt.Errorf("%w: %s: %s", errCommandFailed, ev.Kind, ev.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the command id and return without waiting for completion")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func newClientUpdatesCommand(cfg *clientCLIConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "List packages with available updates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			updates, err := cli.CheckUpdates(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, updates)
			}
			for _, u := range updates {
				if _, err := fmt.Fprintf(out, "%s %s -> %s\n", u.Name, u.Current, u.Available); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print updates as JSON")
	return cmd
}

type queryFunc func(ctx context.Context, cli *pkgdclient.Client, name string) (bool, error)

func newClientQueryCommand(cfg *clientCLIConfig, use, short string, query queryFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ok, err := query(cmd.Context(), cli, args[0])
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), ok); err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", errCommandFailed, args[0])
			}
			return nil
		},
	}
}

func newClientReadyCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Exit 0 when the backend can run commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ready, err := cli.IsBackendReady(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), ready); err != nil {
				return err
			}
			if !ready {
				return fmt.Errorf("%w: backend not ready", errCommandFailed)
			}
			return nil
		},
	}
}

func newClientExitCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "exit",
		Short: "Ask the daemon to shut down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			return cli.Exit(cmd.Context())
		},
	}
}

func newClientWatchCommand(cfg *clientCLIConfig) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print completion events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			events, err := cli.Events(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for ev := range events {
				if asJSON {
					err = writeJSON(out, ev)
				} else {
					err = printOutcome(out, ev)
				}
				if err != nil {
					return err
				}
			}
			if ctx.Err() != nil {
				return nil
			}
			return pkgdclient.ErrStreamClosed
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events as JSON lines")
	return cmd
}

func printOutcome(out io.Writer, ev api.CommandFinished) error {
	subject := ev.Kind
	if len(ev.Packages) > 0 {
		subject += " " + strings.Join(ev.Packages, " ")
	}
	when := ""
	if ev.FinishedAtUnixMilli > 0 {
		when = " (" + humanize.Time(time.UnixMilli(ev.FinishedAtUnixMilli)) + ")"
	}
	if ev.Succeeded() {
		_, err := fmt.Fprintf(out, "%s: %s succeeded%s\n", ev.ID, subject, when)
		return err
	}
	_, err := fmt.Fprintf(out, "%s: %s failed%s: %s\n", ev.ID, subject, when, ev.Error)
	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// exitCode maps a client error to a process exit status: 1 for a command
// that ran and failed, 2 for anything that kept it from running.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errCommandFailed):
		return 1
	default:
		return 2
	}
}
