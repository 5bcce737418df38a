package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pkgd"
	"pkt.systems/pkgd/internal/logutil"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("PKGD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "pkgd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 1
		}
		if rootInvocation {
			logutil.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			return 1
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return exitCode(err)
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the daemon itself
// rather than a subcommand, so daemon errors are logged and CLI errors are
// printed plainly.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		if short {
			if f := root.Flags().ShorthandLookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().ShorthandLookup(name)
		}
		if f := root.Flags().Lookup(name); f != nil {
			return f
		}
		return root.PersistentFlags().Lookup(name)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			sh := strings.TrimPrefix(arg, "-")
			flag := lookup(sh[len(sh)-1:], true)
			if flag == nil {
				return !hasSubcommand(root, args[i+1:])
			}
			if flag.NoOptDefVal == "" && len(sh) == 1 {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func hasSubcommand(root *cobra.Command, rest []string) bool {
	for _, tok := range rest {
		if isSubcommandToken(root, tok) {
			return true
		}
	}
	return false
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := pkgd.DefaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, pkgd.DefaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg pkgd.Config
	cmd := &cobra.Command{
		Use:           "pkgd",
		Short:         "pkgd runs package-manager commands on behalf of unprivileged callers",
		SilenceErrors: true,
		Example: `
  # Serve on the default socket, authorizing through polkit
  pkgd

  # Local rules first, polkit for everything they do not decide
  pkgd --auth policy --auth-policy /etc/pkgd/policy.yaml

  # Mirror completion events to NATS and Redis
  pkgd --nats-url nats://127.0.0.1:4222 --redis-url redis://127.0.0.1:6379/0

  # Development daemon with an in-memory backend and no authorization
  pkgd --listen /tmp/pkgd.sock --backend 'mem://?available=vim:9.1' --auth none --instance-lock ""
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := logutil.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logutil.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to pkgd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if logLevel := strings.TrimSpace(viper.GetString("log-level")); logLevel != "" {
				level, ok := pslog.ParseLevel(logLevel)
				if !ok {
					return fmt.Errorf("invalid --log-level %q", logLevel)
				}
				logger = logger.LogLevel(level)
				cliLogger = logutil.WithSubsystem(logger, "cli.root")
			}

			server, err := pkgd.NewServer(cfg, pkgd.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = server.Close()
			}()
			go func() {
				select {
				case <-ctx.Done():
				case <-server.Done():
					return
				}
				if err := server.Close(); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to /etc/pkgd/"+pkgd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", pkgd.DefaultListen, "listen address (socket path for unix)")
	flags.String("listen-proto", pkgd.DefaultListenProto, "listener network (unix, tcp, tcp4, tcp6)")
	flags.String("socket-mode", fmt.Sprintf("%04o", uint32(pkgd.DefaultSocketMode)), "octal permissions applied to the unix socket")
	flags.String("backend", pkgd.DefaultBackend, "backend URL (pacman:///path/to/pacman?dbpath=&root=&config=, mem://)")
	flags.String("lock-marker", pkgd.DefaultLockMarker, "package database lock file to wait for")
	flags.Duration("lock-delay", pkgd.DefaultLockDelay, "interval between lock marker checks")
	flags.Duration("lock-timeout", pkgd.DefaultLockTimeout, "maximum wait for the lock marker to disappear")
	flags.Bool("lock-watch", true, "wake lock waiters on filesystem events in addition to polling")
	flags.String("auth", pkgd.DefaultAuth, "authorization mode (polkit, policy, none, deny)")
	flags.String("auth-policy", "", "YAML policy file (required with --auth policy)")
	flags.Duration("auth-timeout", pkgd.DefaultAuthTimeout, "maximum time for one authorization decision")
	flags.String("pkcheck", pkgd.DefaultPkcheck, "path to polkit's pkcheck")
	flags.String("nats-url", "", "publish completion events to this NATS server")
	flags.String("nats-subject", "", "NATS subject for completion events")
	flags.String("redis-url", "", "publish completion events to this Redis server")
	flags.String("redis-channel", "", "Redis pub/sub channel for completion events")
	flags.Int("subscriber-buffer", pkgd.DefaultSubscriberBuffer, "events buffered per websocket subscriber")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address (empty disables)")
	flags.String("pprof-listen", "", "serve pprof on this address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint (grpc:// or http://)")
	flags.String("instance-lock", pkgd.DefaultInstanceLock, "lock file guarding against a second daemon (empty disables)")
	flags.Duration("shutdown-timeout", pkgd.DefaultShutdownTimeout, "maximum time for a graceful shutdown")
	flags.String("log-level", "", "override the log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("PKGD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, name := range []string{
		"config",
		"listen", "listen-proto", "socket-mode", "backend",
		"lock-marker", "lock-delay", "lock-timeout", "lock-watch",
		"auth", "auth-policy", "auth-timeout", "pkcheck",
		"nats-url", "nats-subject", "redis-url", "redis-channel", "subscriber-buffer",
		"metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
		"instance-lock", "shutdown-timeout", "log-level",
	} {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *pkgd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	if raw := strings.TrimSpace(viper.GetString("socket-mode")); raw != "" {
		mode, err := strconv.ParseUint(raw, 8, 32)
		if err != nil {
			return fmt.Errorf("parse socket-mode: %w", err)
		}
		cfg.SocketMode = os.FileMode(mode)
	}
	cfg.Backend = viper.GetString("backend")
	cfg.LockMarker = viper.GetString("lock-marker")
	cfg.LockDelay = viper.GetDuration("lock-delay")
	cfg.LockTimeout = viper.GetDuration("lock-timeout")
	cfg.LockWatch = viper.GetBool("lock-watch")
	cfg.Auth = strings.ToLower(strings.TrimSpace(viper.GetString("auth")))
	cfg.AuthPolicy = viper.GetString("auth-policy")
	cfg.AuthTimeout = viper.GetDuration("auth-timeout")
	cfg.Pkcheck = viper.GetString("pkcheck")
	cfg.NATSURL = viper.GetString("nats-url")
	cfg.NATSSubject = viper.GetString("nats-subject")
	cfg.RedisURL = viper.GetString("redis-url")
	cfg.RedisChannel = viper.GetString("redis-channel")
	cfg.SubscriberBuffer = viper.GetInt("subscriber-buffer")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.InstanceLock = strings.TrimSpace(viper.GetString("instance-lock"))
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
