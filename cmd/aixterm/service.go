package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/aixterm/internal/audit"
	"github.com/basket/aixterm/internal/bus"
	"github.com/basket/aixterm/internal/config"
	"github.com/basket/aixterm/internal/ipc"
	"github.com/basket/aixterm/internal/launcher"
	"github.com/basket/aixterm/internal/mcp"
	"github.com/basket/aixterm/internal/otel"
	"github.com/basket/aixterm/internal/paths"
	"github.com/basket/aixterm/internal/service"
	"github.com/basket/aixterm/internal/telemetry"
)

func newServiceCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Run or stop the background service",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the service in the foreground",
			Long:  "Run the service in the foreground. Clients start it automatically in the background when needed.",
			Args:  usageArgs(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runService(cmd.Context(), opts, cmd.ErrOrStderr())
			},
		},
		&cobra.Command{
			Use:   "stop",
			Short: "Ask a running service to shut down",
			Args:  usageArgs(cobra.NoArgs),
			RunE: func(cmd *cobra.Command, _ []string) error {
				return stopService(cmd.Context(), opts, cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

func runService(ctx context.Context, opts *globalOptions, stderr io.Writer) error {
	p, err := paths.Resolve(opts.home)
	if err != nil {
		fatalStartup(nil, "E_RUNTIME_HOME", err)
	}
	cfg, err := config.Load(p)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := p.Ensure(); err != nil {
		fatalStartup(nil, "E_RUNTIME_HOME", err)
	}

	// A detached service's stderr is the start log; mirror only to a terminal.
	var mirror io.Writer
	if f, ok := stderr.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		mirror = stderr
	}
	baseLogger, closer, err := telemetry.NewServiceLogger(p, cfg.LogLevel, mirror)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	logger := baseLogger.With("component", "service")
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", p.Home, "tool_servers", len(cfg.ServerConfigs()))

	telemetryCfg := cfg.Telemetry
	telemetryCfg.Version = Version
	telemetryCfg.Home = p.Home
	telemetryCfg.TraceFile = p.TraceLog
	otelProvider, err := otel.Init(ctx, telemetryCfg)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(p.DBPath)
		if err != nil {
			logger.Warn("request audit disabled", "error", err)
			cfg.Audit.Enabled = false
		} else {
			defer auditLog.Close()
		}
	}

	eventBus := bus.New(0)
	registry := mcp.NewRegistry(mcp.RegistryOptions{
		Logger:           baseLogger,
		Tracer:           otelProvider.Tracer,
		Metrics:          metrics,
		Bus:              eventBus,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ShutdownGrace:    cfg.ShutdownGrace,
		CallTimeout:      cfg.ToolCallTimeout,
		Restart:          cfg.RestartPolicy(),
	})
	for _, sc := range cfg.ServerConfigs() {
		if err := registry.Register(sc); err != nil {
			fatalStartup(logger, "E_TOOL_SERVER_CONFIG", err)
		}
	}
	plugins, err := service.BuiltinPlugins(cfg.Plugins.Enabled)
	if err != nil {
		fatalStartup(logger, "E_PLUGIN_INIT", err)
	}

	svc, err := service.New(service.Options{
		Config:   cfg,
		Registry: registry,
		Plugins:  plugins,
		Audit:    auditLog,
		Bus:      eventBus,
		Logger:   logger,
		Tracer:   otelProvider.Tracer,
		Metrics:  metrics,
		Version:  Version,
	})
	if err != nil {
		fatalStartup(logger, "E_SERVICE_INIT", err)
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	confWatcher := config.NewWatcher(p.ConfigPath, logger)
	if err := confWatcher.Start(watchCtx); err != nil {
		logger.Warn("config watcher unavailable; tool servers will not hot-reload", "error", err)
	} else {
		go reloadToolServers(watchCtx, confWatcher.Events(), p, cfg.ToolServersFingerprint(), registry, logger)
	}

	if err := svc.Run(ctx); err != nil {
		registry.Shutdown(time.Second)
		reason := "E_SERVICE_RUN"
		var already *service.AlreadyRunningError
		if errors.As(err, &already) {
			reason = "E_ALREADY_RUNNING"
		}
		logger.Error("startup failure", "reason_code", reason, "error", err.Error())
		return withExit(exitRuntime, err)
	}
	return nil
}

// reloadToolServers applies config.yaml edits to the tool server set. Other
// keys take effect on the next start.
func reloadToolServers(ctx context.Context, events <-chan config.ReloadEvent, p paths.RuntimePaths, fingerprint string, registry *mcp.Registry, logger *slog.Logger) {
	for ev := range events {
		logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		newCfg, err := config.Load(p)
		if err != nil {
			logger.Error("config.yaml reload rejected; keeping current tool servers", "error", err)
			continue
		}
		next := newCfg.ToolServersFingerprint()
		if next == fingerprint {
			continue
		}
		if err := registry.Reload(ctx, newCfg.ServerConfigs()); err != nil {
			logger.Error("tool server reload failed", "error", err)
			continue
		}
		fingerprint = next
	}
}

// stopService sends a shutdown request to a running service. It never
// starts one.
func stopService(ctx context.Context, opts *globalOptions, out io.Writer) error {
	p, err := paths.Resolve(opts.home)
	if err != nil {
		return withExit(exitRuntime, err)
	}
	cfg, err := config.Load(p)
	if err != nil {
		return withExit(exitRuntime, err)
	}
	l := launcher.New(launcher.Options{Paths: p, ConnectTimeout: cfg.ConnectTimeout})
	conn, err := l.Dial(ctx)
	if err != nil {
		fmt.Fprintln(out, "service is not running")
		return nil
	}
	client := ipc.NewClient(conn)
	defer client.Close()

	callCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := client.Call(callCtx, ipc.TypeShutdown, nil, nil, nil); err != nil {
		return err
	}

	// The socket is removed once the listener has closed.
	deadline := time.Now().Add(cfg.ShutdownGrace + 5*time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Lstat(p.SocketPath); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(out, "service stopped")
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Fprintln(out, "shutdown requested")
	return nil
}
