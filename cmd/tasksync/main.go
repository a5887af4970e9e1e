package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/harborline/tasksync/internal/bus"
	"github.com/harborline/tasksync/internal/config"
	"github.com/harborline/tasksync/internal/connectivity"
	"github.com/harborline/tasksync/internal/engine"
	otelPkg "github.com/harborline/tasksync/internal/otel"
	"github.com/harborline/tasksync/internal/remote"
	"github.com/harborline/tasksync/internal/retention"
	"github.com/harborline/tasksync/internal/statusapi"
	"github.com/harborline/tasksync/internal/store"
	"github.com/harborline/tasksync/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the sync daemon (logs to stdout)

SUBCOMMANDS:
  %s add <title> [options]    Add a task
                              Options: -notes, -due, -priority, -tags, -parent
  %s list [options]           List tasks
                              Options: -status, -tag, -json
  %s done <id>                Mark a task done
  %s edit <id> [options]      Edit a task (same options as add)
  %s rm <id>                  Delete a task
  %s retry <id>               Retry a failed sync operation
  %s failed                   List operations that gave up after retries
  %s sync                     Ask a running daemon for an immediate cycle
  %s status                   Show daemon status

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKSYNC_HOME           Data directory (default: ~/.tasksync)
  TASKSYNC_REMOTE_URL     Task service base URL
  TASKSYNC_TOKEN          Bearer token for the task service

EXAMPLES:
  Add a task:             %s add "buy milk" -due 2026-09-01
  Run the daemon:         %s -daemon
  Check sync health:      %s status
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	daemon := flag.Bool("daemon", false, "run the sync daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && !*daemon {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "add":
			os.Exit(runAddCommand(ctx, args[1:]))
		case "list":
			os.Exit(runListCommand(ctx, args[1:]))
		case "done":
			os.Exit(runDoneCommand(ctx, args[1:]))
		case "edit":
			os.Exit(runEditCommand(ctx, args[1:]))
		case "rm":
			os.Exit(runRemoveCommand(ctx, args[1:]))
		case "retry":
			os.Exit(runRetryCommand(ctx, args[1:]))
		case "failed":
			os.Exit(runFailedCommand(ctx, args[1:]))
		case "sync":
			os.Exit(runSyncCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.Remote.BaseURL == "" {
		fatalStartup(nil, "E_CONFIG_LOAD", fmt.Errorf("remote.base_url is required in daemon mode"))
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"version", Version, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	deviceID, err := st.DeviceID(ctx)
	if err != nil {
		fatalStartup(logger, "E_DEVICE_ID", err)
	}

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.Token, deviceID, logger,
		remote.WithRequestTimeout(cfg.RequestTimeout()))

	prober := connectivity.NewProber(cfg.HealthURL(), eventBus, logger,
		connectivity.WithProbeInterval(cfg.ProbeInterval()))
	prober.Start(ctx)
	defer prober.Stop()

	eng := engine.New(st, client, prober, eventBus, logger,
		engine.WithSyncInterval(cfg.SyncInterval()),
		engine.WithMetrics(metrics))
	eng.Start(ctx)
	defer eng.Stop()
	logger.Info("startup phase", "phase", "engine_started", "device_id", deviceID)

	notifier := remote.NewNotifier(cfg.Remote.NotifyURL, cfg.Remote.Token, eng.SyncNow, logger)
	notifier.Start(ctx)
	defer notifier.Stop()

	purger, err := retention.NewPurger(retention.Config{
		Store:         st,
		Logger:        logger,
		Schedule:      cfg.Retention.Schedule,
		TombstoneDays: cfg.Retention.TombstoneDays,
		SyncEventDays: cfg.Retention.SyncEventDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	purger.Start(ctx)
	defer purger.Stop()

	statusSrv := statusapi.New(statusapi.Config{Engine: eng, Store: st, Logger: logger})
	if err := statusSrv.Start(cfg.StatusAddr); err != nil {
		fatalStartup(logger, "E_STATUS_LISTEN", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusSrv.Stop(shutdownCtx)
	}()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, watcher, cfg.Fingerprint(), logger)
	}

	logger.Info("tasksync daemon running",
		"status_addr", cfg.StatusAddr, "remote", cfg.Remote.BaseURL)

	<-ctx.Done()
	logger.Info("shutdown requested")
}

// watchConfig reloads config.yaml on change and reports whether a restart
// is needed. Settings are bound at startup; hot reload is detection only.
func watchConfig(ctx context.Context, watcher *config.Watcher, fingerprint string, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Warn("config changed but failed to load", "path", ev.Path, "error", err)
				continue
			}
			if next.Fingerprint() == fingerprint {
				continue
			}
			logger.Info("config changed on disk; restart to apply",
				"path", ev.Path, "fingerprint", next.Fingerprint())
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"sync","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// interactiveStdout reports whether stdout is a terminal, used to keep CLI
// output clean by sending logs to the file only.
func interactiveStdout() bool {
	return isatty.IsTerminal(os.Stdout.Fd())
}
