// Command hookbridge runs the approval bridge daemon: a local HTTP API for
// coding-agent hooks on one side, a Telegram operator channel on the other.
package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mattn/go-isatty"

	"github.com/basket/hookbridge/internal/audit"
	"github.com/basket/hookbridge/internal/broker"
	"github.com/basket/hookbridge/internal/bus"
	"github.com/basket/hookbridge/internal/channels"
	"github.com/basket/hookbridge/internal/config"
	"github.com/basket/hookbridge/internal/gateway"
	"github.com/basket/hookbridge/internal/heartbeat"
	"github.com/basket/hookbridge/internal/mailbox"
	"github.com/basket/hookbridge/internal/mode"
	otelPkg "github.com/basket/hookbridge/internal/otel"
	"github.com/basket/hookbridge/internal/registry"
	"github.com/basket/hookbridge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the bridge daemon
  %s status                   Show daemon health (/healthz)

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  HOOKBRIDGE_HOME         Data directory (default: ~/.hookbridge)
  HOOKBRIDGE_AUTH_TOKEN   Bearer token for the hook API (default: none)
  TELEGRAM_TOKEN          Telegram bot token
  TELEGRAM_CHAT_ID        Operator chat id
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// File-only logs when detached from a terminal (service manager
	// captures the JSONL file instead of a duplicate stdout stream).
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config_hash", cfg.Fingerprint())

	if cfg.NeedsGenesis {
		logger.Info("no config.yaml found, running on defaults", "home", cfg.HomeDir)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.HomeDir, "bridge.db"))
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer db.Close()
	if err := audit.EnsureSchema(db); err != nil {
		fatalStartup(logger, "E_DB_SCHEMA", err)
	}
	audit.SetDB(db)
	logger.Info("startup phase", "phase", "db_opened")

	initialMode, err := mode.Parse(cfg.DefaultMode)
	if err != nil {
		fatalStartup(logger, "E_MODE_PARSE", err)
	}

	eventBus := bus.New()
	reg := registry.New(eventBus, logger)
	box := mailbox.New(eventBus)
	modes := mode.NewController(initialMode)

	var messenger broker.Messenger
	var tg *channels.TelegramChannel
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg = channels.NewTelegram(channels.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			Registry: reg,
			Mailbox:  box,
			Modes:    modes,
			Bus:      eventBus,
			Logger:   logger,
		})
		messenger = tg
	} else {
		logger.Warn("telegram channel disabled, delegated approvals will time out")
		messenger = channels.Noop{Logger: logger}
	}

	br := broker.New(broker.Config{
		Registry:       reg,
		Mailbox:        box,
		Modes:          modes,
		Messenger:      messenger,
		Bus:            eventBus,
		Metrics:        metrics,
		Logger:         logger,
		DefaultTimeout: time.Duration(cfg.ApprovalTimeoutSeconds) * time.Second,
	})
	var operatorChannels []channels.Channel
	if tg != nil {
		tg.SetApprovals(br)
		operatorChannels = append(operatorChannels, tg)
	}
	for _, ch := range operatorChannels {
		ch := ch
		go func() {
			if err := ch.Start(ctx); err != nil {
				logger.Error("operator channel failed", "channel", ch.Name(), "error", err)
			}
		}()
	}

	if cfg.HeartbeatCron != "" {
		hb, err := heartbeat.New(heartbeat.Config{
			CronExpr:  cfg.HeartbeatCron,
			Registry:  reg,
			Mailbox:   box,
			Modes:     modes,
			Broker:    br,
			Messenger: messenger,
			Logger:    logger,
		})
		if err != nil {
			fatalStartup(logger, "E_HEARTBEAT_INIT", err)
		}
		hb.Start(ctx)
		defer hb.Stop()
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			// Mode and timeout changes apply on restart; the event is
			// surfaced so the operator knows a restart is pending.
			logger.Info("config change detected, restart to apply", "path", ev.Path)
		}
	}()

	gw := gateway.New(gateway.Config{
		AuthToken:         cfg.AuthToken,
		Broker:            br,
		Registry:          reg,
		Mailbox:           box,
		Modes:             modes,
		Logger:            logger,
		DB:                db,
		ConfigFingerprint: cfg.Fingerprint(),
		MessageWait:       time.Duration(cfg.MessageWaitSeconds) * time.Second,
		HeartbeatCron:     cfg.HeartbeatCron,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("hook api listening", "addr", cfg.BindAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("hook api server error", "error", err)
	}

	// Stop intake first, then settle what is left and tell the operator.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if n := br.ResolveAll(broker.DecisionDeny); n > 0 {
		logger.Info("denied in-flight approvals on shutdown", "count", n)
	}
	if err := messenger.SendNotice(shutdownCtx, "🛑 hookbridge shutting down."); err != nil {
		logger.Warn("shutdown notice failed", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "bridge", "startup", "", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"bridge","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
