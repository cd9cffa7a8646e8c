package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/louannemur/agent-orchestrator-sub001/internal/bus"
	"github.com/louannemur/agent-orchestrator-sub001/internal/config"
	"github.com/louannemur/agent-orchestrator-sub001/internal/gateway"
	otelPkg "github.com/louannemur/agent-orchestrator-sub001/internal/otel"
	"github.com/louannemur/agent-orchestrator-sub001/internal/persistence"
	"github.com/louannemur/agent-orchestrator-sub001/internal/retry"
	"github.com/louannemur/agent-orchestrator-sub001/internal/runner"
	"github.com/louannemur/agent-orchestrator-sub001/internal/supervisor"
	"github.com/louannemur/agent-orchestrator-sub001/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the orchestration daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s version                  Print the version and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  ORCHESTRATOR_HOME            Data directory (default: ~/.orchestrator)
  ORCHESTRATOR_BIND_ADDR       Listen address override
  ORCHESTRATOR_OPERATOR_TOKEN  Operator API token override
  ORCHESTRATOR_DB_PATH         SQLite database path override
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
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

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	operatorToken, err := loadOperatorToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_OPERATOR_TOKEN", err)
	}

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_ready", "db", cfg.DBPath)

	// Tasks left IN_PROGRESS by a crashed process go back to the queue
	// before the API starts accepting claims.
	recovered, err := store.RecoverOrphanedTasks(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	retryEngine := retry.NewEngine(store, eventBus, logger)
	runnerSvc := runner.NewService(store, logger)

	sup, err := supervisor.New(store, retryEngine, eventBus, logger, supervisor.Config{
		Schedule:       cfg.Supervisor.Schedule,
		Interval:       cfg.SupervisorInterval(),
		StuckThreshold: cfg.StuckAgentThreshold(),
		StaleThreshold: cfg.StaleSessionThreshold(),
		AutoRetry:      cfg.Supervisor.AutoRetry,
		Tracer:         otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_SUPERVISOR_INIT", err)
	}
	go sup.Run(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config changed on disk, restart to apply", "path", ev.Path)
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:          store,
		Runner:         runnerSvc,
		Retry:          retryEngine,
		Bus:            eventBus,
		Logger:         logger,
		OperatorToken:  operatorToken,
		AllowOrigins:   cfg.AllowOrigins,
		DefaultLockTTL: cfg.LockTTL(),
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	if isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Printf("orchestrator %s listening on %s\n", Version, cfg.BindAddr)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// loadOperatorToken resolves the operator token: config (or its env
// override) wins, then the persisted token file, and on first run a fresh
// token is generated and written with owner-only permissions.
func loadOperatorToken(cfg *config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.OperatorToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "operator.token")
	if b, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist operator token: %w", err)
	}
	slog.Info("operator.token generated", "path", tokenPath)
	return token, nil
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
			`{"timestamp":"%s","level":"ERROR","component":"orchestrator","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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
