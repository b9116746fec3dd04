// Command lenshub is the main entry point for the lenshub session server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openglass/lenshub/internal/config"
	"github.com/openglass/lenshub/internal/gateway"
	"github.com/openglass/lenshub/internal/health"
	"github.com/openglass/lenshub/internal/observe"
	"github.com/openglass/lenshub/internal/registry"
	"github.com/openglass/lenshub/internal/session"
	"github.com/openglass/lenshub/internal/store"
	"github.com/openglass/lenshub/internal/store/memstore"
	"github.com/openglass/lenshub/internal/store/postgres"
)

// version is set via -ldflags at build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lenshub: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lenshub: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("lenshub starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "lenshub",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── User store ────────────────────────────────────────────────────────────
	var userStore store.UserStore
	var dbChecker health.Checker
	if dsn := cfg.Database.DSN; dsn != "" {
		pg, err := postgres.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		userStore = pg
		dbChecker = health.Checker{Name: "database", Check: pg.Ping}
		slog.Info("using postgres user store")
	} else {
		userStore = memstore.New()
		dbChecker = health.Checker{Name: "database", Check: func(context.Context) error { return nil }}
		slog.Info("using in-memory user store")
	}

	// ── Session registry ──────────────────────────────────────────────────────
	wsURL := "wss://" + cfg.Server.PublicHostName + "/ws/app"
	reg := registry.New(func(ctx context.Context, userID string, onDisposed func(string)) *session.Session {
		return session.New(ctx, session.Config{
			Store:        userStore,
			Metrics:      metrics,
			Conf:         cfg,
			UserID:       userID,
			WebsocketURL: wsURL,
			OnDisposed:   onDisposed,
		})
	}, metrics)

	// ── HTTP gateway ──────────────────────────────────────────────────────────
	healthHandler := health.New(reg, dbChecker)
	srv := gateway.New(cfg, reg, healthHandler)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })

	err = g.Wait()
	reg.DisposeAll(context.Background())
	if err != nil {
		slog.Error("server exited with error", "err", err)
		return 1
	}
	slog.Info("lenshub stopped")
	return 0
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var l slog.Level
	switch level {
	case config.LogDebug:
		l = slog.LevelDebug
	case config.LogWarn:
		l = slog.LevelWarn
	case config.LogError:
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
