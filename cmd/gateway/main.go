// Command gateway is the rrlb entry point: a round-robin redirect gateway
// that only sends clients to backends that currently pass their health check.
//
// Usage:
//
//	gateway [-config path/to/gateway.yaml]
//
// Backends and probe timings are fixed at startup. Rate-limit, auth and log
// level settings are hot-reloaded when gateway.yaml is saved. Shutdown is
// graceful: send SIGINT or SIGTERM and in-flight requests are given up to
// 10 seconds to complete.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rrlb/internal/config"
	"rrlb/internal/logging"
)

// version is set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway.yaml")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────────
	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults",
			"path", *configPath,
			"error", err,
		)
		cfg = config.Default()
		v = nil
	}

	logger, level := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, time.Now())
	if err != nil {
		slog.Error("failed to initialise gateway", "error", err)
		return 1
	}

	// ── Hot-reload ───────────────────────────────────────────────────────────
	if v != nil {
		config.Watch(v, cfg, func(next config.Config) {
			level.Set(logging.ParseLevel(next.Logging.Level))
			a.applyMiddleware(next)
		})
	}

	a.monitor.Start(ctx)
	if a.admin != nil {
		a.admin.Start()
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      a.handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"mode", cfg.Mode,
			"backends", len(cfg.Backends),
			"health_interval", cfg.HealthCheck.ParsedInterval().String(),
			"health_timeout", cfg.HealthCheck.ParsedTimeout().String(),
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	exitCode := 0
	select {
	case <-ctx.Done():
		slog.Info("shutting down gateway")
	case err := <-errCh:
		slog.Error("server error", "error", err)
		exitCode = 1
	}

	a.monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.admin != nil {
		if err := a.admin.Stop(shutdownCtx); err != nil {
			slog.Error("admin server forced shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
		exitCode = 1
	}

	slog.Info("gateway stopped")
	return exitCode
}
