// Package main implements the reagent-ology server: the measurement job
// queue, the reagent registry and the streaming notification endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kkaryeong/reagent-ology/config"
	"github.com/kkaryeong/reagent-ology/metric"
	"github.com/kkaryeong/reagent-ology/notify"
	"github.com/kkaryeong/reagent-ology/service"
	"github.com/kkaryeong/reagent-ology/store"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "reagentd"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Server failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting server",
		"version", Version,
		"config_path", cliCfg.ConfigPath,
		"port", cfg.Server.Port,
		"database", cfg.Database.Path)

	registry := metric.NewRegistry()

	st, err := store.Open(cfg.Database.Path,
		store.WithLogger(logger.With("component", "store")),
		store.WithMetrics(registry.Core))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	bus := notify.NewBus(
		notify.WithLogger(logger.With("component", "notify")),
		notify.WithMetrics(registry.Core))

	svc := service.NewService(st, bus,
		service.WithLogger(logger.With("component", "service")),
		service.WithMetrics(registry.Core, registry),
		service.WithCORSOrigins(cfg.Server.CORSOrigins))

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down", "timeout", cliCfg.ShutdownTimeout)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Server stopped")
	return nil
}
