package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/hello-mcp/servers/hello"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := hello.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, err := hello.NewLogger(cfg, os.Stderr)
	if err != nil {
		slog.Error("failed to create logger", "err", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv, err := hello.New(cfg, logger, registry)
	if err != nil {
		logger.Error("failed to create server", "err", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errs:
		logger.Error("server error", "err", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streams never finish on their own, so the sessions are closed before the HTTP server
	// waits for its handlers.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to close sessions", "err", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "err", err)
		os.Exit(1)
	}

	logger.Info("server exited gracefully")
}
