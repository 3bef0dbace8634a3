// Command stemd runs the separation backend without a window and serves it
// over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stem-separator/internal/bootstrap"
	"stem-separator/internal/config"
	"stem-separator/internal/httpapi"
	"stem-separator/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config.LoadRuntime()); err != nil {
		slog.Error("stemd: fatal", "error", err)
		stop()
		os.Exit(1)
	}
}

// run serves until ctx is done or the listener fails, then drains the
// server and the running job before closing the log file.
func run(ctx context.Context, rt config.Runtime) error {
	logger, closer, err := logging.New(rt.LogLevel, rt.LogDir)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer closer.Close()

	prev := slog.Default()
	slog.SetDefault(logger)
	defer slog.SetDefault(prev)

	app, err := bootstrap.New(rt, logger, nil)
	if err != nil {
		logger.Error("bootstrap app", "error", err)
		return fmt.Errorf("bootstrap app: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	app.StartPump(ctx)

	srv := &http.Server{
		Addr:              rt.HTTPAddr,
		Handler:           httpapi.NewRouter(app, logger.With("component", "http")),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	logger.Info("server starting", "addr", rt.HTTPAddr)
	go func() {
		err := srv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()

	var listenErr error
	select {
	case <-ctx.Done():
	case listenErr = <-serveErr:
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	if listenErr == nil {
		listenErr = <-serveErr
	}
	app.Shutdown(shutdownCtx)

	if listenErr != nil {
		logger.Error("server error", "error", listenErr)
		return fmt.Errorf("serve http: %w", listenErr)
	}
	logger.Info("server stopped")
	return nil
}
