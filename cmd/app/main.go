package main

import (
	"fmt"
	"log"
	"log/slog"

	"stem-separator/internal/bootstrap"
	"stem-separator/internal/config"
	"stem-separator/internal/logging"
)

func main() {
	if err := run(config.LoadRuntime(), (*bootstrap.App).Run); err != nil {
		log.Fatal(err)
	}
}

// run owns the log file for the lifetime of the window. start blocks until
// the window closes.
func run(rt config.Runtime, start func(*bootstrap.App) error) error {
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

	if err := start(app); err != nil {
		logger.Error("run app", "error", err)
		return fmt.Errorf("run app: %w", err)
	}
	logger.Info("app exited")
	return nil
}
