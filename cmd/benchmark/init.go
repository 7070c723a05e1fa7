package main

import (
	"log/slog"
	"os"

	"dblight/pkg/config"
)

// initLogger installs the process-wide slog logger (JSON or text).
func initLogger(cfg config.LoggerConfig) {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     cfg.SlogLevel(),
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", "level", cfg.Level, "json", cfg.JSON)
}
