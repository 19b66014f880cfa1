package logger

import (
	"log/slog"
)

func newStdHandler(cfg Config, lvl slog.Leveler) slog.Handler {
	return slog.NewTextHandler(cfg.Output, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: cfg.AddSource,
	})
}
