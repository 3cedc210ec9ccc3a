package telemetry

import (
	"io"
	"log/slog"

	"github.com/zoff-tech/go-devicesim/pkg/config"
)

// NewLogger builds the process logger from the log settings.
func NewLogger(cfg config.LogSettings, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
