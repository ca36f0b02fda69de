package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Production always emits JSON so
// log shippers get structured lines no matter what LOG_FORMAT says.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && (cfg.LogFormat == "json" || cfg.IsProduction()) {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}
