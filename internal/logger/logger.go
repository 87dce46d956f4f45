// Package logger configures the process-wide zerolog logger the same way
// the donor gateway does: console writer in development, JSON lines
// otherwise, level gated by environment.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/config"
)

// New returns a configured zerolog.Logger.
func New(cfg *config.Config) zerolog.Logger {
	var out io.Writer = os.Stderr
	lvl := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		lvl = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)
	log := zerolog.New(out).With().Timestamp().Logger()
	return log
}
