// Package logger builds the service's zerolog logger from configuration.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/leca/imagevault/internal/config"
)

// New returns a logger writing JSON to stdout (or a console writer when
// Pretty is set), plus a rotating file when FilePath is configured.
func New(cfg config.Log) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || lvl == zerolog.NoLevel {
		fmt.Fprintf(os.Stderr, "invalid log level %q, defaulting to info\n", cfg.Level)
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
			w.TimeFormat = time.Kitchen
		})
	}

	if cfg.FilePath != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "imagevault").Logger()
}

// Nop returns a disabled logger, used by tests and by components constructed
// without one.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
