// Package logutil builds the slog loggers used by the command line tools.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const LevelTrace slog.Level = -8

// DebugEnv names the environment variable that lowers the default level.
// "1"/"true" selects debug, "2" or "trace" selects trace.
const DebugEnv = "CTRLDIFF_DEBUG"

func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				switch attr.Value.Any().(slog.Level) {
				case LevelTrace:
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// LevelFromEnv returns the level selected by DebugEnv, or fallback.
func LevelFromEnv(fallback slog.Level) slog.Level {
	return parseLevel(os.Getenv(DebugEnv), fallback)
}

func parseLevel(v string, fallback slog.Level) slog.Level {
	v = strings.ToLower(strings.TrimSpace(v))
	switch v {
	case "":
		return fallback
	case "trace":
		return LevelTrace
	case "debug", "true":
		return slog.LevelDebug
	}
	if n, err := strconv.Atoi(v); err == nil {
		switch {
		case n >= 2:
			return LevelTrace
		case n == 1:
			return slog.LevelDebug
		}
	}
	return fallback
}

// Setup installs a logger on stderr as the slog default. verbose forces
// debug output regardless of the environment.
func Setup(verbose bool) *slog.Logger {
	level := LevelFromEnv(slog.LevelInfo)
	if verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	logger := NewLogger(os.Stderr, level)
	slog.SetDefault(logger)
	return logger
}

// Trace logs msg at LevelTrace on logger, or on the default logger when
// logger is nil. The source attribute points at Trace's caller.
func Trace(logger *slog.Logger, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := context.Background()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(2, pcs[:])
	r := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	r.Add(args...)
	_ = logger.Handler().Handle(ctx, r)
}
