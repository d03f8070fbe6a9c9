package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/filipexyz/genflow/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging installs the default slog logger. When LOG_FILE is set the
// output is teed to a rotated file. The returned func closes that file.
func setupLogging(cfg *config.Config) func() {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}

	var w io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.LogFile != "" {
		os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755)
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
			Compress:   true,
		}
		w = io.MultiWriter(os.Stdout, lj)
		closeFn = func() { lj.Close() }
	}

	slog.SetDefault(slog.New(newHandler(w, cfg.LogFormat, opts)))
	return closeFn
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	if format == "text" {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
