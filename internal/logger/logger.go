// Package logger configures the process-wide slog logger.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// L is the process logger. It is slog.Default until Init runs.
var L = slog.Default()

var level = new(slog.LevelVar)

// Init builds L from a level name (debug, info, warn, error) and a format
// (text or json), and installs it as the slog default.
func Init(levelName, format string) {
	L = New(os.Stdout, levelName, format)
	slog.SetDefault(L)
}

// New builds a logger writing to w. Unknown levels fall back to info and
// unknown formats to text.
func New(w io.Writer, levelName, format string) *slog.Logger {
	level.Set(ParseLevel(levelName))
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// SetLevel changes the level of loggers built by Init or New.
func SetLevel(levelName string) {
	level.Set(ParseLevel(levelName))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
