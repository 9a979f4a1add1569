package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ParseLevel resolves a level name. Empty means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", name)
	}
}

// Resolve picks the flag level when set, else the config level, else info.
func Resolve(flagLevel, configLevel string) (slog.Level, error) {
	name := flagLevel
	if strings.TrimSpace(name) == "" {
		name = configLevel
	}
	return ParseLevel(name)
}

func New(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
