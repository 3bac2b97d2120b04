package utils

import (
	"fmt"
	"os"

	"golang.org/x/exp/slog"
)

// ParseLog returns a logger writing to stdout in logFormat ("text" or "json"). Its
// level starts at logLevel and can be changed later through the returned LevelVar.
func ParseLog(logLevel, logFormat string) (*slog.Logger, *slog.LevelVar, error) {
	level, err := ParseLevel(logLevel)
	if err != nil {
		return nil, nil, err
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(level)
	logHandlerOpts := slog.HandlerOptions{Level: levelVar}

	switch logFormat {
	case "json":
		return slog.New(logHandlerOpts.NewJSONHandler(os.Stdout)), levelVar, nil
	case "text":
		return slog.New(logHandlerOpts.NewTextHandler(os.Stdout)), levelVar, nil
	default:
		return nil, nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
}

// ParseLevel parses one of "debug", "info", "warn" or "error".
func ParseLevel(logLevel string) (slog.Level, error) {
	switch logLevel {
	case "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", logLevel)
	}
}

// LookupWithFallback returns the environment variable key, or fallback if it is
// not set.
func LookupWithFallback(key, fallback string) string {
	if value, found := os.LookupEnv(key); found {
		return value
	}
	return fallback
}
