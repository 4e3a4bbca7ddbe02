// Package logging builds the zerolog root logger and hands out per-component
// child loggers. All timestamps are UTC.
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-platform/config"
)

var (
	mu   sync.RWMutex
	root zerolog.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init configures the root logger from config. Safe to call once at startup.
func Init(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }

	level := parseLevel(cfg.Level)

	var logger zerolog.Logger
	if cfg.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	mu.Lock()
	root = logger.Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// Root returns the root logger.
func Root() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Root().With().Str("component", name).Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
