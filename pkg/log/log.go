package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger every component logger derives from.
// It writes nothing useful until Init runs.
var Logger zerolog.Logger

// Level is a configured log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Config selects the level and encoding of node logs
type Config struct {
	Level Level
	// JSONOutput writes one JSON object per line; otherwise lines are
	// formatted for a terminal
	JSONOutput bool
	// Output defaults to stdout
	Output io.Writer
}

// Init replaces the global logger. Loggers derived earlier keep the old
// writer, so serve and the CLI call Init before building any component.
func Init(cfg Config) {
	level, ok := zerologLevels[cfg.Level]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// ParseLevel maps a configured level name to a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

// WithComponent returns a logger tagged with the emitting package
// (engine, move, vrf, reconciler, api, ...)
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRouterID returns a logger for work on one virtual router
func WithRouterID(routerID string) zerolog.Logger {
	return Logger.With().Str("router_id", routerID).Logger()
}

// WithNetworkID returns a logger for work on one virtual network
func WithNetworkID(networkID string) zerolog.Logger {
	return Logger.With().Str("network_id", networkID).Logger()
}

// WithUnitOfWork returns the engine logger for one attempt of a unit of
// work; attempt counts conflict retries from zero
func WithUnitOfWork(op string, attempt int) zerolog.Logger {
	return Logger.With().
		Str("component", "engine").
		Str("op", op).
		Int("attempt", attempt).
		Logger()
}
