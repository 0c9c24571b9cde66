// Package log wires up the controller's structured logger. Adapted from the
// teacher's pkg/log package: a package-global zerolog.Logger configured once at
// startup, with WithComponent child loggers handed out to each subsystem.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a controller log level, matching the CLI's --log-level choices.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	FatalLevel Level = "fatal"
)

// Config configures the global logger.
type Config struct {
	Level  Level
	Output io.Writer
}

// Init initializes the global logger. Safe to call once at process startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case FatalLevel:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name, e.g.
// "scaler.worker" or "healer".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func init() {
	// Sensible default so packages used from tests without calling Init still log.
	Init(Config{Level: InfoLevel})
}
