// Package monitoring carries the shared logging and metrics plumbing
// used by the bus server, client, bridge, and daemons.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel is the minimum verbosity a logger emits.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat selects the output encoding.
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // machine-readable, Loki-friendly
	LogFormatPretty LogFormat = "pretty" // human-readable for local dev
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level   LogLevel
	Format  LogFormat
	Service string // service tag on every line; defaults to "wirebus"
}

// NewLogger creates a structured logger with timestamps and caller
// information. JSON output by default so log shippers can ingest it.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	case LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "wirebus"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// InitGlobalLogger points zerolog's package-level logger at a logger
// built from config. Call once at startup.
func InitGlobalLogger(config LoggerConfig) {
	log.Logger = NewLogger(config)
}

// RecoverPanic logs a recovered goroutine panic and lets the process
// keep running. Use in the defer block of every long-lived goroutine.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}
