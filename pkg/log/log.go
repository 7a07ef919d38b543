package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbuslabs/pluvio/pkg/types"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	TraceLevel Level = "trace"
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
	FatalLevel Level = "fatal"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	// Set log level
	var level zerolog.Level
	switch cfg.Level {
	case TraceLevel:
		level = zerolog.TraceLevel
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Use JSON or console output
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRequestID creates a child logger with req_id field
func WithRequestID(requestID string) zerolog.Logger {
	return Logger.With().Str("req_id", requestID).Logger()
}

// SafeFields returns a copy of fields with every key from the PII set
// removed, recursing into nested maps. Dynamic maps (event parameters,
// decoded payload fragments) must pass through here before logging.
func SafeFields(fields map[string]any) map[string]any {
	return scrub(fields, 0)
}

// scrub depth cap matches the validator's sweep depth
const maxScrubDepth = 10

func scrub(fields map[string]any, depth int) map[string]any {
	if fields == nil || depth > maxScrubDepth {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if types.IsPIIKey(k) {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = scrub(nested, depth+1)
			continue
		}
		out[k] = v
	}
	return out
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
