// Package telemetry provides the observability surface: structured
// zerolog logging, Prometheus metrics for deployment runs, and an
// OpenTelemetry tracer.
package telemetry

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stagecoach/stagecoach/pkg/engine"
)

// LoggerOptions configures the base logger.
type LoggerOptions struct {
	// Level is the minimum level: trace, debug, info, warn, error.
	Level string

	// Format is "json" or "console".
	Format string

	// Output is the destination writer. Defaults to stderr.
	Output io.Writer
}

// NewLogger creates the base logger all components derive from.
func NewLogger(opts LoggerOptions) zerolog.Logger {
	writer := opts.Output
	if writer == nil {
		writer = os.Stderr
	}
	if opts.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(writer).
		Level(parseLevel(opts.Level)).
		With().Timestamp().Logger()
}

// ComponentLogger derives a child logger tagged with the component name.
func ComponentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithRun derives a child logger tagged with a deployment run ID.
func WithRun(base zerolog.Logger, runID string) zerolog.Logger {
	return base.With().Str("run_id", runID).Logger()
}

// WithStage derives a child logger tagged with a stage.
func WithStage(base zerolog.Logger, stage engine.StageName) zerolog.Logger {
	return base.With().Str("stage", string(stage)).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
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
