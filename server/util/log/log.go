package log

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	logLevel                = flag.String("app.log_level", "info", "The desired log level. Logs with a level >= this level will be emitted. One of {'fatal', 'error', 'warn', 'info', 'debug'}")
	enableStructuredLogging = flag.Bool("app.enable_structured_logging", false, "If true, log messages will be json-formatted.")
	includeShortFileName    = flag.Bool("app.log_include_short_file_name", false, "If true, log messages will include shortened originating file name.")
)

const (
	// Context keys commonly attached via EnrichContext.
	InvocationIDKey = "invocation_id"
	TaskIDKey       = "task_id"

	callerSkipFrameCount = 3
)

func localWriter() io.Writer {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	output := &zerolog.ConsoleWriter{Out: os.Stderr}
	output.TimeFormat = "2006/01/02 15:04:05.000"
	return output
}

func structuredWriter() io.Writer {
	zerolog.TimestampFieldName = "timestamp"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return os.Stdout
}

// Configure initializes the global logger from flag values. It is called by
// the daemon after flag parsing; library code and tests can use the package
// functions without calling it.
func Configure() error {
	var w io.Writer
	if *enableStructuredLogging {
		w = structuredWriter()
	} else {
		w = localWriter()
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	l, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %s", *logLevel, err)
	}
	logger = logger.Level(l)
	if *includeShortFileName {
		logger = logger.With().CallerWithSkipFrameCount(callerSkipFrameCount).Logger()
	}
	log.Logger = logger
	return nil
}

type logMeta struct {
	prev       *logMeta
	key, value string
}

type logMetaKeyType struct{}

var logMetaKey = logMetaKeyType{}

// EnrichContext returns a context whose log events carry key=value.
func EnrichContext(ctx context.Context, key, value string) context.Context {
	prev, _ := ctx.Value(logMetaKey).(*logMeta)
	return context.WithValue(ctx, logMetaKey, &logMeta{prev, key, value})
}

func enrichEventFromContext(ctx context.Context, e *zerolog.Event) {
	if ctx == nil {
		return
	}
	if m, ok := ctx.Value(logMetaKey).(*logMeta); ok {
		for m != nil {
			e.Str(m.key, m.value)
			m = m.prev
		}
	}
}

// Debugf logs to the DEBUG log. Arguments are handled in the manner of fmt.Printf.
func Debugf(format string, args ...interface{}) {
	log.Debug().Msgf(format, args...)
}

// CtxDebugf logs to the DEBUG log, enriched with information from the context.
func CtxDebugf(ctx context.Context, format string, args ...interface{}) {
	e := log.Debug()
	enrichEventFromContext(ctx, e)
	e.Msgf(format, args...)
}

// Info logs to the INFO log.
func Info(message string) {
	log.Info().Msg(message)
}

// Infof logs to the INFO log. Arguments are handled in the manner of fmt.Printf.
func Infof(format string, args ...interface{}) {
	log.Info().Msgf(format, args...)
}

// CtxInfof logs to the INFO log, enriched with information from the context.
func CtxInfof(ctx context.Context, format string, args ...interface{}) {
	e := log.Info()
	enrichEventFromContext(ctx, e)
	e.Msgf(format, args...)
}

// Warning logs to the WARNING log.
func Warning(message string) {
	log.Warn().Msg(message)
}

// Warningf logs to the WARNING log. Arguments are handled in the manner of fmt.Printf.
func Warningf(format string, args ...interface{}) {
	log.Warn().Msgf(format, args...)
}

// CtxWarningf logs to the WARNING log, enriched with information from the context.
func CtxWarningf(ctx context.Context, format string, args ...interface{}) {
	e := log.Warn()
	enrichEventFromContext(ctx, e)
	e.Msgf(format, args...)
}

// Error logs to the ERROR log.
func Error(message string) {
	log.Error().Msg(message)
}

// Errorf logs to the ERROR log. Arguments are handled in the manner of fmt.Printf.
func Errorf(format string, args ...interface{}) {
	log.Error().Msgf(format, args...)
}

// CtxErrorf logs to the ERROR log, enriched with information from the context.
func CtxErrorf(ctx context.Context, format string, args ...interface{}) {
	e := log.Error()
	enrichEventFromContext(ctx, e)
	e.Msgf(format, args...)
}

// Fatalf logs to the FATAL log and calls os.Exit(1).
func Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf(format, args...)
	// Make sure fatal logs will exit.
	os.Exit(1)
}
