package aether

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured-logging seam every component in this engine
// takes instead of writing to stderr directly, so an embedder can redirect
// or silence engine logs the way R2Northstar-Atlas's atlas.Server.Logger
// lets callers inject a zerolog.Logger per component.
type Logger interface {
	With(component string) Logger
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

// zlogLogger adapts zerolog.Logger to the Logger interface.
type zlogLogger struct {
	l zerolog.Logger
}

// NewLogger builds the default Logger: a zerolog console writer to stderr
// at info level.
func NewLogger() Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	l := zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	return &zlogLogger{l: l}
}

// NewLoggerFrom wraps an already-configured zerolog.Logger, for embedders
// who want to share one sink/level across their own code and this engine.
func NewLoggerFrom(l zerolog.Logger) Logger {
	return &zlogLogger{l: l}
}

func (z *zlogLogger) With(component string) Logger {
	return &zlogLogger{l: z.l.With().Str("component", component).Logger()}
}

func fields(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z *zlogLogger) Debug(msg string, kv ...any) { fields(z.l.Debug(), kv).Msg(msg) }
func (z *zlogLogger) Info(msg string, kv ...any)  { fields(z.l.Info(), kv).Msg(msg) }
func (z *zlogLogger) Warn(msg string, kv ...any)  { fields(z.l.Warn(), kv).Msg(msg) }
func (z *zlogLogger) Error(msg string, err error, kv ...any) {
	fields(z.l.Error().Err(err), kv).Msg(msg)
}

// noopLogger discards everything; used by tests that don't want log noise.
type noopLogger struct{}

// NewNoopLogger returns a Logger that discards all output.
func NewNoopLogger() Logger { return noopLogger{} }

func (noopLogger) With(string) Logger                  { return noopLogger{} }
func (noopLogger) Debug(string, ...any)                 {}
func (noopLogger) Info(string, ...any)                  {}
func (noopLogger) Warn(string, ...any)                  {}
func (noopLogger) Error(string, error, ...any)          {}
