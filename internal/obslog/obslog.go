// Package obslog provides structured, level-gated logging scoped to a
// single module, the way internal/config and internal/vault each hold
// their own Logger rather than writing through a shared global one.
//
// Usage:
//
//	log := obslog.New("council")
//	log.Info().Str("session_id", sid).Msg("query accepted")
//	log.Error().Err(err).Str("stage", "reasoning").Msg("agent invoke failed")
package obslog

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu    sync.Mutex
	baseLevel = zerolog.InfoLevel
	baseOut   io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
)

// SetLevel changes the minimum log level for all loggers created after
// this call (and, since zerolog.Logger shares the level via context,
// for the package-level default used by New before any prior override).
func SetLevel(levelStr string) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseLevel = parseLevel(levelStr)
}

// SetOutput redirects where log lines are written. Tests use this to
// capture output into a buffer instead of stderr.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	defer baseMu.Unlock()
	baseOut = w
}

// Logger wraps a zerolog.Logger pinned to one module name.
type Logger struct {
	z zerolog.Logger
}

// New creates a Logger for the given module (e.g. "council", "redactor",
// "tunnel"). The module name is attached as a structured field on every
// entry rather than a fixed-column text prefix.
func New(module string) *Logger {
	baseMu.Lock()
	out, lvl := baseOut, baseLevel
	baseMu.Unlock()

	z := zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("module", strings.ToLower(module)).
		Logger()
	return &Logger{z: z}
}

// With returns a child logger with an additional field attached to
// every subsequent entry, for binding a session_id/request_id for the
// lifetime of one query without re-stating it at every call site.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{z: l.z.With().Str(key, value).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }

// Fatal logs at error level and terminates the process, matching the
// teacher's Logger.Fatal/Fatalf shape.
func (l *Logger) Fatal() *zerolog.Event { return l.z.Fatal() }

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
