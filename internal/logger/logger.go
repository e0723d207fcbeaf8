// Package logger builds the zerolog loggers shared by the binaries and
// carries them through contexts.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// Format selects how log lines are rendered.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Logs go to stderr so command output on stdout stays clean.
var defaultOut io.Writer = os.Stderr

// New returns a console logger at info level.
func New() zerolog.Logger {
	return build(consoleWriter(defaultOut)).Level(zerolog.InfoLevel)
}

// NewWithWriter returns a JSON logger writing to w.
func NewWithWriter(w io.Writer) zerolog.Logger {
	return build(w)
}

// NewFromConfig builds a logger from the configured level and format.
// Unknown levels fall back to info; unknown formats fall back to console.
func NewFromConfig(level string, format Format) zerolog.Logger {
	w := consoleWriter(defaultOut)
	if Format(strings.ToLower(string(format))) == FormatJSON {
		w = defaultOut
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return build(w).Level(lvl)
}

func consoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
}

func build(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().Timestamp().Caller().Logger()
}

// WithContext returns a copy of ctx carrying log.
func WithContext(ctx context.Context, log zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, log)
}

// FromContext returns the logger stored in ctx, or New() when there is none.
func FromContext(ctx context.Context) zerolog.Logger {
	if log, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return log
	}
	return New()
}

// Snippet collapses whitespace in s and cuts it to max bytes so email
// bodies can be attached to log lines.
func Snippet(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
