// Package obs sets up process-wide structured logging.
package obs

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type runIDKey struct{}

// WithRunID attaches a run identifier to ctx so loggers derived from it via
// Logger(ctx) carry a run_id field. Ingest and recall invocations each get
// their own run ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// Logger returns the global zerolog logger enriched with run_id, if present
// on ctx.
func Logger(ctx context.Context) *zerolog.Logger {
	l := log.Logger
	if ctx == nil {
		return &l
	}
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" {
		l = l.With().Str("run_id", id).Logger()
	}
	return &l
}

// Init initializes zerolog with sane defaults. If logPath is non-empty, logs
// are written there (append mode) instead of stdout, so an interactive
// progress bar on stdout is never interleaved with JSON log lines.
func Init(logPath string, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	}
	log.Logger = log.Output(w).With().Timestamp().Logger()

	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		if l, err := zerolog.ParseLevel(level); err == nil {
			lvl = l
		}
	}
	zerolog.SetGlobalLevel(lvl)

	stdlog.SetFlags(0)
	stdlog.SetOutput(log.Logger)
}
