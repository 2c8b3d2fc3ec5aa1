package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/lmittmann/tint"
)

// Options selects level, format and destination of the process logger.
type Options struct {
	// Level: "debug", "info", "warn", "error" (default "info").
	Level string
	// Format: "json" or "text" (default "json"). Text output is colourised
	// unless it goes to a file.
	Format string
	// File, when set, receives the log stream in addition to stdout and is
	// rotated daily. Rotated files are kept for a week.
	File string
}

// New returns a structured logger built from opts. The returned closer
// releases the log file, if any.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	lvl := ParseLevel(opts.Level)

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	toFile := opts.File != ""
	if toFile {
		rl, err := rotatelogs.New(
			opts.File+".%Y%m%d",
			rotatelogs.WithLinkName(opts.File),
			rotatelogs.WithMaxAge(7*24*time.Hour),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			return nil, nil, err
		}
		out = io.MultiWriter(os.Stdout, rl)
		closer = rl
	}

	var h slog.Handler
	if strings.ToLower(opts.Format) == "text" {
		h = tint.NewHandler(out, &tint.Options{
			Level:      lvl,
			TimeFormat: time.RFC3339,
			NoColor:    toFile,
		})
	} else {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	}

	return slog.New(h), closer, nil
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
