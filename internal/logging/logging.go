package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Base builds the process logger writing to stdout.
// format: json|console; level: debug|info|warn|error
func Base(app, level, format string) zerolog.Logger {
	return New(os.Stdout, app, level, format)
}

// New builds a logger with level/format applied, writing to w.
func New(w io.Writer, app, level, format string) zerolog.Logger {
	return zerolog.New(writerForFormat(w, format)).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("app", app).
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}

	return zerolog.InfoLevel
}

func writerForFormat(w io.Writer, format string) io.Writer {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return w
}
