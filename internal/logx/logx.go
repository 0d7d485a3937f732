// Package logx sets up this runtime's structured logger: a thin layer
// over zerolog providing named, leveled component loggers without
// reimplementing zerolog's own appender/formatter machinery.
package logx

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a component logger writing to w (os.Stdout if nil) at the
// given level, tagged with component so log lines are attributable the
// same way East's ELOG_NAME("system")-style named loggers are.
func New(component string, level zerolog.Level, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// NewConsole is New with a human-readable console writer, for the
// cmd/kestreld binary's interactive output.
func NewConsole(component string, level zerolog.Level) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return New(component, level, cw)
}
