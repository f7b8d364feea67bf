package director

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

// LoggerOptions configures the orchestrator loggers.
type LoggerOptions struct {
	// Level is the minimum level to log. Defaults to info.
	Level slog.Leveler

	// Component is attached to every record as a "component" attribute
	// when non-empty, e.g. "orchestrator" or "broker".
	Component string

	// Output defaults to stdout.
	Output *os.File
}

// NewLogger returns a logger that writes colorized output when its output
// is a terminal.
func NewLogger(opts LoggerOptions) *slog.Logger {
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	logger := slog.New(tint.NewHandler(output, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(output.Fd()),
	}))
	return withComponent(logger, opts.Component)
}

// NewJSONLogger returns a logger that writes JSON records, for
// non-interactive runs where logs are shipped elsewhere.
func NewJSONLogger(output io.Writer, opts LoggerOptions) *slog.Logger {
	if output == nil {
		output = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: opts.Level,
	}))
	return withComponent(logger, opts.Component)
}

func withComponent(logger *slog.Logger, component string) *slog.Logger {
	if component == "" {
		return logger
	}
	return logger.With("component", component)
}
