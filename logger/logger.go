package logger

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// New creates a zerolog logger writing to stdout. level is a zerolog level
// name ("debug", "info", ...), format is "console" or "json", and sample
// keeps one event in five.
func New(level, format string, sample bool) (zerolog.Logger, error) {
	return newLogger(os.Stdout, level, format, sample)
}

func newLogger(out io.Writer, level, format string, sample bool) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), errors.Wrapf(err, "invalid log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	writer := out
	switch format {
	case "json":
	case "", "console":
		writer = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	default:
		return zerolog.Nop(), errors.Errorf("log format must be 'json' or 'console', got %q", format)
	}

	logger := zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "frostd").
		Logger()

	if sample {
		logger = logger.Sample(&zerolog.BasicSampler{N: 5})
	}
	return logger, nil
}
