package logging

import (
	"io"
	"os"
	"time"

	"github.com/klyr/klyrscan/internal/config"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the diagnostic logger described by cfg. Output goes to w
// (stderr when nil) or, when cfg.File is set, to a rotated file. The returned
// closer releases the file.
func New(cfg config.LoggingConfig, w io.Writer) (zerolog.Logger, func() error, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	closer := func() error { return nil }
	out := w
	if out == nil {
		out = os.Stderr
	}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = rotated
		closer = rotated.Close
	}
	if cfg.Format == config.FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: cfg.File != ""}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Str("service", "klyrscan").Logger()
	return logger, closer, nil
}
