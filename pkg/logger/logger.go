// Package logger provides the process-wide structured logger built on zerolog.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config controls the global logger output.
type Config struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json
	File   string `json:"file" mapstructure:"file"`     // optional log file, appended
}

var (
	mu      sync.RWMutex
	root    zerolog.Logger
	sink    *os.File
	started bool
)

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init configures the global logger. Safe to call again to reconfigure.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	var writers []io.Writer
	if strings.ToLower(cfg.Format) == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "2006-01-02T15:04:05-07:00",
		})
	} else {
		writers = append(writers, os.Stderr)
	}

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		if sink != nil {
			sink.Close()
		}
		sink = f
		writers = append(writers, f)
	}

	out := writers[0]
	if len(writers) > 1 {
		out = io.MultiWriter(writers...)
	}

	root = zerolog.New(out).With().Timestamp().Logger()
	started = true
	return nil
}

// Get returns the global logger, falling back to a plain stderr logger
// before Init has run.
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !started {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		return &l
	}
	return &root
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}

// With returns a child logger carrying the given fields.
func With(fields map[string]any) *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	ctx := root.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	l := ctx.Logger()
	return &l
}

// Close releases the log file, if one was opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	return err
}

// Debug returns a debug level event on the global logger.
func Debug() *zerolog.Event { return Get().Debug() }

// Info returns an info level event on the global logger.
func Info() *zerolog.Event { return Get().Info() }

// Warn returns a warn level event on the global logger.
func Warn() *zerolog.Event { return Get().Warn() }

// Error returns an error level event on the global logger.
func Error() *zerolog.Event { return Get().Error() }

// Fatal returns a fatal level event on the global logger.
func Fatal() *zerolog.Event { return Get().Fatal() }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { Get().Info().Msgf(format, args...) }

// Warnf logs a formatted warn message.
func Warnf(format string, args ...any) { Get().Warn().Msgf(format, args...) }

// Errorf logs a formatted error message.
func Errorf(format string, args ...any) { Get().Error().Msgf(format, args...) }

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { Get().Debug().Msgf(format, args...) }
