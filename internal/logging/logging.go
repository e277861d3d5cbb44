package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Log levels.
const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

type Level int

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return "unknown"
}

type Config struct {
	Level  Level
	Output io.Writer
}

// Logger is a leveled logger shared across packlane's workers and
// synchronizers.
type Logger struct {
	logger zerolog.Logger
	level  Level
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}

	writer := zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	return &Logger{
		logger: zerolog.New(writer).Level(zerologLevel(c.Level)).With().Timestamp().Logger(),
		level:  c.Level,
	}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func (l *Logger) Level() Level {
	return l.level
}

// WithName returns a logger annotated with a component name.
func (l *Logger) WithName(name string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("component", name).Logger(),
		level:  l.level,
	}
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}
