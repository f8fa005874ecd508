// Package telemetry wraps zerolog with optional file rotation, the same
// shape the rest of the pack uses for structured logging.
package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog.Logger with component scoping.
type Logger struct {
	z zerolog.Logger
}

// Config controls where and how the library logs.
type Config struct {
	Path       string
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Init sets up the process-wide logger. Safe to call once; subsequent
// calls are no-ops, matching the library's "set it up at the edge" posture.
func Init(cfg Config) error {
	var err error
	globalOnce.Do(func() {
		global, err = New(cfg)
	})
	return err
}

// New builds a standalone logger instance.
func New(cfg Config) (*Logger, error) {
	var writer io.Writer = os.Stderr

	if cfg.Path != "" {
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		writer = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	z := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}, nil
}

// Get returns the global logger, falling back to a bare stderr logger if
// Init was never called — a library must never panic just because its
// caller skipped logging setup.
func Get() *Logger {
	if global == nil {
		return &Logger{z: zerolog.New(os.Stderr).With().Timestamp().Logger()}
	}
	return global
}

// WithComponent returns a child logger tagged with a component field.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// WithDevice returns a child logger tagged with a device id field.
func (l *Logger) WithDevice(id string) *Logger {
	return &Logger{z: l.z.With().Str("device_id", id).Logger()}
}

// WithFields returns a child logger tagged with arbitrary fields, for
// callers that need more than one scoping key (e.g. a scan correlation id).
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.z.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Debug(msg string, fields map[string]interface{}) { l.emit(l.z.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields map[string]interface{})  { l.emit(l.z.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]interface{})  { l.emit(l.z.Warn(), msg, fields) }

func (l *Logger) Error(msg string, err error, fields map[string]interface{}) {
	l.emit(l.z.Error().Err(err), msg, fields)
}

func (l *Logger) emit(event *zerolog.Event, msg string, fields map[string]interface{}) {
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}
