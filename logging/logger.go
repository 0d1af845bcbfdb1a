// Package logging builds the zap logger shared by every gateway component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a textual log level as found in configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config describes where logs go. File output is rotated.
type Config struct {
	Level      Level  `json:"level" yaml:"level"`
	Filename   string `json:"file" yaml:"file"`
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // megabytes
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // days
	Compress   bool   `json:"compress" yaml:"compress"`
	Console    bool   `json:"console" yaml:"console"` // also write to stderr
}

// New creates a logger writing JSON lines to the configured outputs.
// With neither a file nor console output the logger discards everything.
func New(cfg Config) (*zap.Logger, error) {
	var writers []io.Writer

	if cfg.Filename != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
	}

	if cfg.Console {
		writers = append(writers, os.Stderr)
	}

	if len(writers) == 0 {
		return zap.NewNop(), nil
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(io.MultiWriter(writers...)),
		zap.NewAtomicLevelAt(zapLevel(cfg.Level)),
	)

	return zap.New(core, zap.AddCaller()), nil
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
