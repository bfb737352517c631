// Package logging builds the zap loggers used by the command line tools.
// Output goes to the console and, when a file is configured, to a rotated
// JSON log file.
package logging

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation of the log file
const (
	MaxSizeMB  = 100
	MaxBackups = 5
	MaxAgeDays = 30
)

// Config selects the level and destinations of a logger
type Config struct {
	// Level is debug, info, warn or error
	Level string

	// File receives JSON entries when not empty
	File string

	// Development uses the coloured console encoder
	Development bool
}

// ParseLevel maps a level name to a zap level, case-insensitively.
// Unknown names give InfoLevel.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "source",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func consoleConfig() zapcore.EncoderConfig {
	cfg := encoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("15:04:05.000"))
	}
	return cfg
}

// newCore tees console and file output. Console entries go to stderr so
// that reports printed on stdout stay clean.
func newCore(cfg Config, console, file zapcore.WriteSyncer) zapcore.Core {
	level := ParseLevel(cfg.Level)
	var enc zapcore.Encoder
	if cfg.Development {
		enc = zapcore.NewConsoleEncoder(consoleConfig())
	} else {
		enc = zapcore.NewJSONEncoder(encoderConfig())
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, console, level)}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), file, level))
	}
	return zapcore.NewTee(cores...)
}

// New builds a logger for cfg
func New(cfg Config) *zap.Logger {
	var file zapcore.WriteSyncer
	if cfg.File != "" {
		file = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    MaxSizeMB,
			MaxBackups: MaxBackups,
			MaxAge:     MaxAgeDays,
			Compress:   true,
		})
	}
	return zap.New(newCore(cfg, zapcore.Lock(os.Stderr), file), zap.AddCaller())
}

// Nop returns a logger that discards everything
func Nop() *zap.Logger { return zap.NewNop() }
