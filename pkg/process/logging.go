// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package process provides the shared bootstrap for archiver commands:
// logging, signal-aware contexts and command execution.
package process

import (
	"runtime"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Error is the class for process bootstrap failures.
var Error = errs.Class("process")

// LogConfig selects the logger's verbosity and encoding.
type LogConfig struct {
	Level   string // debug, info, warn, error
	Format  string // console or json
	Verbose bool   // forces debug level
}

// NewLogger creates the process logger.
func NewLogger(config LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		if err := level.Set(config.Level); err != nil {
			return nil, Error.New("invalid log level %q: %w", config.Level, err)
		}
	}
	if config.Verbose {
		level = zapcore.DebugLevel
	}

	encoding := config.Format
	if encoding == "" {
		encoding = "console"
	}
	if encoding != "console" && encoding != "json" {
		return nil, Error.New("invalid log format %q: must be console or json", encoding)
	}

	levelEncoder := zapcore.CapitalColorLevelEncoder
	if encoding == "json" || runtime.GOOS == "windows" {
		levelEncoder = zapcore.CapitalLevelEncoder
	}

	return zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableCaller:     true,
		DisableStacktrace: level != zapcore.DebugLevel,
		Encoding:          encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			MessageKey:     "M",
			StacktraceKey:  "S",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}.Build()
}
