// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package commons

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging interface. All components take a
// Logger rather than a concrete zap type so tests can swap in a no-op.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Benchmark records a named duration at debug level.
	Benchmark(name string, elapsed time.Duration)

	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

func (l *applicationLogger) Benchmark(name string, elapsed time.Duration) {
	l.Debugw("benchmark", "name", name, "elapsed", elapsed.String())
}

// LoggerOption customizes the application logger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	level    zapcore.Level
	filePath string
}

// WithLevel sets the minimum log level ("debug", "info", "warn", "error").
func WithLevel(level string) LoggerOption {
	return func(o *loggerOptions) {
		if parsed, err := zapcore.ParseLevel(level); err == nil {
			o.level = parsed
		}
	}
}

// WithLogFile additionally writes rotated log files to the given path.
func WithLogFile(path string) LoggerOption {
	return func(o *loggerOptions) {
		o.filePath = path
	}
}

// NewApplicationLogger creates the standard application logger: JSON encoded,
// stdout always, optionally tee'd to a size-rotated file.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	options := &loggerOptions{level: zapcore.DebugLevel}
	for _, opt := range opts {
		opt(options)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), options.level),
	}
	if options.filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   options.filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), options.level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{logger.Sugar()}, nil
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() Logger {
	return &applicationLogger{zap.NewNop().Sugar()}
}
