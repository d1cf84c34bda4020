// Package logger provides the process-wide logger for fleet-runner.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures the global logger.
type Config struct {
	Level      string    // debug, info, warn, error
	Format     string    // console or json (console output only, the file is always json)
	File       string    // Rotated log file, empty disables file output
	MaxSize    int       // Megabytes before rotation
	MaxBackups int       // Rotated files to keep
	MaxAge     int       // Days to keep rotated files
	Compress   bool      // Gzip rotated files
	Console    io.Writer // Defaults to stderr, io.Discard disables console output
}

var (
	mu      sync.Mutex
	base    = zap.NewNop()
	sugar   = base.Sugar()
	rotator *lumberjack.Logger
)

// Init initializes the global logger. Calling it again replaces the
// previous logger and closes its file.
func Init(cfg Config) error {
	level := zap.NewAtomicLevel()
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000")
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	var cores []zapcore.Core

	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	if console != io.Discard {
		var enc zapcore.Encoder
		if cfg.Format == "json" {
			enc = zapcore.NewJSONEncoder(encCfg)
		} else {
			enc = zapcore.NewConsoleEncoder(encCfg)
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(console)), level))
	}

	var lj *lumberjack.Logger
	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))

	mu.Lock()
	defer mu.Unlock()

	closeLocked()
	base = l
	sugar = l.Sugar()
	rotator = lj

	return nil
}

// Close flushes the logger and closes the log file.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
	base = zap.NewNop()
	sugar = base.Sugar()
}

func closeLocked() {
	_ = base.Sync()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}

// L returns the structured logger for callers that attach fields.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base.WithOptions(zap.AddCallerSkip(-1))
}

func current() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return sugar
}

// Info logs an info message.
func Info(format string, v ...interface{}) {
	current().Infof(format, v...)
}

// Debug logs a debug message.
func Debug(format string, v ...interface{}) {
	current().Debugf(format, v...)
}

// Error logs an error message.
func Error(format string, v ...interface{}) {
	current().Errorf(format, v...)
}

// Warn logs a warning message.
func Warn(format string, v ...interface{}) {
	current().Warnf(format, v...)
}

// GetWriter returns the rotated log file for subprocess output.
func GetWriter() io.Writer {
	mu.Lock()
	defer mu.Unlock()

	if rotator != nil {
		return rotator
	}
	return io.Discard
}
