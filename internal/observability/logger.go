// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger runs so packages and tests can log unconditionally.
var CLILogger = zap.NewNop()

// InitCLILogger installs a console logger writing to stderr.
//
// verbose lowers the level to debug and adds caller information.
func InitCLILogger(name string, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	CLILogger = NewConsoleLogger(name, level, verbose, zapcore.Lock(os.Stderr))
	return CLILogger
}

// NewConsoleLogger builds a console logger at level writing to ws.
func NewConsoleLogger(name string, level zapcore.Level, caller bool, ws zapcore.WriteSyncer) *zap.Logger {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	ec.ConsoleSeparator = " "
	if !caller {
		ec.TimeKey = ""
		ec.CallerKey = ""
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(ec), ws, zap.NewAtomicLevelAt(level))
	opts := []zap.Option{}
	if caller {
		opts = append(opts, zap.AddCaller())
	}
	return zap.New(core, opts...).Named(name)
}

// SetLevel rebuilds CLILogger at the named level ("debug", "info", "warn",
// "error").
func SetLevel(name, level string, verbose bool) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	CLILogger = NewConsoleLogger(name, lvl, verbose, zapcore.Lock(os.Stderr))
	return nil
}

// Sync flushes the CLI logger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = CLILogger.Sync()
}
