// Package observability holds the process-wide loggers.
//
// CLILogger serves interactive commands and ServerLogger serves the long
// running control plane and agent. Library packages never read these
// globals; commands hand them down through component configs.
package observability

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger is the logger used by command handlers.
	CLILogger = zap.NewNop()

	// ServerLogger is the logger used by serve and agent.
	ServerLogger = zap.NewNop()

	mu sync.Mutex
)

// InitCLILogger replaces CLILogger with a console logger writing to stderr.
// verbose enables debug output.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	logger := newLogger(service, level, ProfileConsole)

	mu.Lock()
	defer mu.Unlock()
	CLILogger = logger
}

// InitServerLogger replaces ServerLogger according to the logging config.
// An unknown level falls back to info.
func InitServerLogger(service, level, profile string) *zap.Logger {
	logger := newLogger(service, ParseLevel(level), profile)

	mu.Lock()
	defer mu.Unlock()
	ServerLogger = logger
	return logger
}

// ParseLevel maps a config level name to a zap level.
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Sync flushes both loggers. Errors from syncing a terminal are ignored.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func newLogger(service string, level zapcore.Level, profile string) *zap.Logger {
	var encoder zapcore.Encoder
	if strings.EqualFold(profile, ProfileConsole) {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.AddCaller())
	if service != "" {
		logger = logger.With(zap.String("service", service))
	}
	return logger
}
