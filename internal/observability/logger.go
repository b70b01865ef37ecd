// Package observability provides the process-wide logger used by CLI
// commands and long-lived components.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the shared logger. It defaults to a no-op logger so
// packages can log before Init runs (tests, early startup).
var CLILogger = zap.NewNop()

// Init configures CLILogger for CLI use: human-readable output on stderr,
// Info level by default, Debug when verbose. Stdout stays reserved for
// command output and protocol frames.
func Init(verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		level,
	)
	CLILogger = zap.New(core)
}

// Sync flushes buffered log entries. Called once at process exit.
func Sync() {
	_ = CLILogger.Sync()
}
