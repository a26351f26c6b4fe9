// Package observability owns the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It writes to stderr so stdout
// stays a clean JSONL event stream. It is a no-op logger until initialised.
var CLILogger = zap.NewNop()

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

// InitCLILogger installs a console logger for the named service, at debug
// level when verbose is set.
func InitCLILogger(service string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	l, err := NewLogger(service, level, ProfileConsole)
	if err != nil {
		l = zap.NewNop()
	}
	CLILogger = l
}

// Configure installs a logger built from a level and profile.
func Configure(service, level, profile string) error {
	l, err := NewLogger(service, level, profile)
	if err != nil {
		return err
	}
	CLILogger = l
	return nil
}

// NewLogger builds a stderr logger. STRUCTURED emits JSON, CONSOLE emits
// human-readable lines.
func NewLogger(service, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case ProfileStructured, "":
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(os.Stderr) {
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log profile %q (want STRUCTURED or CONSOLE)", profile)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	l := zap.New(core, zap.AddCaller())
	if service != "" {
		l = l.With(zap.String("service", service))
	}
	return l, nil
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
