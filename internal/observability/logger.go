// Package observability holds the process-wide loggers.
//
// CLILogger is what commands log through. It writes human-readable lines to
// stderr and, when a log file is configured, JSON lines to a rotated file so
// Slurm job output and interactive runs leave the same audit trail.
package observability

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// RunID tags every line logged by this invocation.
var RunID string

// FileOptions configures the rotated JSON log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu      sync.Mutex
	fileOut *lumberjack.Logger
)

// InitCLILogger configures CLILogger for a named service. Verbose enables
// debug output on stderr.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	if _, err := InitLogger(service, level.String(), FileOptions{}); err != nil {
		CLILogger = zap.NewNop()
	}
}

// InitLogger builds CLILogger from a level name and optional file sink and
// returns it.
func InitLogger(service, level string, file FileOptions) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, err
	}

	console := zap.NewDevelopmentEncoderConfig()
	console.EncodeLevel = zapcore.CapitalColorLevelEncoder
	console.TimeKey = ""
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(console), zapcore.Lock(os.Stderr), lvl),
	}

	mu.Lock()
	defer mu.Unlock()
	if fileOut != nil {
		_ = fileOut.Close()
		fileOut = nil
	}
	if file.Path != "" {
		// #nosec G301 -- log directories are shared with the pipeline group
		if err := os.MkdirAll(filepath.Dir(file.Path), 0755); err != nil {
			return nil, err
		}
		fileOut = &lumberjack.Logger{
			Filename:   file.Path,
			MaxSize:    file.MaxSizeMB,
			MaxBackups: file.MaxBackups,
			MaxAge:     file.MaxAgeDays,
		}
		enc := zap.NewProductionEncoderConfig()
		enc.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(fileOut), lvl))
	}

	if RunID == "" {
		RunID = uuid.NewString()
	}
	CLILogger = zap.New(zapcore.NewTee(cores...)).With(
		zap.String("service", service),
		zap.String("run_id", RunID))
	return CLILogger, nil
}

// Sync flushes CLILogger and closes the log file.
func Sync() {
	_ = CLILogger.Sync()
	mu.Lock()
	defer mu.Unlock()
	if fileOut != nil {
		_ = fileOut.Close()
		fileOut = nil
	}
}
