// Package toolrun invokes the external signal-processing tools the pipeline
// depends on (pam, pac, paz, psradd, sbatch, sacct, ...).
package toolrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes a command to completion and returns its combined output.
// A non-zero exit is reported as *ExitError.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExitError describes a command that ran but did not exit cleanly.
type ExitError struct {
	Command string
	Code    int
	Output  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Command, e.Code)
}

// IsExitError reports whether err wraps an *ExitError.
func IsExitError(err error) bool {
	var ee *ExitError
	return errors.As(err, &ee)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Logger *zap.Logger

	// Dir is the working directory; empty means the current one.
	Dir string
}

// NewExecRunner returns a runner that logs through logger.
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecRunner{Logger: logger}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	command := CommandLine(name, args...)
	logger.Debug("Running command", zap.String("command", command))

	// #nosec G204 -- tool names and arguments come from pipeline configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)
	output := out.String()

	if err == nil {
		logger.Debug("Command finished",
			zap.String("command", command),
			zap.Duration("elapsed", elapsed))
		return output, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ee := &ExitError{Command: command, Code: exitErr.ExitCode(), Output: output}
		logger.Error("Command failed",
			zap.String("severity", "fatal"),
			zap.String("command", command),
			zap.Int("exit_code", ee.Code),
			zap.Duration("elapsed", elapsed),
			zap.String("output", strings.TrimSpace(output)))
		return output, ee
	}

	logger.Error("Command could not be started",
		zap.String("severity", "fatal"),
		zap.String("command", command),
		zap.Error(err))
	return output, fmt.Errorf("run %s: %w", name, err)
}

// CommandLine renders a command for logs, quoting arguments with spaces.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, name)
	for _, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			a = fmt.Sprintf("%q", a)
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, " ")
}

// LookPath returns the resolved path of each named tool found on PATH.
func LookPath(names ...string) map[string]string {
	found := make(map[string]string, len(names))
	for _, n := range names {
		if p, err := exec.LookPath(n); err == nil {
			found[n] = p
		}
	}
	return found
}
