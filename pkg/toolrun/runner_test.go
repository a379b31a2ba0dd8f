package toolrun

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestExecRunnerSuccess(t *testing.T) {
	r := NewExecRunner(zap.NewNop())
	out, err := r.Run(context.Background(), "sh", "-c", "echo hello; echo oops >&2")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "oops")
}

func TestExecRunnerNonZeroExitLogsFatalSeverity(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	r := NewExecRunner(zap.New(core))

	out, err := r.Run(context.Background(), "sh", "-c", "echo broken; exit 3")
	require.Error(t, err)
	assert.Contains(t, out, "broken")

	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 3, ee.Code)
	assert.True(t, IsExitError(err))

	failed := logs.FilterMessage("Command failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "fatal", failed[0].ContextMap()["severity"])
	assert.Equal(t, "broken", failed[0].ContextMap()["output"])
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := NewExecRunner(nil)
	_, err := r.Run(context.Background(), "definitely-not-a-psrpype-tool")
	require.Error(t, err)
	assert.False(t, IsExitError(err))
}

func TestCommandLine(t *testing.T) {
	assert.Equal(t, `paz -z "1 2 3" -m f.ar`, CommandLine("paz", "-z", "1 2 3", "-m", "f.ar"))
	assert.Equal(t, `pam "" x`, CommandLine("pam", "", "x"))
}

func TestFakeRunner(t *testing.T) {
	f := &FakeRunner{Handler: func(name string, args []string) (string, error) {
		if name == "bad" {
			return "", &ExitError{Command: name, Code: 1}
		}
		return "ok", nil
	}}
	out, err := f.Run(context.Background(), "good", "a")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	_, err = f.Run(context.Background(), "bad")
	require.True(t, IsExitError(err))

	assert.Len(t, f.Calls(), 2)
	assert.Equal(t, "good a", f.CallsTo("good")[0].Line())
}
