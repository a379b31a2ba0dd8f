package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInitLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "psrpype.log")
	logger, err := InitLogger("psrpype-test", "debug", FileOptions{Path: path, MaxSizeMB: 1})
	require.NoError(t, err)
	t.Cleanup(func() {
		Sync()
		CLILogger = logger
	})

	logger.Debug("hello from the pipeline")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "hello from the pipeline", entry["msg"])
	assert.Equal(t, "psrpype-test", entry["service"])
	assert.Equal(t, RunID, entry["run_id"])
	assert.NotEmpty(t, RunID)
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := InitLogger("psrpype-test", "chatty", FileOptions{})
	assert.Error(t, err)
}

func TestInitCLILogger(t *testing.T) {
	InitCLILogger("psrpype-test", true)
	require.NotNil(t, CLILogger)
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel), "verbose enables debug")

	InitCLILogger("psrpype-test", false)
	assert.False(t, CLILogger.Core().Enabled(zapcore.DebugLevel))
}
