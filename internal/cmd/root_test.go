package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/psrpype/internal/errors"
	"github.com/3leaps/psrpype/pkg/obsstore"
)

// resetFlags puts every flag of cmd and its children back to its default so
// one Execute does not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the CLI with args in an isolated home and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("PSRPYPE_CONFIG", "")

	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	rootCmd.SetContext(context.Background())
	err := rootCmd.Execute()
	rootCmd.SetArgs(nil)
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	return out.String(), err
}

func TestSetVersionInfo(t *testing.T) {
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer SetVersionInfo(origVersion, origCommit, origBuildDate)

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2026-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"explicit code", exitError(foundry.ExitFileWriteError, "write", errors.New("disk full")), foundry.ExitFileWriteError},
		{"wrapped explicit code", fmt.Errorf("outer: %w", exitError(foundry.ExitFileReadError, "read", nil)), foundry.ExitFileReadError},
		{"config error", apperrors.NewConfigError("bad", nil), foundry.ExitInvalidArgument},
		{"invalid state", apperrors.NewInvalidStateError("exists"), foundry.ExitInvalidArgument},
		{"not found", fmt.Errorf("job: %w", obsstore.ErrNotFound), foundry.ExitFileNotFound},
		{"cancelled", fmt.Errorf("run: %w", context.Canceled), foundry.ExitSignalInt},
		{"anything else", errors.New("boom"), apperrors.ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err))
		})
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid --port", errors.New("port 70000 out of range"))
	assert.Equal(t, fmt.Sprintf("Invalid --port: port 70000 out of range (exit code %d)", foundry.ExitInvalidArgument), err.Error())

	inner := errors.New("cause")
	assert.ErrorIs(t, exitError(1, "msg", inner), inner)
}

func TestExitWithCode(t *testing.T) {
	var code int
	orig := osExit
	osExit = func(c int) { code = c }
	defer func() { osExit = orig }()

	ExitWithCode(zap.NewNop(), foundry.ExitFileNotFound, "missing", errors.New("no such file"))
	assert.Equal(t, foundry.ExitFileNotFound, code)

	ExitWithCode(nil, 3, "nil logger", nil)
	assert.Equal(t, 3, code)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Nil(t, splitList(" , ,"))
	assert.Equal(t, []string{"Medusa", "CASPSR"}, splitList(" Medusa, CASPSR ,"))
}

func TestShortlistFilter(t *testing.T) {
	s := shortlist{
		backends:    "Medusa",
		sources:     "J0437-4715,J1909-3744",
		frequencies: "1284, 1369.5",
		obsUTCs:     "2020-01-02-00:00:00",
	}
	f, err := s.filter(obsstore.TypePulsar)
	require.NoError(t, err)
	assert.Equal(t, []string{obsstore.TypePulsar}, f.Types)
	assert.Equal(t, []string{"Medusa"}, f.Backends)
	assert.Equal(t, []string{"J0437-4715", "J1909-3744"}, f.Sources)
	assert.Equal(t, []float64{1284, 1369.5}, f.Frequencies)
	assert.Equal(t, []string{"2020-01-02-00:00:00"}, f.StartUTCs)

	empty, err := (&shortlist{}).filter()
	require.NoError(t, err)
	assert.Empty(t, empty.Types)
	assert.Empty(t, empty.Frequencies)

	_, err = (&shortlist{frequencies: "L-band"}).filter()
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.Classify(err))
}

func TestCommandsRequirePipelineConfig(t *testing.T) {
	for _, args := range [][]string{
		{"status"},
		{"process"},
		{"prepare-cals"},
		{"jobs", "list"},
	} {
		t.Run(args[0], func(t *testing.T) {
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeConfig, apperrors.Classify(err))
			assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(err))
		})
	}
}

func TestInvalidLogLevelIsRejected(t *testing.T) {
	_, err := execute(t, "--log-level", "loud", "version")
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, exitCodeFor(err))
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate)
	SetVersionInfo("1.2.3", "abc123", "2026-10-01")

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "psrpype 1.2.3")
	assert.Contains(t, out, "commit:   abc123")
}
