package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/psrpype/internal/observability"
)

func TestMissingTools(t *testing.T) {
	tests := []struct {
		name  string
		found map[string]string
		tools []string
		want  []string
	}{
		{
			name:  "all present",
			found: map[string]string{"pam": "/usr/bin/pam", "paz": "/usr/bin/paz"},
			tools: []string{"pam", "paz"},
			want:  nil,
		},
		{
			name:  "keeps requested order",
			found: map[string]string{"pam": "/usr/bin/pam"},
			tools: []string{"sbatch", "pam", "sacct"},
			want:  []string{"sbatch", "sacct"},
		},
		{
			name:  "nothing found",
			found: nil,
			tools: []string{"vap"},
			want:  []string{"vap"},
		},
		{
			name:  "no tools configured",
			found: nil,
			tools: nil,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, missingTools(tt.found, tt.tools))
		})
	}
}

func TestPrintToolsHelp(t *testing.T) {
	observability.InitCLILogger("test", false)

	t.Run("does not panic", func(t *testing.T) {
		assert.NotPanics(t, printToolsHelp)
	})
}

func TestDoctorPipelineChecks(t *testing.T) {
	orig := lookPath
	lookPath = func(names ...string) map[string]string {
		found := make(map[string]string, len(names))
		for _, n := range names {
			found[n] = "/opt/psrchive/bin/" + n
		}
		return found
	}
	defer func() { lookPath = orig }()

	t.Run("healthy pipeline", func(t *testing.T) {
		_, cfgPath := initPipeline(t)
		_, err := execute(t, "doctor", "--pipeline", "--config", cfgPath)
		require.NoError(t, err)
	})

	t.Run("missing configuration", func(t *testing.T) {
		_, err := execute(t, "doctor", "--pipeline")
		require.Error(t, err)
	})
}
