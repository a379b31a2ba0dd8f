package slurm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

func TestParseJobID(t *testing.T) {
	id, err := ParseJobID("sbatch: info\nSubmitted batch job 4242\n")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), id)

	for _, out := range []string{"", "sbatch: error: invalid partition", "Submitted batch job"} {
		_, err := ParseJobID(out)
		assert.ErrorIs(t, err, ErrNoJobID, out)
	}
}

func TestParseSacct(t *testing.T) {
	out := "101|COMPLETED\n102|CANCELLED by 1000\n102.batch|CANCELLED\n103|RUNNING|\n\ngarbage\n104_1|PENDING\n"
	assert.Equal(t, map[int64]obsstore.JobState{
		101: obsstore.JobCompleted,
		102: obsstore.JobCancelled,
		103: obsstore.JobRunning,
	}, ParseSacct(out))
}

func TestCommandSchedulerSubmit(t *testing.T) {
	runner := &toolrun.FakeRunner{Handler: func(string, []string) (string, error) {
		return "Submitted batch job 77\n", nil
	}}
	s := NewCommandScheduler(runner, nil, BreakerSettings{})

	id, err := s.Submit(context.Background(), "/obs/J0437_utc.bash")
	require.NoError(t, err)
	assert.Equal(t, int64(77), id)
	assert.Equal(t, "sbatch --export=ALL /obs/J0437_utc.bash", runner.Calls()[0].Line())
}

func TestCommandSchedulerStates(t *testing.T) {
	runner := &toolrun.FakeRunner{Handler: func(string, []string) (string, error) {
		return "1|RUNNING\n2|OUT_OF_MEMORY\n", nil
	}}
	s := NewCommandScheduler(runner, nil, BreakerSettings{})

	states, err := s.States(context.Background(), []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, obsstore.JobOutOfMemory, states[2])
	assert.Equal(t, []string{"-X", "-P", "-n", "-o", "jobid,state", "-j", "1,2"}, runner.Calls()[0].Args)

	states, err = s.States(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Len(t, runner.Calls(), 1)
}

func TestCommandSchedulerBreakerOpens(t *testing.T) {
	runner := &toolrun.FakeRunner{Handler: func(string, []string) (string, error) {
		return "", errors.New("slurmdbd unavailable")
	}}
	s := NewCommandScheduler(runner, nil, BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := s.States(context.Background(), []int64{1})
		require.Error(t, err)
	}
	_, err := s.States(context.Background(), []int64{1})
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Len(t, runner.Calls(), 2)
}
