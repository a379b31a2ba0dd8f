package slurm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/psrpype/pkg/obsstore"
)

func newTestLauncher(t *testing.T, store *obsstore.Store, root string, sched Scheduler) *Launcher {
	t.Helper()
	l, err := NewLauncher(testConfig(root), store, sched, jobTemplate(t), ProcessCommand("/opt/bin/psrpype", "/pipe/default.cfg"), nil, time.Millisecond)
	require.NoError(t, err)
	return l
}

func TestResourcesFor(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		previous *obsstore.SlurmJob
		want     Resources
	}{
		{name: "tiny file gets minimum", size: 10_000_000, want: Resources{Memory: "1g", WallTime: "4:00:00"}},
		{name: "small", size: 2_000_000_000, want: Resources{Memory: "40g", WallTime: "4:00:00"}},
		{name: "medium", size: 7_500_000_000, want: Resources{Memory: "150g", WallTime: "8:00:00"}},
		{name: "large", size: 12_000_000_000, want: Resources{Memory: "240g", WallTime: "24:00:00"}},
		{name: "after out of memory", size: 2_000_000_000, previous: &obsstore.SlurmJob{State: obsstore.JobOutOfMemory}, want: Resources{Memory: "80g", WallTime: "4:00:00"}},
		{name: "after timeout", size: 2_000_000_000, previous: &obsstore.SlurmJob{State: obsstore.JobTimeout}, want: Resources{Memory: "40g", WallTime: "4:00:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &obsstore.Observation{Chunks: []*obsstore.ObservationChunk{{FileSize: 1}, {FileSize: tt.size}}}
			assert.Equal(t, tt.want, ResourcesFor(o, tt.previous))
		})
	}
}

func TestRenderScript(t *testing.T) {
	store, root := openStore(t)
	l := newTestLauncher(t, store, root, &fakeScheduler{})
	o := &obsstore.Observation{Source: "J0437-4715", StartUTC: "2020-01-01-00:00:00", CFreq: 1284}

	script, err := l.Render(o, Resources{Memory: "40g", WallTime: "4:00:00"}, "/pipe/obs")
	require.NoError(t, err)
	assert.Contains(t, script, "#!/bin/bash\n")
	assert.Contains(t, script, "#SBATCH -e /pipe/obs/J0437-4715_2020-01-01-00:00:00.%J.err\n")
	assert.Contains(t, script, "#SBATCH --mail-user=ops@example.org\n")
	assert.Contains(t, script, "#SBATCH --partition=skylake\n")
	assert.Contains(t, script, "#SBATCH --mem-per-cpu=40g\n")
	assert.Contains(t, script, "#SBATCH --time=4:00:00\n")
	assert.NotContains(t, script, "--account")
	assert.Contains(t, script, "module load psrchive\nmodule load clfd\n")
	assert.Contains(t, script, "/opt/bin/psrpype process --config /pipe/default.cfg --obs-utcs 2020-01-01-00:00:00 --frequencies 1284.0")

	l.Config.SlurmAccount = "oz005"
	l.Config.MailUser = ""
	script, err = l.Render(o, Resources{Memory: "1g", WallTime: "4:00:00"}, "/pipe/obs")
	require.NoError(t, err)
	assert.Contains(t, script, "#SBATCH --account=oz005\n")
	assert.NotContains(t, script, "--mail-user")
}

func TestLaunchRecordsJob(t *testing.T) {
	ctx := context.Background()
	store, root := openStore(t)
	sched := &fakeScheduler{}
	l := newTestLauncher(t, store, root, sched)
	obs := storeObservation(t, store, 0, 3_000_000_000)

	job, err := l.Launch(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, obsstore.JobQueued, job.State)

	dir, err := obs.OutputPath(root, "")
	require.NoError(t, err)
	script := filepath.Join(dir, "J0437-4715_2020-01-01-00:00:00.bash")
	assert.Equal(t, []string{script}, sched.submitted)
	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Contains(t, string(data), "--mem-per-cpu=60g")

	stored, err := store.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SlurmID)
	assert.Equal(t, int64(1), *stored.SlurmID)
	require.NotNil(t, stored.Job)
	assert.Equal(t, obsstore.JobQueued, stored.Job.State)
}

func TestLaunchWithoutJobIDLogsFatal(t *testing.T) {
	ctx := context.Background()
	store, root := openStore(t)
	core, logs := observer.New(zapcore.DebugLevel)
	l := newTestLauncher(t, store, root, &fakeScheduler{submitErr: ErrNoJobID})
	l.Logger = zap.New(core)
	obs := storeObservation(t, store, 0, 3_000_000_000)

	_, err := l.Launch(ctx, obs)
	require.ErrorIs(t, err, ErrNoJobID)
	entries := logs.FilterMessage("Job did not launch properly").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "fatal", entries[0].ContextMap()["severity"])

	stored, err := store.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.SlurmID)
}

// lockedStore fails its first failures writes.
type lockedStore struct {
	*obsstore.Store
	failures int
	adds     int
}

func (s *lockedStore) Add(ctx context.Context, rec obsstore.Record) error {
	s.adds++
	if s.failures > 0 {
		s.failures--
		return errors.New("database is locked")
	}
	return s.Store.Add(ctx, rec)
}

func TestLaunchRetriesJobRecordOnce(t *testing.T) {
	ctx := context.Background()
	store, root := openStore(t)
	obs := storeObservation(t, store, 0, 3_000_000_000)
	locked := &lockedStore{Store: store, failures: 1}
	l, err := NewLauncher(testConfig(root), locked, &fakeScheduler{}, jobTemplate(t), ProcessCommand("psrpype", "/pipe/default.cfg"), nil, time.Millisecond)
	require.NoError(t, err)

	job, err := l.Launch(ctx, obs)
	require.NoError(t, err)
	assert.Equal(t, 2, locked.adds)

	stored, err := store.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SlurmID)
	assert.Equal(t, job.ID, *stored.SlurmID)
}

func TestLaunchReportsUnrecordedJob(t *testing.T) {
	ctx := context.Background()
	store, root := openStore(t)
	obs := storeObservation(t, store, 0, 3_000_000_000)
	locked := &lockedStore{Store: store, failures: 2}
	core, logs := observer.New(zapcore.DebugLevel)
	sched := &fakeScheduler{}
	l, err := NewLauncher(testConfig(root), locked, sched, jobTemplate(t), ProcessCommand("psrpype", "/pipe/default.cfg"), zap.New(core), time.Millisecond)
	require.NoError(t, err)

	res, err := l.LaunchAll(ctx, []*obsstore.Observation{obs}, LaunchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)
	assert.Equal(t, []int64{1}, res.Unrecorded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, locked.adds)

	entries := logs.FilterMessage("Job submitted but not recorded").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "fatal", fields["severity"])
	assert.Equal(t, int64(1), fields["job_id"])
	assert.Equal(t, sched.submitted[0], fields["script"])

	locked.failures = 2
	job, err := l.Launch(ctx, obs)
	require.ErrorIs(t, err, ErrJobUnrecorded)
	require.NotNil(t, job)
	assert.Equal(t, int64(2), job.ID)

	stored, err := store.GetObservation(ctx, obs.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.SlurmID)
}

func TestLaunchAllHonoursCapAndActiveJobs(t *testing.T) {
	ctx := context.Background()
	store, root := openStore(t)
	sched := &fakeScheduler{}
	l := newTestLauncher(t, store, root, sched)
	l.Config.NSimultaneousJobs = 2

	var observations []*obsstore.Observation
	for i := 0; i < 4; i++ {
		observations = append(observations, storeObservation(t, store, i, 1_000_000_000))
	}

	res, err := l.LaunchAll(ctx, observations, LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, res.Submitted)
	assert.Equal(t, 2, res.Capped)

	res, err = l.LaunchAll(ctx, observations[:2], LaunchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Submitted)
	assert.Equal(t, 2, res.Skipped)

	n, err := store.CountActiveJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLaunchAllResubmitsFailedOnlyWhenAsked(t *testing.T) {
	ctx := context.Background()
	store, root := openStore(t)
	sched := &fakeScheduler{}
	l := newTestLauncher(t, store, root, sched)
	obs := storeObservation(t, store, 0, 2_000_000_000)

	_, err := l.Launch(ctx, obs)
	require.NoError(t, err)
	require.NoError(t, store.SetJobStates(ctx, map[int64]obsstore.JobState{1: obsstore.JobOutOfMemory}))
	obs.Job.State = obsstore.JobOutOfMemory

	res, err := l.LaunchAll(ctx, []*obsstore.Observation{obs}, LaunchOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Contains(t, SkipReason(obs, LaunchOptions{}), "--resubmit-failed")

	res, err = l.LaunchAll(ctx, []*obsstore.Observation{obs}, LaunchOptions{ResubmitFailed: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, res.Submitted)

	data, err := os.ReadFile(sched.submitted[1])
	require.NoError(t, err)
	assert.Contains(t, string(data), "--mem-per-cpu=80g")
}

func TestSkipReason(t *testing.T) {
	assert.Equal(t, "already processed", SkipReason(&obsstore.Observation{Processed: true}, LaunchOptions{}))
	assert.Empty(t, SkipReason(&obsstore.Observation{}, LaunchOptions{}))
	running := &obsstore.Observation{Job: &obsstore.SlurmJob{ID: 9, State: obsstore.JobRunning}}
	assert.Equal(t, "job 9 still running", SkipReason(running, LaunchOptions{ResubmitFailed: true}))
}
