package slurm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
)

// fakeScheduler hands out increasing job ids and replays state polls.
type fakeScheduler struct {
	mu        sync.Mutex
	nextID    int64
	submitted []string
	submitErr error
	polls     []map[int64]obsstore.JobState
	queried   [][]int64
}

func (f *fakeScheduler) Submit(_ context.Context, script string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.nextID++
	f.submitted = append(f.submitted, script)
	return f.nextID, nil
}

func (f *fakeScheduler) States(_ context.Context, ids []int64) (map[int64]obsstore.JobState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queried = append(f.queried, append([]int64(nil), ids...))
	if len(f.polls) == 0 {
		return nil, errors.New("no more polls scripted")
	}
	next := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return next, nil
}

func (f *fakeScheduler) queries() [][]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]int64(nil), f.queried...)
}

// jobTemplate reads the batch script template the CLI embeds.
func jobTemplate(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "..", "internal", "assets", "configs", "slurm_job.tmpl"))
	require.NoError(t, err)
	return string(data)
}

func openStore(t *testing.T) (*obsstore.Store, string) {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	store, err := obsstore.Open(ctx, obsstore.Config{Path: filepath.Join(root, "psrpype.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitDatabase(ctx))
	return store, root
}

func testConfig(root string) *pipeconfig.Config {
	return &pipeconfig.Config{
		Root:              root,
		NSimultaneousJobs: 50,
		Partition:         "skylake",
		MailUser:          "ops@example.org",
		MailType:          "FAIL",
		SlurmBashHeader:   "module load psrchive\nmodule load clfd",
	}
}

var testUTCs = []string{"2020-01-01-00:00:00", "2020-01-02-00:00:00", "2020-01-03-00:00:00", "2020-01-04-00:00:00"}

// storeObservation records a pulsar observation with one chunk of size bytes.
func storeObservation(t *testing.T, store *obsstore.Store, i int, size int64) *obsstore.Observation {
	t.Helper()
	coll := &obsstore.Collection{Name: "P970_data", Path: "/data/P970_data", PID: "P970"}
	c := &obsstore.ObservationChunk{
		NChan: 1024, NSubint: 8, NBin: 1024, NPol: 4,
		CFreq: 1284, BW: 256, FileSize: size,
		Source: "J0437-4715", Backend: "Medusa", Telescope: "Parkes",
		StartMJD: 58849 + float64(i), EndMJD: 58849.01 + float64(i),
		StartUTC: testUTCs[i], ObsType: obsstore.TypePulsar,
		OriginalFile: "/data/P970_data/" + testUTCs[i] + ".ar",
		SymFile:      "/pipe/raw/" + testUTCs[i] + ".ar",
		Collection:   coll,
	}
	if existing, err := store.FindCollection(context.Background(), coll.Path, coll.PID, ""); err == nil {
		c.Collection = existing
	}
	obs, err := obsstore.NewObservation(c)
	require.NoError(t, err)
	require.NoError(t, store.Add(context.Background(), obs))
	return obs
}
