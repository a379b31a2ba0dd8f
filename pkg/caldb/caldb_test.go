package caldb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name   string
		global string
		local  string
		want   string
		added  int
	}{
		{
			name:   "keeps existing order and appends new lines",
			global: "B\n",
			local:  "A\nB\nC\n",
			want:   "B\nA\nC\n",
			added:  2,
		},
		{
			name:   "repairs missing trailing newline",
			global: "B",
			local:  "A\n",
			want:   "B\nA\n",
			added:  1,
		},
		{
			name:   "drops header and duplicates within batch",
			global: "",
			local:  "Pulsar::Database # 2 entries\nA\nA\nB\n",
			want:   "A\nB\n",
			added:  2,
		},
		{
			name:   "prefixes relative entries with declared path",
			global: "/cal/x.cf 1\n",
			local:  "Pulsar::Database::path /cal\nx.cf 1\ny.cf 2\n/abs/z.cf 3\n",
			want:   "/cal/x.cf 1\n/cal/y.cf 2\n/abs/z.cf 3\n",
			added:  2,
		},
		{
			name:   "nothing new",
			global: "A\nB\n",
			local:  "B\nA\n",
			want:   "A\nB\n",
			added:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			global := filepath.Join(dir, "global.db")
			local := filepath.Join(dir, "local.db")
			writeFile(t, global, tt.global)
			writeFile(t, local, tt.local)

			added, err := Merge(global, local)
			require.NoError(t, err)
			assert.Equal(t, tt.added, added)
			assert.Equal(t, tt.want, readFile(t, global))
		})
	}
}

func TestMergeCreatesMissingGlobal(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "local.db")
	writeFile(t, local, "A\n")
	global := filepath.Join(dir, "global.db")

	added, err := Merge(global, local)
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, "A\n", readFile(t, global))

	_, err = Merge(global, filepath.Join(dir, "nope.db"))
	require.Error(t, err)
}

func argAfter(args []string, flag string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// fakePac writes a database for every -k target, listing the archives of
// the -W list file relative to the list's directory.
func fakePac(name string, args []string) (string, error) {
	if name != "pac" {
		return "", nil
	}
	var list, db string
	for i := 0; i+1 < len(args); i++ {
		switch args[i] {
		case "-W":
			list = args[i+1]
		case "-k":
			db = args[i+1]
		}
	}
	data, err := os.ReadFile(list)
	if err != nil {
		return "", err
	}
	content := "Pulsar::Database # built\nPulsar::Database::path /cal\n" + string(data)
	return "", os.WriteFile(db, []byte(content), 0644)
}

func newBuilder(t *testing.T, handler func(string, []string) (string, error)) (*Builder, *toolrun.FakeRunner) {
	t.Helper()
	root := t.TempDir()
	cfg := &pipeconfig.Config{
		Root:            root,
		GlobalFluxcalDB: filepath.Join(root, "flux_cal", "global.fluxcal.db"),
		GlobalPolncalDB: filepath.Join(root, "poln_cal", "global.polncal.db"),
	}
	runner := &toolrun.FakeRunner{Handler: handler}
	b := &Builder{
		Config: cfg,
		Runner: runner,
		Now:    func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	return b, runner
}

func TestCreateDB(t *testing.T) {
	b, runner := newBuilder(t, fakePac)

	db, err := b.CreateDB(context.Background(), []string{"a.cf", "b.cf"}, "x_list.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(b.Config.Root, "scratch", "x_list.db"), db)

	list := filepath.Join(b.Config.Root, "scratch", "x_list.txt")
	assert.Equal(t, "a.cf\nb.cf\n", readFile(t, list))
	require.Len(t, runner.Calls(), 1)
	assert.Equal(t, []string{"-K", "3.0", "-W", list, "-k", db}, runner.Calls()[0].Args)

	_, err = b.CreateDB(context.Background(), nil, "empty_list.txt")
	require.Error(t, err)
}

func TestCreateDBFailsWithoutDatabase(t *testing.T) {
	b, _ := newBuilder(t, func(string, []string) (string, error) { return "", nil })
	_, err := b.CreateDB(context.Background(), []string{"a.cf"}, "x_list.txt")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildFlux(t *testing.T) {
	b, runner := newBuilder(t, fakePac)
	ctx := context.Background()

	results, err := b.Build(ctx, Flux, map[float64][]string{
		1369.5: {"fc2.cf"},
		1284:   {"fc1.cf", "fc1b.cf"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "1284.0", results[0].Freq)
	assert.Equal(t, 2, results[0].Added)
	assert.Equal(t, "1369.5", results[1].Freq)
	assert.Equal(t, filepath.Join(b.Config.Root, "scratch", "2024-03-01-12:00:00_fluxcal_1284.0_list.db"), results[0].LocalDB)

	assert.Equal(t, "/cal/fc1.cf\n/cal/fc1b.cf\n/cal/fc2.cf\n", readFile(t, b.Config.GlobalFluxcalDB))

	fluxcal := runner.CallsTo("fluxcal")
	require.Len(t, fluxcal, 2)
	assert.Equal(t, []string{"-K", "3.0", "-d", results[0].LocalDB, "-O", b.Config.FluxcalSolutionsDir()}, fluxcal[0].Args)
	assert.DirExists(t, b.Config.FluxcalSolutionsDir())

	again, err := b.Build(ctx, Flux, map[float64][]string{1284: {"fc1.cf"}})
	require.NoError(t, err)
	assert.Zero(t, again[0].Added)
	assert.Equal(t, "/cal/fc1.cf\n/cal/fc1b.cf\n/cal/fc2.cf\n", readFile(t, b.Config.GlobalFluxcalDB))
}

func TestBuildPolnSkipsSolutions(t *testing.T) {
	b, runner := newBuilder(t, fakePac)
	_, err := b.Build(context.Background(), Poln, map[float64][]string{1284: {"pc.cf"}})
	require.NoError(t, err)
	assert.Empty(t, runner.CallsTo("fluxcal"))
	assert.Equal(t, "/cal/pc.cf\n", readFile(t, b.Config.GlobalPolncalDB))
}

func TestBuildContinuesPastFailedFrequency(t *testing.T) {
	b, runner := newBuilder(t, func(name string, args []string) (string, error) {
		if name == "pac" && strings.Contains(argAfter(args, "-W"), "_1284.0_") {
			return "no archives loaded", &toolrun.ExitError{Command: name, Code: 1}
		}
		return fakePac(name, args)
	})

	results, err := b.Build(context.Background(), Flux, map[float64][]string{
		1284: {"bad.cf"},
		1400: {"good.cf"},
	})
	require.Error(t, err)
	var ee *toolrun.ExitError
	assert.True(t, errors.As(err, &ee))
	assert.Contains(t, err.Error(), "fluxcal 1284.0")

	require.Len(t, results, 1)
	assert.Equal(t, "1400.0", results[0].Freq)
	assert.Equal(t, 1, results[0].Added)
	assert.Equal(t, "/cal/good.cf\n", readFile(t, b.Config.GlobalFluxcalDB))
	assert.Len(t, runner.CallsTo("pac"), 2)
	assert.Len(t, runner.CallsTo("fluxcal"), 1)
}

func TestBuildStopsWhenCancelled(t *testing.T) {
	b, runner := newBuilder(t, fakePac)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, Poln, map[float64][]string{1284: {"a.cf"}, 1400: {"b.cf"}})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, runner.Calls())
	assert.NoFileExists(t, b.Config.GlobalPolncalDB)
}

func TestBuildUnknownKind(t *testing.T) {
	b, _ := newBuilder(t, fakePac)
	_, err := b.Build(context.Background(), Kind("metm"), nil)
	require.Error(t, err)
}

func TestGroupByFreq(t *testing.T) {
	obs := []*obsstore.Observation{
		{CFreq: 1284, Chunks: []*obsstore.ObservationChunk{{CleanedFile: "a"}, {CleanedFile: ""}}},
		{CFreq: 1284, Chunks: []*obsstore.ObservationChunk{{CleanedFile: "b"}}},
		{CFreq: 3100, Chunks: []*obsstore.ObservationChunk{{CleanedFile: "c"}}},
	}
	assert.Equal(t, map[float64][]string{1284: {"a", "b"}, 3100: {"c"}}, GroupByFreq(obs))
}
