package stage

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

type fixture struct {
	root   string
	store  *obsstore.Store
	cfg    *pipeconfig.Config
	runner *toolrun.FakeRunner
	proc   *Processor
	obs    *obsstore.Observation
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("archive"), 0644))
}

func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

// simulateTools writes the files the psrchive tools would produce.
func simulateTools(name string, args []string) (string, error) {
	write := func(path string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		return os.WriteFile(path, []byte(name), 0644)
	}
	switch name {
	case "pam":
		dir := argAfter(args, "-u")
		in := args[len(args)-1]
		if ext := argAfter(args, "-e"); ext != "" {
			return "", write(filepath.Join(dir, obsstore.FileStem(in)+"."+ext))
		}
		in = args[slices.Index(args, "-u")-1]
		return "", write(filepath.Join(dir, filepath.Base(in)))
	case "pac":
		in := args[len(args)-1]
		return "", write(filepath.Join(argAfter(args, "-O"), obsstore.FileStem(in)+".calib"))
	case "psradd":
		return "", write(argAfter(args, "-o"))
	}
	return "", nil
}

func chunkFor(coll *obsstore.Collection, rawDir, source, obsType, utc string, startMJD float64) *obsstore.ObservationChunk {
	return &obsstore.ObservationChunk{
		NChan: 1024, NSubint: 8, NBin: 1024, NPol: 4,
		CFreq: 1284, BW: 256, FileSize: 3 << 30,
		Source: source, Backend: "Medusa", Telescope: "Parkes",
		StartMJD: startMJD, EndMJD: startMJD + 0.0005,
		StartUTC: utc, ObsType: obsType,
		OriginalFile: filepath.Join(rawDir, "orig", utc+"_"+source+".ar"),
		SymFile:      filepath.Join(rawDir, "sym", source, utc+".ar"),
		Collection:   coll,
	}
}

// newFixture stores one observation of source with nChunks chunks whose
// raw files exist on disk.
func newFixture(t *testing.T, source, obsType string, nChunks int) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()

	store, err := obsstore.Open(ctx, obsstore.Config{Path: filepath.Join(root, "psrpype.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.InitDatabase(ctx))

	cfg := &pipeconfig.Config{
		Root:            root,
		GlobalFluxcalDB: filepath.Join(root, "flux.db"),
		GlobalPolncalDB: filepath.Join(root, "poln.db"),
		GlobalMetmDB:    filepath.Join(root, "metm.db"),
		RFIZapTolerance: 1,
		DMs:             map[string]string{"J0437-4715": "2.64"},
		RMs:             map[string]string{},
		Decimations:     map[string][]string{"J0437-4715": {"-F -T", "-T --setnchn 32"}},
	}

	coll := &obsstore.Collection{Name: "P970_data", Path: "/data/P970_data", PID: "P970"}
	utcs := []string{"2020-01-01-00:00:00", "2020-01-01-00:00:43", "2020-01-01-00:01:26"}
	var chunks []*obsstore.ObservationChunk
	for i := 0; i < nChunks; i++ {
		c := chunkFor(coll, filepath.Join(root, "raw"), source, obsType, utcs[i], 58849+float64(i)*0.0005)
		c.StartUTC = utcs[0]
		touch(t, c.SymFile)
		chunks = append(chunks, c)
	}
	obs, err := obsstore.NewObservation(chunks...)
	require.NoError(t, err)
	require.NoError(t, store.AddAll(ctx, []obsstore.Record{coll, obs}))

	runner := &toolrun.FakeRunner{Handler: simulateTools}
	return &fixture{
		root:   root,
		store:  store,
		cfg:    cfg,
		runner: runner,
		proc:   NewProcessor(cfg, store, runner, nil),
		obs:    obs,
	}
}

func toolNames(calls []toolrun.Call) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}
