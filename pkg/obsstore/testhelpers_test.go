package obsstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "psrpype.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitDatabase(ctx))
	return s
}

func testChunk(coll *Collection, source, utc string, cfreq, startMJD float64, file string) *ObservationChunk {
	return &ObservationChunk{
		NChan: 1024, NSubint: 8, NBin: 1024, NPol: 4,
		CFreq: cfreq, BW: 256, FileSize: 2_000_000_000,
		Source: source, Backend: "Medusa", Telescope: "Parkes",
		StartMJD: startMJD, EndMJD: startMJD + 0.01,
		StartUTC: utc, ObsType: TypePulsar,
		OriginalFile: "/data/raw/" + file,
		SymFile:      "/pipe/raw/" + file,
		Collection:   coll,
	}
}
