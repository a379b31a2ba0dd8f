package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

// Cleaner removes interference from one archive, writing the result to out.
// It must not leave a partial file at out when it fails.
type Cleaner interface {
	Clean(ctx context.Context, chunk *obsstore.ObservationChunk, in, out string) error
}

// CommandCleaner zaps the known interference channels of the chunk's backend
// and then runs paz's median bandpass zapping on a copy of the input. The
// copy only appears at out after paz succeeds.
type CommandCleaner struct {
	Runner    toolrun.Runner
	Tolerance float64
	Logger    *zap.Logger
}

func (c *CommandCleaner) Clean(ctx context.Context, chunk *obsstore.ObservationChunk, in, out string) error {
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dirty := DirtyChannels(KnownRFI(chunk.Backend, c.Tolerance), chunk.CFreq, chunk.BW, chunk.NChan)
	logger.Info("Known dirty channels", zap.Int("count", len(dirty)), zap.String("file", in))

	// paz edits in place, so work on a sibling copy and only move it to out
	// once paz has exited cleanly. A killed run leaves at most the .tmp file.
	tmp := out + ".tmp"
	if err := copyFile(in, tmp); err != nil {
		return err
	}

	args := []string{"-r"}
	if len(dirty) > 0 {
		chans := make([]string, len(dirty))
		for i, ch := range dirty {
			chans[i] = strconv.Itoa(ch)
		}
		args = append(args, "-z", strings.Join(chans, " "))
	}
	args = append(args, "-m", tmp)

	if _, err := c.Runner.Run(ctx, "paz", args...); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) // #nosec G304 -- archive paths come from the store
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644) // #nosec G302 G304
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	if _, err = io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return nil
}
