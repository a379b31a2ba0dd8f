package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/3leaps/psrpype/pkg/obsstore"
)

// Outcome summarises one observation's run.
type Outcome struct {
	Chunks       int
	ChunksDone   int
	ChunksFailed int
	Consolidated bool
	Decimated    bool
	Processed    bool
}

func (p *Processor) obsLogger(o *obsstore.Observation) *zap.Logger {
	return p.logger().With(
		zap.String("source", o.Source),
		zap.String("utc", o.StartUTC),
		zap.String("cfreq", obsstore.FormatFreq(o.CFreq)))
}

// ProcessObservation takes every chunk through the chunk stages, then
// consolidates and decimates the observation. Stage failures are logged and
// counted; only store failures and cancellation are returned.
func (p *Processor) ProcessObservation(ctx context.Context, o *obsstore.Observation) (*Outcome, error) {
	log := p.obsLogger(o)
	out := &Outcome{Chunks: len(o.Chunks)}
	if len(o.Chunks) == 0 {
		log.Warn("Observation has no chunks, skipping")
		return out, nil
	}

	for _, c := range o.Chunks {
		log.Debug("Considering chunk", zap.String("file", c.SymFile))
		err := p.ProcessChunk(ctx, c)
		switch {
		case err == nil:
			out.ChunksDone++
		case errors.Is(err, ErrStageFailed):
			out.ChunksFailed++
		default:
			return out, err
		}
	}
	if out.ChunksFailed > 0 {
		log.Warn("Chunks incomplete, not consolidating",
			zap.Int("failed", out.ChunksFailed),
			zap.Int("chunks", out.Chunks))
		return out, nil
	}

	combined, err := p.Consolidate(ctx, o)
	if err != nil {
		return out, absorb(err)
	}
	out.Consolidated = true

	decimated, err := p.Decimate(ctx, o, combined)
	if err != nil {
		return out, absorb(err)
	}
	out.Decimated = decimated

	if !o.Processed {
		o.Processed = true
		if err := p.save(ctx, o); err != nil {
			return out, err
		}
	}
	out.Processed = true
	log.Info("Observation processed", zap.Bool("decimated", o.Decimated))
	return out, nil
}

func absorb(err error) error {
	if errors.Is(err, ErrStageFailed) {
		return nil
	}
	return err
}

// CombinedPath is where psradd writes the observation's combined archive.
func (p *Processor) CombinedPath(o *obsstore.Observation) (string, error) {
	dir, err := o.OutputPath(p.Config.Root, "")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, o.Source+"_"+o.StartUTC+"_psradd.rf"), nil
}

// Consolidate adds the recleaned chunks into one archive. An existing
// combined file is never rebuilt.
func (p *Processor) Consolidate(ctx context.Context, o *obsstore.Observation) (string, error) {
	log := p.obsLogger(o)
	out, err := p.CombinedPath(o)
	if err != nil {
		return "", err
	}

	if fileExists(out) {
		log.Info("Combined file exists, skipping psradd", zap.String("output", out))
	} else {
		inputs := make([]string, 0, len(o.Chunks))
		for _, c := range o.Chunks {
			if c.RecleanedFile == "" {
				return "", fail(log, obsstore.StageRecleaned, "Cannot consolidate",
					fmt.Errorf("chunk %s has no recleaned file", c.SymFile))
			}
			inputs = append(inputs, c.RecleanedFile)
		}
		args := append([]string{"-o", out}, inputs...)
		if _, err := p.Runner.Run(ctx, "psradd", args...); err != nil {
			return "", fail(log, obsstore.StageRecleaned, "Consolidation failed", err)
		}
		if !fileExists(out) {
			return "", fail(log, obsstore.StageRecleaned, "Combined output missing", fmt.Errorf("%s: %w", out, os.ErrNotExist))
		}
		log.Info("Consolidation done", zap.String("output", out), zap.Int("chunks", len(inputs)))
	}

	if o.PsraddedFile != out {
		o.PsraddedFile = out
		if err := p.save(ctx, o); err != nil {
			return "", err
		}
	}
	return out, nil
}

// DecimationExtension is the pam output extension for one flag set, so each
// set writes its own file ("-F -T" -> "decFT").
func DecimationExtension(flags string) string {
	var b strings.Builder
	b.WriteString("dec")
	for _, r := range flags {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Decimate applies each of the source's decimation flag sets to the
// combined archive. The observation is marked decimated only after every
// set succeeded. It reports whether the observation is decimated.
func (p *Processor) Decimate(ctx context.Context, o *obsstore.Observation, combined string) (bool, error) {
	log := p.obsLogger(o)
	if o.Decimated {
		log.Info("Already decimated, skipping")
		return true, nil
	}
	sets := p.Config.Decimations[o.Source]
	if len(sets) == 0 {
		log.Warn("No decimation settings for source, skipping")
		return false, nil
	}

	dir, err := o.OutputPath(p.Config.Root, obsstore.StageDecimated)
	if err != nil {
		return false, err
	}
	for _, flags := range sets {
		ext := DecimationExtension(flags)
		args := append(strings.Fields(flags), "-e", ext, "-u", dir, combined)
		if _, err := p.Runner.Run(ctx, "pam", args...); err != nil {
			return false, fail(log, obsstore.StageDecimated, "Decimation failed", err)
		}
		produced := filepath.Join(dir, obsstore.FileStem(combined)+"."+ext)
		if !fileExists(produced) {
			return false, fail(log, obsstore.StageDecimated, "Decimated output missing", fmt.Errorf("%s: %w", produced, os.ErrNotExist))
		}
		log.Debug("Decimated", zap.String("flags", flags), zap.String("output", produced))
	}

	o.Decimated = true
	if err := p.save(ctx, o); err != nil {
		return false, err
	}
	log.Info("All decimations done", zap.Int("sets", len(sets)))
	return true, nil
}

// PrepareCalibrator fixes the type of and cleans every chunk of a
// calibrator observation, ready for the calibration database builder.
// It returns the cleaned files.
func (p *Processor) PrepareCalibrator(ctx context.Context, o *obsstore.Observation) ([]string, error) {
	var cleaned []string
	for _, c := range o.Chunks {
		if err := p.FixCalibratorType(ctx, c); err != nil {
			if errors.Is(err, ErrStageFailed) {
				continue
			}
			return cleaned, err
		}
		if err := p.Clean(ctx, c); err != nil {
			if errors.Is(err, ErrStageFailed) {
				continue
			}
			return cleaned, err
		}
		cleaned = append(cleaned, c.CleanedFile)
	}
	return cleaned, nil
}

// Run processes observations in order, carrying on past stage failures.
func (p *Processor) Run(ctx context.Context, observations []*obsstore.Observation) ([]*Outcome, error) {
	outcomes := make([]*Outcome, 0, len(observations))
	for _, o := range observations {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		out, err := p.ProcessObservation(ctx, o)
		outcomes = append(outcomes, out)
		if err != nil {
			return outcomes, fmt.Errorf("observation %s: %w", o.StartUTC, err)
		}
	}
	return outcomes, nil
}
