// Package stage runs the per-chunk reduction stages and the observation
// level consolidation and decimation.
package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

// ErrStageFailed marks a per-item failure: the tool failed, its input was
// missing or it did not produce its output. The stage field stays unset so
// a later run retries it.
var ErrStageFailed = errors.New("stage failed")

// Processor runs stages against chunks and records their outputs.
type Processor struct {
	Config  *pipeconfig.Config
	Store   *obsstore.Store
	Runner  toolrun.Runner
	Cleaner Cleaner
	Logger  *zap.Logger
}

// NewProcessor wires a processor with the paz based cleaner.
func NewProcessor(cfg *pipeconfig.Config, store *obsstore.Store, runner toolrun.Runner, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		Config:  cfg,
		Store:   store,
		Runner:  runner,
		Cleaner: &CommandCleaner{Runner: runner, Tolerance: cfg.RFIZapTolerance, Logger: logger},
		Logger:  logger,
	}
}

func (p *Processor) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Processor) chunkLogger(c *obsstore.ObservationChunk) *zap.Logger {
	return p.logger().With(
		zap.String("source", c.Source),
		zap.String("utc", c.StartUTC),
		zap.String("file", c.SymFile))
}

// fail logs a stage failure at fatal severity and returns it wrapped in
// ErrStageFailed. The batch carries on.
func fail(log *zap.Logger, stage obsstore.Stage, msg string, err error) error {
	log.Error(msg,
		zap.String("severity", "fatal"),
		zap.String("stage", string(stage)),
		zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrStageFailed, stage, err)
}

func (p *Processor) save(ctx context.Context, recs ...obsstore.Record) error {
	if err := p.Store.AddAll(ctx, recs); err != nil {
		return fmt.Errorf("record stage output: %w", err)
	}
	return nil
}

// FixCalibratorType rewrites the observation type of a flux calibrator that
// the backend did not label as one. Sources with "_O" are on-source.
func (p *Processor) FixCalibratorType(ctx context.Context, c *obsstore.ObservationChunk) error {
	if !c.IsFluxCal() || strings.Contains(c.ObsType, "FluxCal") {
		return nil
	}
	obsType := obsstore.TypeFluxCalOff
	if strings.Contains(c.Source, "_O") {
		obsType = obsstore.TypeFluxCalOn
	}
	log := p.chunkLogger(c)
	if _, err := p.Runner.Run(ctx, "psredit", "-c", "type="+obsType, "-m", c.SymFile); err != nil {
		return fail(log, obsstore.StagePreprocessed, "Could not fix calibrator type", err)
	}
	log.Info("Fixed calibrator type", zap.String("from", c.ObsType), zap.String("to", obsType))

	c.ObsType = obsType
	recs := []obsstore.Record{c}
	if o := c.Observation; o != nil && o.ObsType != obsType {
		o.ObsType = obsType
		recs = append(recs, o)
	}
	return p.save(ctx, recs...)
}

// PreprocessFlags returns the pam flags a chunk needs: dispersion and
// rotation measures and ephemeris for pulsars, frequency reversal for
// inverted bands.
func (p *Processor) PreprocessFlags(c *obsstore.ObservationChunk) []string {
	var flags []string
	if c.IsPulsar() {
		if dm, ok := p.Config.DMs[c.Source]; ok {
			flags = append(flags, "-d", dm)
		}
		if rm, ok := p.Config.RMs[c.Source]; ok {
			flags = append(flags, "-R", rm)
		}
		if eph := p.Config.EphemerisPath(c.Source); fileExists(eph) {
			flags = append(flags, "-E", eph)
		}
	}
	if c.BW < 0 {
		flags = append(flags, "--reverse_freqs")
	}
	return flags
}

// Preprocess installs per-source parameters with pam. A chunk needing no
// flags is left to be cleaned straight from its symlink.
func (p *Processor) Preprocess(ctx context.Context, c *obsstore.ObservationChunk) error {
	log := p.chunkLogger(c)
	if c.PreprocessedFile != "" {
		log.Info("Preprocessed file recorded, skipping")
		return nil
	}
	if err := p.FixCalibratorType(ctx, c); err != nil {
		return err
	}

	flags := p.PreprocessFlags(c)
	if len(flags) == 0 {
		log.Warn("Nothing to preprocess")
		return nil
	}

	root := p.Config.Root
	dir, err := c.OutputPath(root, obsstore.StagePreprocessed)
	if err != nil {
		return err
	}
	out := filepath.Join(dir, c.OutputArchiveName(obsstore.StagePreprocessed))

	args := append(append([]string{}, flags...), c.SymFile, "-u", dir)
	if _, err := p.Runner.Run(ctx, "pam", args...); err != nil {
		return fail(log, obsstore.StagePreprocessed, "Preprocessing failed", err)
	}
	if err := moveOutput(filepath.Join(dir, filepath.Base(c.SymFile)), out); err != nil {
		return fail(log, obsstore.StagePreprocessed, "Preprocessed output missing", err)
	}

	c.PreprocessedFile = out
	if err := p.save(ctx, c); err != nil {
		return err
	}
	log.Info("Preprocessing done", zap.String("output", out))
	return nil
}

// Clean cleans the preprocessed file, or the symlinked raw file when
// preprocessing was a no-op.
func (p *Processor) Clean(ctx context.Context, c *obsstore.ObservationChunk) error {
	log := p.chunkLogger(c)
	if c.CleanedFile != "" {
		log.Info("Cleaned file recorded, skipping")
		return nil
	}
	in := c.PreprocessedFile
	if in == "" {
		in = c.SymFile
	}
	out, err := p.clean(ctx, log, c, in, obsstore.StageCleaned)
	if err != nil {
		return err
	}
	c.CleanedFile = out
	if err := p.save(ctx, c); err != nil {
		return err
	}
	log.Info("Cleaning done", zap.String("output", out))
	return nil
}

// Reclean removes interference left after calibration.
func (p *Processor) Reclean(ctx context.Context, c *obsstore.ObservationChunk) error {
	log := p.chunkLogger(c)
	if c.RecleanedFile != "" {
		log.Info("Recleaned file recorded, skipping")
		return nil
	}
	if c.CalibratedFile == "" {
		return fail(log, obsstore.StageRecleaned, "Cannot reclean", errors.New("no calibrated file recorded"))
	}
	out, err := p.clean(ctx, log, c, c.CalibratedFile, obsstore.StageRecleaned)
	if err != nil {
		return err
	}
	c.RecleanedFile = out
	if err := p.save(ctx, c); err != nil {
		return err
	}
	log.Info("Recleaning done", zap.String("output", out))
	return nil
}

func (p *Processor) clean(ctx context.Context, log *zap.Logger, c *obsstore.ObservationChunk, in string, stage obsstore.Stage) (string, error) {
	out, err := c.OutputArchivePath(p.Config.Root, stage)
	if err != nil {
		return "", err
	}
	if fileExists(out) {
		log.Warn("Cleaned file already on disk, recording it", zap.String("output", out))
		return out, nil
	}
	if !fileExists(in) {
		return "", fail(log, stage, "Input file does not exist", fmt.Errorf("%s: %w", in, os.ErrNotExist))
	}

	cleaner := p.Cleaner
	if cleaner == nil {
		cleaner = &CommandCleaner{Runner: p.Runner, Tolerance: p.Config.RFIZapTolerance, Logger: log}
	}
	if err := cleaner.Clean(ctx, c, in, out); err != nil {
		return "", fail(log, stage, "Cleaning failed", err)
	}
	if !fileExists(out) {
		return "", fail(log, stage, "Cleaned output missing", fmt.Errorf("%s: %w", out, os.ErrNotExist))
	}
	return out, nil
}

// Calibrate applies the global flux, polarisation and Mueller matrix
// solutions to the cleaned file.
func (p *Processor) Calibrate(ctx context.Context, c *obsstore.ObservationChunk) error {
	log := p.chunkLogger(c)
	if c.CalibratedFile != "" {
		log.Info("Calibrated file recorded, skipping")
		return nil
	}
	if c.CleanedFile == "" {
		return fail(log, obsstore.StageCalibrated, "Cannot calibrate", errors.New("no cleaned file recorded"))
	}

	dir, err := c.OutputPath(p.Config.Root, obsstore.StageCalibrated)
	if err != nil {
		return err
	}
	out := filepath.Join(dir, c.OutputArchiveName(obsstore.StageCalibrated))

	_, err = p.Runner.Run(ctx, "pac",
		"-k", "3.0", "-g", "-S", "-T",
		"-O", dir,
		"-d", p.Config.GlobalFluxcalDB,
		"-d", p.Config.GlobalPolncalDB,
		"-d", p.Config.GlobalMetmDB,
		c.CleanedFile)
	if err != nil {
		return fail(log, obsstore.StageCalibrated, "Calibration failed", err)
	}
	produced := filepath.Join(dir, obsstore.FileStem(c.CleanedFile)+".calib")
	if err := moveOutput(produced, out); err != nil {
		return fail(log, obsstore.StageCalibrated, "Calibrated output missing", err)
	}

	c.CalibratedFile = out
	if err := p.save(ctx, c); err != nil {
		return err
	}
	log.Info("Calibration done", zap.String("output", out))
	return nil
}

// ProcessChunk runs every chunk stage in order and marks the chunk
// processed once it has a recleaned file. It stops at the first failure.
func (p *Processor) ProcessChunk(ctx context.Context, c *obsstore.ObservationChunk) error {
	stages := []func(context.Context, *obsstore.ObservationChunk) error{
		p.Preprocess, p.Clean, p.Calibrate, p.Reclean,
	}
	for _, run := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := run(ctx, c); err != nil {
			return err
		}
	}
	if c.Processed {
		return nil
	}
	c.Processed = true
	return p.save(ctx, c)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// moveOutput renames a tool's output into place, copying across devices.
func moveOutput(from, to string) error {
	if !fileExists(from) {
		return fmt.Errorf("%s: %w", from, os.ErrNotExist)
	}
	if from == to {
		return nil
	}
	if err := os.Rename(from, to); err == nil {
		return nil
	}
	if err := copyFile(from, to); err != nil {
		return err
	}
	return os.Remove(from)
}
