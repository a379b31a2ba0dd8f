package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/pkg/caldb"
	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/stage"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

var prepareCalsShortlist shortlist

var prepareCalsCmd = &cobra.Command{
	Use:   "prepare-cals",
	Short: "Clean calibrators and update the calibration databases",
	Long: `Correct the type of, and clean, every selected calibrator observation,
then build a local calibration database per centre frequency and merge it
into the global flux or polarisation database. Flux calibrator databases
also get fluxcal solutions.

Run this before processing pulsars so calibration finds its solutions.

Examples:
  psrpype prepare-cals --config pipe.cfg
  psrpype prepare-cals --config pipe.cfg --frequencies 1284 --backends Medusa`,
	RunE: runPrepareCals,
}

func init() {
	rootCmd.AddCommand(prepareCalsCmd)
	prepareCalsShortlist.register(prepareCalsCmd)
}

func runPrepareCals(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	filter, err := prepareCalsShortlist.filter(obsstore.TypePolnCal, obsstore.TypeFluxCalOn, obsstore.TypeFluxCalOff)
	if err != nil {
		return err
	}
	cfg, err := loadPipeline()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	observations, err := store.ListObservations(ctx, filter)
	if err != nil {
		return fmt.Errorf("list calibrators: %w", err)
	}
	if len(observations) == 0 {
		logger.Info("No calibrator observations selected")
		return nil
	}

	runner := toolrun.NewExecRunner(logger)
	proc := stage.NewProcessor(cfg, store, runner, logger)
	var (
		flux, poln []*obsstore.Observation
		failures   []error
	)
	for _, o := range observations {
		logger.Debug("Preparing calibrator", zap.String("source", o.Source), zap.String("utc", o.StartUTC))
		if _, err := proc.PrepareCalibrator(ctx, o); err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Calibrator preparation cancelled", ctx.Err())
			}
			logger.Error("Calibrator preparation failed",
				zap.String("severity", "fatal"),
				zap.String("source", o.Source),
				zap.String("utc", o.StartUTC),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("prepare %s %s: %w", o.Source, o.StartUTC, err))
			continue
		}
		switch {
		case o.IsFluxCal():
			flux = append(flux, o)
		case o.IsPolnCal():
			poln = append(poln, o)
		}
	}

	builder := &caldb.Builder{Config: cfg, Runner: runner, Logger: logger}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "KIND\tCFREQ\tLOCAL DB\tNEW LINES")

	for _, set := range []struct {
		kind caldb.Kind
		obs  []*obsstore.Observation
	}{
		{caldb.Flux, flux},
		{caldb.Poln, poln},
	} {
		grouped := caldb.GroupByFreq(set.obs)
		if len(grouped) == 0 {
			logger.Info("No cleaned calibrators", zap.String("kind", string(set.kind)))
			continue
		}
		results, err := builder.Build(ctx, set.kind, grouped)
		for _, r := range results {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", set.kind, r.Freq, r.LocalDB, r.Added)
		}
		if err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Calibration database build cancelled", ctx.Err())
			}
			failures = append(failures, fmt.Errorf("build %s database: %w", set.kind, err))
		}
	}
	return errors.Join(failures...)
}
