package cmd

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	configassets "github.com/3leaps/psrpype/internal/assets/configs"
	"github.com/3leaps/psrpype/internal/config"
	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
	"github.com/3leaps/psrpype/pkg/slurm"
	"github.com/3leaps/psrpype/pkg/stage"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

var (
	processShortlist      shortlist
	processWithSlurm      bool
	processResubmitFailed bool
	processWatch          bool
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process unprocessed pulsar observations",
	Long: `Run every selected, unprocessed pulsar observation through preprocessing,
cleaning, calibration, recleaning, consolidation and decimation.

Without --with-slurm the observations are processed here, one after
another. With --with-slurm each observation is submitted as its own batch
job running this command for exactly that observation, up to the
N_SIMULTANEOUS_JOBS limit. Stages whose output already exists are skipped,
so a run can be repeated safely.

Examples:
  # Process everything locally
  psrpype process --config pipe.cfg

  # Submit one job per observation of two sources and follow them
  psrpype process --config pipe.cfg --with-slurm --sources J0437-4715,J1909-3744 --watch

  # Retry observations whose previous job failed
  psrpype process --config pipe.cfg --with-slurm --resubmit-failed`,
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)
	processShortlist.register(processCmd)
	f := processCmd.Flags()
	f.BoolVar(&processWithSlurm, "with-slurm", false, "Submit one batch job per observation instead of processing locally")
	f.BoolVar(&processResubmitFailed, "resubmit-failed", false, "Resubmit observations whose previous job ended without processing them")
	f.BoolVar(&processWatch, "watch", false, "After submitting, follow the jobs until they finish")
}

func runProcess(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	processed := false
	filter, err := processShortlist.filter(obsstore.TypePulsar)
	if err != nil {
		return err
	}
	filter.Processed = &processed

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
		return fmt.Errorf("list observations: %w", err)
	}
	if len(observations) == 0 {
		logger.Info("No unprocessed observations selected")
		return nil
	}
	logger.Info("Selected observations", zap.Int("count", len(observations)))

	runner := toolrun.NewExecRunner(logger)
	if !processWithSlurm {
		proc := stage.NewProcessor(cfg, store, runner, logger)
		outcomes, err := proc.Run(ctx, observations)
		printOutcomes(cmd, observations, outcomes)
		if err != nil {
			if ctx.Err() != nil {
				return exitError(foundry.ExitSignalInt, "Processing cancelled", ctx.Err())
			}
			return err
		}
		return nil
	}

	return launchJobs(cmd, cfg, store, runner, observations)
}

func launchJobs(cmd *cobra.Command, cfg *pipeconfig.Config, store *obsstore.Store, runner toolrun.Runner, observations []*obsstore.Observation) error {
	ctx := cmd.Context()
	logger := observability.CLILogger
	settings := currentSettings()

	cfgPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	sched := newScheduler(runner)
	launcher, err := slurm.NewLauncher(cfg, store, sched, configassets.SlurmJobTemplate,
		slurm.ProcessCommand(executablePath(), cfgPath), logger, settings.Slurm.SubmitInterval)
	if err != nil {
		return err
	}

	res, err := launcher.LaunchAll(ctx, observations, slurm.LaunchOptions{ResubmitFailed: processResubmitFailed})
	if err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Submission cancelled", ctx.Err())
		}
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Submitted: %d  Skipped: %d  Failed: %d  Over limit: %d\n",
		len(res.Submitted), res.Skipped, res.Failed, res.Capped)
	if len(res.Unrecorded) > 0 {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Submitted but not recorded: %v (cancel with scancel before resubmitting)\n", res.Unrecorded)
	}

	if !processWatch {
		if res.Failed > 0 {
			return exitError(foundry.ExitExternalServiceUnavailable, "Some submissions failed", fmt.Errorf("failed=%d", res.Failed))
		}
		return nil
	}
	if len(res.Submitted) == 0 {
		logger.Info("Nothing submitted, not watching")
		return nil
	}

	rec := &slurm.Reconciler{
		Store:     store,
		Scheduler: sched,
		Interval:  settings.Slurm.PollInterval,
		Logger:    logger,
	}
	if err := rec.Run(ctx, res.Submitted); err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Watch cancelled", ctx.Err())
		}
		return err
	}
	return nil
}

func printOutcomes(cmd *cobra.Command, observations []*obsstore.Observation, outcomes []*stage.Outcome) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "SOURCE\tUTC\tCFREQ\tCHUNKS\tDONE\tFAILED\tCONSOLIDATED\tDECIMATED\tPROCESSED")
	for i, out := range outcomes {
		if out == nil || i >= len(observations) {
			continue
		}
		o := observations[i]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			o.Source, o.StartUTC, obsstore.FormatFreq(o.CFreq),
			out.Chunks, out.ChunksDone, out.ChunksFailed,
			yesNo(out.Consolidated), yesNo(out.Decimated), yesNo(out.Processed))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// currentSettings returns the loaded settings, or defaults when a command
// runs without the root pre-run (tests calling run functions directly).
func currentSettings() *config.Config {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg
	}
	return &config.Config{}
}

func newScheduler(runner toolrun.Runner) *slurm.CommandScheduler {
	bs := slurm.DefaultBreakerSettings()
	settings := currentSettings()
	if settings.Slurm.BreakerFailures > 0 {
		bs.ConsecutiveFailures = settings.Slurm.BreakerFailures
	}
	if settings.Slurm.BreakerOpenPeriod > 0 {
		bs.OpenTimeout = settings.Slurm.BreakerOpenPeriod
	}
	return slurm.NewCommandScheduler(runner, observability.CLILogger, bs)
}
