package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/psrpype/internal/errors"
	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/slurm"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Track Slurm jobs submitted by process --with-slurm",
	Long: `Inspect and reconcile the batch jobs recorded in the pipeline database.

Job states are only refreshed by 'jobs watch' (or 'process --watch'), which
polls sacct and writes the reported states back.`,
}

var jobsWatchCmd = &cobra.Command{
	Use:   "watch [job_id...]",
	Short: "Poll the scheduler until jobs finish",
	Long: `Poll sacct and record state changes until every watched job reaches a
terminal state. Without arguments every active job in the database is
watched. Failed jobs are logged at error level.

Examples:
  psrpype jobs watch --config pipe.cfg
  psrpype jobs watch --config pipe.cfg 4242 4243
  psrpype jobs watch --config pipe.cfg --once`,
	RunE: runJobsWatch,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded jobs",
	Long: `List recorded jobs, newest first.

Examples:
  psrpype jobs list --config pipe.cfg
  psrpype jobs list --config pipe.cfg --state failed,out_of_memory --output yaml`,
	RunE: runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show a job and the observation it processes",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsWatchCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	jobsWatchCmd.Flags().Bool("once", false, "Run a single reconciliation cycle and exit")
	jobsWatchCmd.Flags().Duration("interval", 0, "Poll interval (default: slurm.poll_interval setting)")
	jobsListCmd.Flags().String("state", "", "Comma separated states to list (default: all)")
	addOutputFlags(jobsListCmd)
	addOutputFlags(jobsStatusCmd)
}

func parseJobIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil || id <= 0 {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid job id %q", a), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runJobsWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := observability.CLILogger

	ids, err := parseJobIDs(args)
	if err != nil {
		return err
	}
	once, _ := cmd.Flags().GetBool("once")
	interval, _ := cmd.Flags().GetDuration("interval")
	if interval <= 0 {
		interval = currentSettings().Slurm.PollInterval
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

	rec := &slurm.Reconciler{
		Store:     store,
		Scheduler: newScheduler(toolrun.NewExecRunner(logger)),
		Interval:  interval,
		Logger:    logger,
	}

	if once {
		states, err := rec.Once(ctx)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Reconciliation failed", err)
		}
		logger.Info("Reconciled jobs", zap.Int("reported", len(states)))
		return nil
	}

	if err := rec.Run(ctx, ids); err != nil {
		if ctx.Err() != nil {
			return exitError(foundry.ExitSignalInt, "Watch cancelled", ctx.Err())
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Watch failed", err)
	}
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	stateFlag, _ := cmd.Flags().GetString("state")
	var states []obsstore.JobState
	for _, s := range splitList(stateFlag) {
		states = append(states, obsstore.JobState(strings.ToUpper(s)))
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

	jobs, err := store.ListSlurmJobs(ctx, states...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if format != formatTable {
		if jobs == nil {
			jobs = []*obsstore.SlurmJob{}
		}
		return writeStructured(out, format, jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tSTATE\tSUBMITTED\tUPDATED\tDESCRIPTION")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			j.ID, j.State, formatOptionalTime(j.SubmittedAt), formatOptionalTime(j.UpdatedAt), dash(j.Description))
	}
	return nil
}

type jobStatus struct {
	Job         *obsstore.SlurmJob    `json:"job" yaml:"job"`
	Observation *obsstore.Observation `json:"observation,omitempty" yaml:"observation,omitempty"`
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	ids, err := parseJobIDs(args)
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

	job, err := store.GetSlurmJob(ctx, ids[0])
	if err != nil {
		if errors.Is(err, obsstore.ErrNotFound) {
			return apperrors.NewNotFoundError(fmt.Sprintf("job %d not found", ids[0]))
		}
		return err
	}
	status := jobStatus{Job: job}

	hasJob := true
	linked, err := store.ListObservations(ctx, obsstore.ObservationFilter{HasJob: &hasJob})
	if err != nil {
		return err
	}
	for _, o := range linked {
		if o.SlurmID != nil && *o.SlurmID == job.ID {
			status.Observation = o
			break
		}
	}

	out := cmd.OutOrStdout()
	if format != formatTable {
		return writeStructured(out, format, status)
	}

	_, _ = fmt.Fprintf(out, "Job:        %d\n", job.ID)
	_, _ = fmt.Fprintf(out, "State:      %s\n", job.State)
	_, _ = fmt.Fprintf(out, "Submitted:  %s\n", formatOptionalTime(job.SubmittedAt))
	_, _ = fmt.Fprintf(out, "Updated:    %s\n", formatOptionalTime(job.UpdatedAt))
	if job.Description != "" {
		_, _ = fmt.Fprintf(out, "Script:     %s\n", job.Description)
	}
	if o := status.Observation; o != nil {
		_, _ = fmt.Fprintf(out, "Source:     %s\n", o.Source)
		_, _ = fmt.Fprintf(out, "UTC:        %s\n", o.StartUTC)
		_, _ = fmt.Fprintf(out, "CFreq:      %s MHz\n", obsstore.FormatFreq(o.CFreq))
		_, _ = fmt.Fprintf(out, "Stage:      %s\n", o.Stage())
		_, _ = fmt.Fprintf(out, "Processed:  %s\n", yesNo(o.Processed))
	}
	return nil
}
