package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/3leaps/psrpype/pkg/obsstore"
)

var statusShortlist shortlist

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarise the pipeline database",
	Long: `Show database totals and the selected observations with their stage,
size and latest job.

Examples:
  psrpype status --config pipe.cfg
  psrpype status --config pipe.cfg --sources J0437-4715 --pending
  psrpype status --config pipe.cfg --summary --output yaml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusShortlist.register(statusCmd)
	f := statusCmd.Flags()
	f.String("type", "", "Comma separated observation types: Pulsar, PolnCal, FluxCal-On, FluxCal-Off")
	f.Bool("pending", false, "Only observations not yet processed")
	f.Bool("summary", false, "Only print database totals")
	f.Int("limit", 0, "Maximum observations to list (0 = no limit)")
	addOutputFlags(statusCmd)
}

// observationRow is the per-observation view printed by status.
type observationRow struct {
	ID        int64   `json:"id" yaml:"id"`
	Source    string  `json:"source" yaml:"source"`
	StartUTC  string  `json:"obs_start_utc" yaml:"obs_start_utc"`
	CFreq     float64 `json:"cfreq" yaml:"cfreq"`
	Type      string  `json:"obs_type" yaml:"obs_type"`
	Backend   string  `json:"backend" yaml:"backend"`
	Chunks    int     `json:"n_chunks" yaml:"n_chunks"`
	SizeBytes int64   `json:"size_bytes" yaml:"size_bytes"`
	Stage     string  `json:"stage" yaml:"stage"`
	Processed bool    `json:"processed" yaml:"processed"`
	JobID     int64   `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	JobState  string  `json:"job_state,omitempty" yaml:"job_state,omitempty"`
}

type statusReport struct {
	Stats        *obsstore.Stats  `json:"stats" yaml:"stats"`
	Observations []observationRow `json:"observations,omitempty" yaml:"observations,omitempty"`
}

func newObservationRow(o *obsstore.Observation) observationRow {
	row := observationRow{
		ID:        o.ID,
		Source:    o.Source,
		StartUTC:  o.StartUTC,
		CFreq:     o.CFreq,
		Type:      o.ObsType,
		Backend:   o.Backend,
		Chunks:    len(o.Chunks),
		SizeBytes: o.TotalSize(),
		Stage:     string(o.Stage()),
		Processed: o.Processed,
	}
	if o.Job != nil {
		row.JobID = o.Job.ID
		row.JobState = string(o.Job.State)
	}
	return row
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	typeFlag, _ := cmd.Flags().GetString("type")
	pending, _ := cmd.Flags().GetBool("pending")
	summaryOnly, _ := cmd.Flags().GetBool("summary")
	limit, _ := cmd.Flags().GetInt("limit")

	filter, err := statusShortlist.filter(splitList(typeFlag)...)
	if err != nil {
		return err
	}
	if pending {
		processed := false
		filter.Processed = &processed
	}
	if limit > 0 {
		filter.Limit = limit
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

	report := statusReport{}
	if report.Stats, err = store.Stats(ctx); err != nil {
		return err
	}
	if !summaryOnly {
		observations, err := store.ListObservations(ctx, filter)
		if err != nil {
			return err
		}
		report.Observations = make([]observationRow, 0, len(observations))
		for _, o := range observations {
			report.Observations = append(report.Observations, newObservationRow(o))
		}
	}

	out := cmd.OutOrStdout()
	if format != formatTable {
		return writeStructured(out, format, report)
	}
	printStats(out, report.Stats)
	if !summaryOnly {
		_, _ = fmt.Fprintln(out)
		printObservationTable(out, report.Observations)
	}
	return nil
}

func printStats(out io.Writer, st *obsstore.Stats) {
	_, _ = fmt.Fprintln(out, "Database:")
	_, _ = fmt.Fprintf(out, "  Collections:   %s\n", humanize.Comma(int64(st.Collections)))
	_, _ = fmt.Fprintf(out, "  Observations:  %s\n", humanize.Comma(int64(st.Observations)))
	_, _ = fmt.Fprintf(out, "  Processed:     %s\n", humanize.Comma(int64(st.Processed)))
	_, _ = fmt.Fprintf(out, "  Decimated:     %s\n", humanize.Comma(int64(st.Decimated)))
	_, _ = fmt.Fprintf(out, "  Chunks:        %s (%s)\n", humanize.Comma(int64(st.Chunks)), formatBytes(st.TotalBytes))

	if len(st.JobsByState) == 0 {
		return
	}
	states := make([]string, 0, len(st.JobsByState))
	for s := range st.JobsByState {
		states = append(states, s)
	}
	sort.Strings(states)
	_, _ = fmt.Fprintln(out, "Jobs:")
	for _, s := range states {
		_, _ = fmt.Fprintf(out, "  %-14s %d\n", s+":", st.JobsByState[s])
	}
}

func printObservationTable(out io.Writer, rows []observationRow) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(out, "No observations found")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tSOURCE\tUTC\tCFREQ\tTYPE\tCHUNKS\tSIZE\tSTAGE\tPROCESSED\tJOB")
	for _, r := range rows {
		job := "-"
		if r.JobID != 0 {
			job = fmt.Sprintf("%d (%s)", r.JobID, r.JobState)
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.Source, r.StartUTC, obsstore.FormatFreq(r.CFreq), r.Type,
			r.Chunks, formatBytes(r.SizeBytes), r.Stage, yesNo(r.Processed), job)
	}
}
