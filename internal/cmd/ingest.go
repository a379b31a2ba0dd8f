package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/pkg/archive"
	"github.com/3leaps/psrpype/pkg/ingest"
	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

var (
	ingestOut         string
	ingestPID         string
	ingestAlias       string
	ingestDescription string
	ingestDirs        []string
	ingestFiles       []string
	ingestExtensions  string
	ingestBackends    string
	ingestSources     string
	ingestFrequencies string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Record raw archives in the pipeline database",
	Long: `Read the header of every raw archive, record it in the database and link
it into the raw tree as <out>/<pid>/<source>/<utc>/<cfreq>/<file>.

Whole directories become one collection each; an explicit file list becomes
the "standalone" collection. Files already known to the database are
skipped, so re-running over a growing directory only adds new files.

Examples:
  # Ingest every .ar/.cf/.rf file under two directories
  psrpype ingest --config pipe.cfg --pid P970 --dirs /raw/P970_a,/raw/P970_b

  # Ingest a handful of files, keeping only one source
  psrpype ingest --config pipe.cfg --pid P970 --files a.ar,b.ar --sources J0437-4715

  # Match by glob instead of suffix
  psrpype ingest --config pipe.cfg --pid P970 --dirs /raw/P970 --extensions '**/*.sf'`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	f := ingestCmd.Flags()
	f.StringVar(&ingestOut, "out", "", "Symlink tree root (default: <PSRPYPE_ROOT>/raw)")
	f.StringVarP(&ingestPID, "pid", "p", "", "Project id (required)")
	f.StringVar(&ingestAlias, "alias", "", "Alias for the collection")
	f.StringVar(&ingestDescription, "description", "", "Collection description")
	f.StringSliceVarP(&ingestDirs, "dirs", "d", nil, "Input directories, one collection each")
	f.StringSliceVarP(&ingestFiles, "files", "f", nil, "Input files for the standalone collection")
	f.StringVarP(&ingestExtensions, "extensions", "e", strings.Join(ingest.DefaultExtensions, ","),
		"Comma separated suffixes or doublestar patterns to ingest")
	f.StringVarP(&ingestBackends, "backends", "b", "", "Comma separated backends to keep (default: all)")
	f.StringVarP(&ingestSources, "sources", "s", "", "Comma separated sources to keep (default: all)")
	f.StringVarP(&ingestFrequencies, "frequencies", "c", "", "Comma separated centre frequencies to keep (default: all)")
	_ = ingestCmd.MarkFlagRequired("pid")
	ingestCmd.MarkFlagsMutuallyExclusive("dirs", "files")
	ingestCmd.MarkFlagsOneRequired("dirs", "files")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	freqs, err := parseFrequencies(ingestFrequencies)
	if err != nil {
		return err
	}
	cfg, err := loadPipeline()
	if err != nil {
		return err
	}
	out := ingestOut
	if out == "" {
		out = filepath.Join(cfg.Root, obsstore.RawDir)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	logger := observability.CLILogger
	in := &ingest.Ingester{
		Store:  store,
		Reader: &archive.VapReader{Runner: toolrun.NewExecRunner(logger)},
		Logger: logger,
	}
	opts := ingest.Options{
		OutDir:      out,
		PID:         ingestPID,
		Alias:       ingestAlias,
		Description: ingestDescription,
		Extensions:  splitList(ingestExtensions),
		Backends:    splitList(ingestBackends),
		Sources:     splitList(ingestSources),
		Frequencies: freqs,
	}

	var res *ingest.Result
	if len(ingestDirs) > 0 {
		res, err = in.IngestDirs(ctx, ingestDirs, opts)
	} else {
		res, err = in.IngestFiles(ctx, ingestFiles, opts)
	}
	if res != nil {
		printIngestResult(cmd, res)
	}
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrMissingDirectory):
			return exitError(foundry.ExitFileNotFound, "Ingest failed", err)
		case ctx.Err() != nil:
			return exitError(foundry.ExitSignalInt, "Ingest cancelled", ctx.Err())
		}
		return fmt.Errorf("ingest: %w", err)
	}

	logger.Info("Ingest complete",
		zap.Int("collections", res.Collections),
		zap.Int("observations", res.Observations),
		zap.Int("chunks", res.Chunks),
		zap.Int("skipped", res.Skipped))
	return nil
}

func printIngestResult(cmd *cobra.Command, res *ingest.Result) {
	w := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(w, "Collections:  %s\n", humanize.Comma(int64(res.Collections)))
	_, _ = fmt.Fprintf(w, "Observations: %s\n", humanize.Comma(int64(res.Observations)))
	_, _ = fmt.Fprintf(w, "Chunks:       %s (%s)\n", humanize.Comma(int64(res.Chunks)), formatBytes(res.Bytes))
	_, _ = fmt.Fprintf(w, "Skipped:      %s\n", humanize.Comma(int64(res.Skipped)))
}
