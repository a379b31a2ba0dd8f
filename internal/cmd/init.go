package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	configassets "github.com/3leaps/psrpype/internal/assets/configs"
	apperrors "github.com/3leaps/psrpype/internal/errors"
	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
)

var initRoot string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialise a pipeline root",
	Long: `Create a pipeline root directory with its standard sub-directories, a
default configuration file and an empty database.

An existing default.cfg is left untouched. Initialising a root that already
has a database is refused.

Examples:
  psrpype init --root /data/pipeline`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVarP(&initRoot, "root", "d", "", "Pipeline root directory (required)")
	_ = initCmd.MarkFlagRequired("root")
}

func runInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	root, err := filepath.Abs(initRoot)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --root", err)
	}
	// #nosec G301 -- pipeline directories are shared with the processing group
	if err := os.MkdirAll(root, 0755); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create pipeline root", err)
	}

	cfgPath, err := pipeconfig.WriteDefault(root, configassets.DefaultConfig)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write default configuration", err)
	}
	cfg, err := pipeconfig.Load(cfgPath)
	if err != nil {
		return apperrors.NewConfigError("load "+cfgPath, err)
	}
	if _, err := os.Stat(cfg.DBFile); err == nil {
		return apperrors.NewInvalidStateError(fmt.Sprintf("ledger already exists: %s", cfg.DBFile))
	}

	for _, d := range obsstore.PipelineDirs {
		// #nosec G301 -- pipeline directories are shared with the processing group
		if err := os.MkdirAll(filepath.Join(cfg.Root, d), 0755); err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to create pipeline directory", err)
		}
	}

	store, err := obsstore.Open(ctx, obsstore.Config{Path: cfg.DBFile})
	if err != nil {
		return fmt.Errorf("create pipeline database: %w", err)
	}
	defer func() { _ = store.Close() }()
	if err := store.InitDatabase(ctx); err != nil {
		return fmt.Errorf("initialise pipeline database: %w", err)
	}

	observability.CLILogger.Info("Pipeline initialised",
		zap.String("root", cfg.Root),
		zap.String("config", cfgPath),
		zap.String("database", cfg.DBFile))
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Pipeline root: %s\nConfiguration: %s\nDatabase:      %s\n", cfg.Root, cfgPath, cfg.DBFile)
	return nil
}
