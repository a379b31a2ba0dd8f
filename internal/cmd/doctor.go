package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/psrpype/internal/errors"
	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

var doctorPipeline bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  psrpype doctor                          # Environment and tool checks
  psrpype doctor --pipeline --config pipe.cfg  # Also check the pipeline config and database`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorPipeline, "pipeline", false, "Also check the pipeline configuration and database")
}

// lookPath is swapped in tests.
var lookPath = toolrun.LookPath

func runDoctor(cmd *cobra.Command, _ []string) error {
	bannerName := serviceName + " doctor"
	log := observability.CLILogger
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	allChecks := true
	var fatal error
	checkNum := 1
	totalChecks := 6
	if doctorPipeline {
		totalChecks = 8
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		log.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		fatal = exitError(foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			apperrors.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		log.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		log.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		log.Warn(fmt.Sprintf("[%d/%d] Checking config directory... ⚠️  Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 5: Environment
	log.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 6: External tools
	tools := currentSettings().Slurm.Tools
	if missing := missingTools(lookPath(tools...), tools); len(missing) > 0 {
		log.Warn(fmt.Sprintf("[%d/%d] Checking external tools... ⚠️  missing: %s", checkNum, totalChecks, strings.Join(missing, ", ")),
			zap.Strings("missing", missing))
		printToolsHelp()
		allChecks = false
	} else {
		log.Info(fmt.Sprintf("[%d/%d] Checking external tools... ✅ %d found", checkNum, totalChecks, len(tools)),
			zap.Strings("tools", tools))
	}
	checkNum++

	if doctorPipeline {
		if err := runPipelineChecks(cmd.Context(), checkNum, totalChecks); err != nil {
			allChecks = false
			if fatal == nil {
				fatal = err
			}
		}
	}

	log.Info("")
	if allChecks {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return fatal
}

// runPipelineChecks loads the pipeline configuration and checks the database.
func runPipelineChecks(ctx context.Context, checkNum, totalChecks int) error {
	log := observability.CLILogger
	log.Info("")
	log.Info("Pipeline Checks:")

	cfg, err := loadPipeline()
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking pipeline configuration... ❌ %v", checkNum, totalChecks, err))
		return err
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking pipeline configuration... ✅ %s", checkNum, totalChecks, cfg.Path),
		zap.String("root", cfg.Root),
		zap.Int("sources_configured", len(cfg.Sources())))
	checkNum++

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking pipeline database... ❌ %v", checkNum, totalChecks, err))
		return err
	}
	defer func() { _ = store.Close() }()
	if err := store.QuickCheck(ctx); err != nil {
		log.Error(fmt.Sprintf("[%d/%d] Checking pipeline database... ❌ integrity check failed", checkNum, totalChecks),
			zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Pipeline database failed its integrity check", err)
	}
	log.Info(fmt.Sprintf("[%d/%d] Checking pipeline database... ✅ %s", checkNum, totalChecks, cfg.DBFile))
	return nil
}

// missingTools lists the tools absent from found, in the order given.
func missingTools(found map[string]string, tools []string) []string {
	var missing []string
	for _, t := range tools {
		if _, ok := found[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}

func printToolsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("The pipeline drives PSRCHIVE and Slurm command line tools:")
	log.Info("  1. Load PSRCHIVE (vap, pam, paz, pac, psredit, psradd, fluxcal), e.g. 'module load psrchive'")
	log.Info("  2. Run batch submission from a node where sbatch and sacct are available")
	log.Info("  3. Adjust slurm.tools in the settings file to change the list checked here")
	log.Info("")
}
