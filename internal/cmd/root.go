package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/psrpype/internal/config"
	apperrors "github.com/3leaps/psrpype/internal/errors"
	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/internal/server/handlers"
	"github.com/3leaps/psrpype/pkg/obsstore"
	"github.com/3leaps/psrpype/pkg/pipeconfig"
)

const serviceName = "psrpype"

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	pipelineConfigPath string
	settingsPath       string
	verbose            bool
	logLevel           string
	logFile            string
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "Pulsar data reduction pipeline",
	Long: `psrpype ingests raw pulsar search-mode and fold-mode archives, tracks them
in a SQLite ledger, and drives the PSRCHIVE tool chain over them either
locally or as Slurm batch jobs.

A typical run:
  psrpype init --root /data/pipeline
  psrpype ingest --config /data/pipeline/default.cfg --pid P970 --dirs /raw/P970_data
  psrpype prepare-cals --config /data/pipeline/default.cfg
  psrpype process --config /data/pipeline/default.cfg --with-slurm --watch`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&pipelineConfigPath, "config", "", "Pipeline configuration file (default: $PSRPYPE_CONFIG)")
	pf.StringVar(&settingsPath, "settings", "", "Application settings file (YAML)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&logFile, "log-file", "", "Also write JSON logs to this file (rotated)")
}

// SetVersionInfo is called from main with values injected at build time.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// initRuntime loads settings and configures logging before any command runs.
func initRuntime(cmd *cobra.Command, _ []string) error {
	config.SetSettingsFile(settingsPath)

	logging := map[string]any{}
	switch {
	case verbose:
		logging["level"] = "debug"
	case logLevel != "":
		logging["level"] = logLevel
	}
	if logFile != "" {
		logging["file"] = logFile
	}
	overrides := map[string]any{}
	if len(logging) > 0 {
		overrides["logging"] = logging
	}
	if pipelineConfigPath != "" {
		overrides["pipeline"] = pipelineConfigPath
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid settings", err)
	}
	_, err = observability.InitLogger(serviceName, cfg.Logging.Level, observability.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging settings", err)
	}
	return nil
}

// Execute runs the root command with a context cancelled on SIGINT/SIGTERM.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		ExitWithCode(observability.CLILogger, exitCodeFor(err), "psrpype failed", err)
	}
	observability.Sync()
}

var osExit = os.Exit

// ExitWithCode logs the failure and exits the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	observability.Sync()
	osExit(code)
}

// exitCodeError carries an explicit exit code up to Execute.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

func exitCodeFor(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return apperrors.ExitCode(err)
}

// loadPipeline reads the pipeline configuration named by --config, the
// settings file or PSRPYPE_CONFIG.
func loadPipeline() (*pipeconfig.Config, error) {
	path := pipelineConfigPath
	if path == "" {
		if cfg := config.GetConfig(); cfg != nil {
			path = cfg.Pipeline
		}
	}
	if path == "" {
		return nil, apperrors.NewConfigError("no pipeline configuration: pass --config or set PSRPYPE_CONFIG", nil)
	}
	cfg, err := pipeconfig.Load(path)
	if err != nil {
		return nil, apperrors.NewConfigError("load pipeline configuration", err)
	}
	return cfg, nil
}

// openStore opens the ledger of an initialised pipeline.
func openStore(ctx context.Context, cfg *pipeconfig.Config) (*obsstore.Store, error) {
	if _, err := os.Stat(cfg.DBFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.NewNotFoundError(
				fmt.Sprintf("pipeline database %s does not exist, run psrpype init", cfg.DBFile))
		}
		return nil, err
	}
	store, err := obsstore.Open(ctx, obsstore.Config{Path: cfg.DBFile})
	if err != nil {
		return nil, fmt.Errorf("open pipeline database: %w", err)
	}
	if err := store.InitDatabase(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate pipeline database: %w", err)
	}
	return store, nil
}

// shortlist holds the comma separated selection flags shared by the
// commands that act on stored observations.
type shortlist struct {
	backends    string
	sources     string
	frequencies string
	obsUTCs     string
}

func (s *shortlist) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&s.backends, "backends", "b", "", "Comma separated backends to select (default: all)")
	f.StringVarP(&s.sources, "sources", "s", "", "Comma separated sources to select (default: all)")
	f.StringVarP(&s.frequencies, "frequencies", "c", "", "Comma separated centre frequencies in MHz (default: all)")
	f.StringVarP(&s.obsUTCs, "obs-utcs", "o", "", "Comma separated observation start UTCs (default: all)")
}

func (s *shortlist) filter(types ...string) (obsstore.ObservationFilter, error) {
	freqs, err := parseFrequencies(s.frequencies)
	if err != nil {
		return obsstore.ObservationFilter{}, err
	}
	return obsstore.ObservationFilter{
		Types:       types,
		Backends:    splitList(s.backends),
		Sources:     splitList(s.sources),
		Frequencies: freqs,
		StartUTCs:   splitList(s.obsUTCs),
	}, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFrequencies(v string) ([]float64, error) {
	var out []float64
	for _, part := range splitList(v) {
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, apperrors.NewInvalidInputError(fmt.Sprintf("invalid centre frequency %q", part), err)
		}
		out = append(out, f)
	}
	return out, nil
}

// executablePath is the binary batch jobs invoke.
func executablePath() string {
	exe, err := os.Executable()
	if err != nil {
		return serviceName
	}
	return exe
}
