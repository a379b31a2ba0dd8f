package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/psrpype/internal/observability"
	"github.com/3leaps/psrpype/internal/server"
	"github.com/3leaps/psrpype/internal/server/handlers"
	"github.com/3leaps/psrpype/pkg/toolrun"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only status API over the pipeline database",
	Long: `Start an HTTP server exposing health probes, version information and a
read-only JSON view of observations, jobs and database totals.

Routes:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/observations?source=&backend=&frequency=&utc=&type=&processed=&limit=
  GET /v1/observations/{id}
  GET /v1/jobs?state=
  GET /v1/stats

Examples:
  psrpype serve --config pipe.cfg
  psrpype serve --config pipe.cfg --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default: server.host setting)")
	serveCmd.Flags().Int("port", 0, "Listen port (default: server.port setting)")
}

// toolsHealthChecker reports the external tools missing from PATH.
type toolsHealthChecker struct {
	tools    []string
	lookPath func(names ...string) map[string]string
}

func (c toolsHealthChecker) CheckHealth(context.Context) error {
	if len(c.tools) == 0 {
		return nil
	}
	look := c.lookPath
	if look == nil {
		look = toolrun.LookPath
	}
	if missing := missingTools(look(c.tools...), c.tools); len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("missing tools: %s", strings.Join(missing, ", "))
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	settings := currentSettings()

	host := settings.Server.Host
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		host = h
	}
	port := settings.Server.Port
	if p, _ := cmd.Flags().GetInt("port"); p != 0 {
		port = p
	}
	if port < 0 || port > 65535 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --port", fmt.Errorf("port %d out of range", port))
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

	handlers.SetVersionInfo(versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
	handlers.InitHealthManager(versionInfo.Version)
	if settings.Health.Enabled {
		hm := handlers.GetHealthManager()
		hm.RegisterChecker("database", handlers.StoreChecker{Store: store})
		hm.RegisterChecker("tools", toolsHealthChecker{tools: settings.Slurm.Tools})
	}

	opts := []server.Option{server.WithStore(store)}
	if t := settings.Server; t.ReadTimeout > 0 && t.WriteTimeout > 0 && t.IdleTimeout > 0 && t.ShutdownTimeout > 0 {
		opts = append(opts, server.WithTimeouts(server.Timeouts{
			Read:     t.ReadTimeout,
			Write:    t.WriteTimeout,
			Idle:     t.IdleTimeout,
			Shutdown: t.ShutdownTimeout,
		}))
	}
	srv := server.New(host, port, opts...)

	observability.CLILogger.Info("Starting status server",
		zap.String("addr", srv.Addr()),
		zap.String("database", cfg.DBFile))
	if err := srv.Start(ctx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}
