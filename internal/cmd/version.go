package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "%s %s\n", serviceName, versionInfo.Version)
		_, _ = fmt.Fprintf(out, "  commit:   %s\n", versionInfo.Commit)
		_, _ = fmt.Fprintf(out, "  built:    %s\n", versionInfo.BuildDate)
		_, _ = fmt.Fprintf(out, "  go:       %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		if v := crucible.GetVersion(); v.Gofulmen != "" {
			_, _ = fmt.Fprintf(out, "  gofulmen: %s\n", v.Gofulmen)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
