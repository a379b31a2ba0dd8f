package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// addOutputFlags registers --output and its --json shorthand.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().String("output", formatTable, "Output format: table, json or yaml")
	cmd.Flags().Bool("json", false, "Output as JSON (same as --output json)")
}

func outputFormat(cmd *cobra.Command) (string, error) {
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return formatJSON, nil
	}
	format, _ := cmd.Flags().GetString("output")
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "", formatTable:
		return formatTable, nil
	case formatJSON, formatYAML:
		return format, nil
	}
	return "", exitError(foundry.ExitInvalidArgument, "Invalid --output value",
		fmt.Errorf("output must be one of: table, json, yaml"))
}

// writeStructured encodes v as indented JSON or YAML.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unsupported format %q", format)
}

func formatBytes(b int64) string {
	if b < 0 {
		b = 0
	}
	return humanize.Bytes(uint64(b))
}

func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
