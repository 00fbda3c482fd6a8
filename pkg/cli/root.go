// Package cli implements the ekaya-datasource command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
)

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	rootCmd := newRootCmd(version)
	if err := rootCmd.Execute(); err != nil {
		if getOutputFormat(rootCmd) == "json" {
			_ = printJSON(os.Stdout, errorPayload(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(version string) *cobra.Command {
	var (
		configPath  string
		catalogPath string
		output      string
	)

	rootCmd := &cobra.Command{
		Use:           "ekaya-datasource",
		Short:         "Query and introspect heterogeneous data sources",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return validateOutputFormat(output)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", "", "Path to the data source catalog (overrides catalog_path)")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format: table or json")

	opts := func() appOptions {
		return appOptions{configPath: configPath, catalogPath: catalogPath, version: version}
	}

	rootCmd.AddCommand(
		newDialectsCmd(),
		newTestCmd(opts),
		newQueryCmd(opts),
		newSnapshotCmd(opts),
		newServeCmd(opts),
		newSealCmd(opts),
	)
	return rootCmd
}

// getOutputFormat returns the effective output format from the root command's persistent flags.
func getOutputFormat(cmd *cobra.Command) string {
	v, _ := cmd.Root().PersistentFlags().GetString("output")
	return v
}

func validateOutputFormat(output string) error {
	if output != "" && output != "table" && output != "json" {
		return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", output)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// errorPayload renders classified errors by kind and user message only.
func errorPayload(err error) map[string]any {
	var classified *apperrors.Error
	if errors.As(err, &classified) {
		payload := map[string]any{
			"error":     classified.UserMessage,
			"kind":      classified.Kind,
			"retryable": classified.Retryable,
		}
		if classified.Code != "" {
			payload["code"] = classified.Code
		}
		return payload
	}
	return map[string]any{"error": err.Error()}
}
