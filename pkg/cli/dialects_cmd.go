package cli

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource/builtin"
)

func newDialectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dialects",
		Short: "List supported dialects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := builtin.NewRegistry()
			if err != nil {
				return err
			}
			infos := registry.RegisteredAdapters()
			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), infos)
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Dialect", "Name", "Description"})
			for _, info := range infos {
				t.AppendRow(table.Row{info.Dialect, info.DisplayName, info.Description})
			}
			t.Render()
			return nil
		},
	}
}
