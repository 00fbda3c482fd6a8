package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTestCmd(opts func() appOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "test <datasource>",
		Short: "Open a connection to a data source and ping it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts())
			if err != nil {
				return err
			}
			defer a.Close()

			ds, err := a.catalog.Lookup(args[0])
			if err != nil {
				return err
			}
			if err := a.manager.TestConnection(cmd.Context(), ds); err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"datasource": ds.Name, "ok": true})
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: connection ok\n", ds.Name)
			return nil
		},
	}
}
