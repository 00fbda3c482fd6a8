package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

func newQueryCmd(opts func() appOptions) *cobra.Command {
	var (
		limit   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "query <datasource> <sql>",
		Short: "Run a read query against a data source",
		Args:  cobra.ExactArgs(2),
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
			res, err := a.executor.Run(cmd.Context(), ds, datasource.QueryRequest{
				SQL:       args[1],
				Limit:     limit,
				Timeout:   timeout,
				Requester: "cli",
			})
			if err != nil {
				return err
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), res)
			}
			renderResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows to return (0 uses the configured default)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Query timeout (0 uses the configured default)")
	return cmd
}

func renderResult(w io.Writer, res *datasource.QueryResult) {
	if len(res.Columns) == 0 {
		_, _ = fmt.Fprintln(w, "(0 rows)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(res.Columns))
	for i, col := range res.Columns {
		header[i] = fmt.Sprintf("%s\n%s", col.Name, col.CanonicalType)
	}
	t.AppendHeader(header)

	for _, r := range res.Rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
	}
	t.Render()

	more := ""
	if res.Truncated {
		more = ", more available"
	}
	_, _ = fmt.Fprintf(w, "(%d rows%s)\n", res.RowCount(), more)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("\\x%x", val)
	case time.Time:
		return val.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(val)
	}
}
