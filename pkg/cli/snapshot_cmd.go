package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-datasource/pkg/adapters/datasource"
)

func newSnapshotCmd(opts func() appOptions) *cobra.Command {
	var (
		savePath    string
		comparePath string
	)

	cmd := &cobra.Command{
		Use:   "snapshot <datasource>",
		Short: "Capture a schema snapshot, optionally diffing against a saved one",
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
			snap, err := a.introspector.Snapshot(cmd.Context(), ds)
			if err != nil {
				return err
			}

			if savePath != "" {
				if err := writeSnapshot(savePath, snap); err != nil {
					return err
				}
			}

			if comparePath != "" {
				previous, err := readSnapshot(comparePath)
				if err != nil {
					return err
				}
				diff := datasource.DiffSnapshots(previous, snap)
				if getOutputFormat(cmd) == "json" {
					return printJSON(cmd.OutOrStdout(), diff)
				}
				renderDiff(cmd.OutOrStdout(), diff)
				return nil
			}

			if getOutputFormat(cmd) == "json" {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			renderSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}

	cmd.Flags().StringVar(&savePath, "save", "", "Write the snapshot as JSON to this path")
	cmd.Flags().StringVar(&comparePath, "compare", "", "Diff against a snapshot previously written with --save")
	return cmd
}

func writeSnapshot(path string, snap *datasource.SchemaSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) (*datasource.SchemaSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap datasource.SchemaSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

func renderSnapshot(w io.Writer, snap *datasource.SchemaSnapshot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Table", "Kind", "Rows", "Column", "Native type", "Type", "Nullable"})
	for _, c := range snap.Catalogs {
		for _, s := range c.Schemas {
			for _, tbl := range s.Tables {
				name := fmt.Sprintf("%s.%s.%s", c.Name, s.Name, tbl.Name)
				rows := ""
				if tbl.RowCount != nil {
					rows = strconv.FormatInt(*tbl.RowCount, 10)
				}
				for _, col := range tbl.Columns {
					t.AppendRow(table.Row{name, tbl.Type, rows, col.Name, col.NativeType, col.CanonicalType, col.IsNullable})
				}
			}
		}
	}
	t.Render()
	_, _ = fmt.Fprintf(w, "(%d tables)\n", snap.TableCount())
}

func renderDiff(w io.Writer, diff datasource.SchemaDiff) {
	if diff.Empty() {
		_, _ = fmt.Fprintln(w, "no schema changes")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Change", "Column", "Old type", "New type"})
	for _, c := range diff.Added {
		t.AppendRow(table.Row{"added", c.Ref, "", c.NewType})
	}
	for _, c := range diff.Removed {
		t.AppendRow(table.Row{"removed", c.Ref, c.OldType, ""})
	}
	for _, c := range diff.Retyped {
		t.AppendRow(table.Row{"retyped", c.Ref, c.OldType, c.NewType})
	}
	t.Render()
}
