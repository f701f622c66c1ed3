package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/sqlchat-go/internal/export"
	"github.com/comigor/sqlchat-go/internal/render"
)

var (
	format  string
	outPath string
	csvPath string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the conversation to a file",
	Long: `Export the conversation in one of several formats (md, json, yaml, html).

Without --out the transcript is written to standard output.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		exporter, err := export.NewExporter(format)
		if err != nil {
			return err
		}
		t := &export.Transcript{Messages: a.conv.Messages(), Options: a.opts}

		if outPath == "" {
			return exporter.Export(t, a.out)
		}
		return writeFile(outPath, func(w io.Writer) error { return exporter.Export(t, w) })
	},
}

var resultCmd = &cobra.Command{
	Use:   "result",
	Short: "Show the result of the last query",
	Long: `Show the tabular result of the last query the pipeline ran.

Use --csv to save the result as a CSV file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.OutOrStdout())
		if err != nil {
			return err
		}
		defer a.close()

		raw, found, err := a.agents.LastResult(cmd.Context())
		if err != nil {
			if a.loggedOut() {
				return errSessionEnded
			}
			return err
		}
		if !found {
			fmt.Fprintln(a.out, "No result yet.")
			return nil
		}

		t, err := resultTable(raw)
		if err != nil {
			return err
		}
		if csvPath != "" {
			if err := writeFile(csvPath, func(w io.Writer) error { return export.ResultCSV(t, w) }); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Saved %d rows to %s\n", len(t.Rows), csvPath)
			return nil
		}
		fmt.Fprintln(a.out, a.printer.Table(t))
		return nil
	},
}

var errNoTable = errors.New("last result has no table")

// resultTable accepts either a bare list of records or a payload carrying one
// under result.
func resultTable(raw json.RawMessage) (*render.Table, error) {
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		return render.ParseTable(trimmed)
	}
	m, err := render.Classify(raw, render.DefaultOptions())
	if err != nil {
		return nil, err
	}
	if st, ok := m.(render.StageModel); ok && st.Result != nil {
		return st.Result, nil
	}
	return nil, errNoTable
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	exportCmd.Flags().StringVarP(&format, "format", "f", "md", "Export format (md, json, yaml, html)")
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default: standard output)")
	resultCmd.Flags().StringVar(&csvPath, "csv", "", "Save the result as CSV to this file")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resultCmd)
}
