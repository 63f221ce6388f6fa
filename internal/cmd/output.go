package cmd

import (
	"encoding/json"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/tandem-run/tandem/internal/core"
)

// printJSON writes v as indented JSON to stdout. Used by every command
// when --json is set; the JSON form is the stable machine interface.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return core.WrapError(core.CodeFatal, err, "failed to encode output")
	}
	return nil
}

func renderTable(header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}
