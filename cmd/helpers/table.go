package helpers

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
)

// PrintTable prints rows as a borderless, left-aligned table
// headers: column headers for the table (e.g., []string{"Origin", "Last Seen"})
// data: rows of data where each row is a slice of any type
func PrintTable(w io.Writer, headers []string, data [][]any) error {
	if len(data) == 0 {
		_, err := fmt.Fprintln(w, "No data to display")
		return err
	}

	cnf := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
	}

	symbols := tw.NewSymbolCustom("SessionGate").
		WithRow(" ").
		WithColumn(" ").
		WithTopLeft("").
		WithTopMid(" ").
		WithTopRight(" ").
		WithMidLeft(" ").
		WithCenter(" ").
		WithMidRight(" ").
		WithBottomLeft(" ").
		WithBottomMid(" ").
		WithBottomRight(" ")

	rd := tw.Rendition{Symbols: symbols}
	rd.Settings.Lines.ShowHeaderLine = tw.Off

	table := tablewriter.NewTable(w,
		tablewriter.WithRenderer(renderer.NewBlueprint(rd)),
		tablewriter.WithConfig(cnf),
	)

	// Convert headers to []any for the table.Header method
	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

// PrintMapAsTable prints a map as a two-column Key/Value table, sorted by key
func PrintMapAsTable(w io.Writer, mapData map[string]any) error {
	keys := make([]string, 0, len(mapData))
	for key := range mapData {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	data := make([][]any, 0, len(keys))
	for _, key := range keys {
		data = append(data, []any{key, mapData[key]})
	}
	return PrintTable(w, []string{"Key", "Value"}, data)
}
