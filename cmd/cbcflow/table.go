package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/dnswlt/cbcflow/internal/library"
	"github.com/dnswlt/cbcflow/internal/merge"
)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []columnAlignment) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range columns {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := range columns {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{
			Number:      i + 1,
			Align:       align,
			AlignHeader: text.AlignLeft,
		})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func indexTable(index map[string]any) string {
	entries := library.Entries(index)
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.UID, e.LastUpdated, strings.Join(e.Labels, "\n")})
	}
	return renderTable([]string{"Superevent", "Last updated", "Labels"}, rows, nil)
}

func syncTable(results []library.SyncResult) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		msg := ""
		if r.Err != nil {
			msg = r.Err.Error()
		}
		rows = append(rows, []string{r.Sname, r.Status.String(), msg})
	}
	return renderTable([]string{"Superevent", "Status", "Error"}, rows, nil)
}

func conflictTable(conflicts []merge.ConflictRecord) string {
	rows := make([][]string, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []string{c.Path, fmt.Sprint(c.Ancestor), fmt.Sprint(c.Base), fmt.Sprint(c.Head)})
	}
	return renderTable([]string{"Field", "Ancestor", "Base", "Head"}, rows, nil)
}
