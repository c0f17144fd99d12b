package shard

import (
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
)

// NewTable returns a rounded table writer mirrored to out.
func NewTable(out io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(out)
	return t
}

// RenderSummary prints the outcome counts followed by the failed urls.
func RenderSummary(out io.Writer, title string, s Summary) {
	t := NewTable(out)
	t.SetTitle(title)
	t.AppendHeader(table.Row{"Claimed", "Skipped", "Saved", "Retried", "Failed"})
	t.AppendRow(table.Row{s.Claimed, s.Skipped, s.Saved, s.Retried, len(s.Failed)})
	t.Render()

	if len(s.Failed) == 0 {
		return
	}
	failed := NewTable(out)
	failed.AppendHeader(table.Row{"#", "Failed URL"})
	for i, url := range s.Failed {
		failed.AppendRow(table.Row{i + 1, url})
	}
	failed.Render()
}
