package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// printer renders command output in one of the §6.6 output formats: text
// (tabwriter-aligned), json, or json-pretty.
type printer struct {
	format string
	w      io.Writer
}

func newPrinter(format string) *printer {
	return &printer{format: format, w: os.Stdout}
}

// json marshals v, indenting when the format is "json-pretty".
func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	if p.format == "json-pretty" {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// table writes rows using tabwriter; header is the first row. Only used in
// "text" format.
func (p *printer) table(header []string, rows [][]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for i, h := range header {
		if i > 0 {
			_, _ = fmt.Fprint(tw, "\t")
		}
		_, _ = fmt.Fprint(tw, h)
	}
	_, _ = fmt.Fprintln(tw)
	for _, row := range rows {
		for i, col := range row {
			if i > 0 {
				_, _ = fmt.Fprint(tw, "\t")
			}
			_, _ = fmt.Fprint(tw, col)
		}
		_, _ = fmt.Fprintln(tw)
	}
	_ = tw.Flush()
}

// kv prints a key-value detail view. Only used in "text" format.
func (p *printer) kv(pairs [][2]string) {
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	for _, pair := range pairs {
		_, _ = fmt.Fprintf(tw, "%s:\t%s\n", pair[0], pair[1])
	}
	_ = tw.Flush()
}

// emit renders v as JSON if the format demands it, otherwise calls fallback
// to render the text-mode view.
func (p *printer) emit(v any, fallback func()) error {
	switch p.format {
	case "json", "json-pretty":
		return p.json(v)
	default:
		fallback()
		return nil
	}
}
