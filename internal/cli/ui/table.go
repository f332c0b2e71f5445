package ui

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fatih/color"
)

// Table renders aligned columns with a bold header and a rule beneath it
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string
	styles  map[int]func(cell string) *color.Color
	noColor bool
}

// TableOptions configures table behavior
type TableOptions struct {
	NoColor bool
}

// NewTable creates a new table with the given headers
func NewTable(w io.Writer, headers []string, opts *TableOptions) *Table {
	t := &Table{
		writer:  w,
		headers: headers,
		styles:  make(map[int]func(string) *color.Color),
	}
	if opts != nil {
		t.noColor = opts.NoColor
	}
	return t
}

// Style colors the cells of column col with the color chosen by fn
func (t *Table) Style(col int, fn func(cell string) *color.Color) {
	t.styles[col] = fn
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	bold := t.color(color.Bold, color.FgCyan)
	for i, header := range t.headers {
		bold.Fprint(t.writer, padRight(header, widths[i]))
		t.gap(i, len(t.headers))
	}
	fmt.Fprintln(t.writer)

	gray := t.color(color.FgHiBlack)
	for i, width := range widths {
		gray.Fprint(t.writer, strings.Repeat("─", width))
		t.gap(i, len(widths))
	}
	fmt.Fprintln(t.writer)

	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			padded := padRight(cell, widths[i])
			if style, ok := t.styles[i]; ok && !t.noColor {
				style(cell).Fprint(t.writer, padded)
			} else {
				fmt.Fprint(t.writer, padded)
			}
			t.gap(i, len(row))
		}
		fmt.Fprintln(t.writer)
	}
}

func (t *Table) gap(i, n int) {
	if i < n-1 {
		fmt.Fprint(t.writer, "  ")
	}
}

func (t *Table) color(attrs ...color.Attribute) *color.Color {
	c := color.New(attrs...)
	if t.noColor {
		c.DisableColor()
	}
	return c
}

// MethodColor is a column style for HTTP methods
func MethodColor(method string) *color.Color {
	switch method {
	case http.MethodGet, http.MethodHead:
		return color.New(color.FgGreen)
	case http.MethodPost:
		return color.New(color.FgYellow)
	case http.MethodPut, http.MethodPatch:
		return color.New(color.FgBlue)
	case http.MethodDelete:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}

// padRight pads a string with spaces on the right to reach the target width
func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// KeyValueTable renders "key: value" lines with aligned values
type KeyValueTable struct {
	writer  io.Writer
	keys    []string
	values  []string
	noColor bool
}

// NewKeyValueTable creates a new key-value table
func NewKeyValueTable(w io.Writer, noColor bool) *KeyValueTable {
	return &KeyValueTable{writer: w, noColor: noColor}
}

// AddRow adds a key-value pair to the table
func (t *KeyValueTable) AddRow(key, value string) {
	t.keys = append(t.keys, key)
	t.values = append(t.values, value)
}

// Render writes the table
func (t *KeyValueTable) Render() {
	width := 0
	for _, key := range t.keys {
		if len(key) > width {
			width = len(key)
		}
	}

	cyan := color.New(color.FgCyan)
	if t.noColor {
		cyan.DisableColor()
	}
	for i, key := range t.keys {
		cyan.Fprint(t.writer, padRight(key+":", width+1))
		fmt.Fprintf(t.writer, " %s\n", t.values[i])
	}
}
