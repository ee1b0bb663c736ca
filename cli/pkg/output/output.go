// Package output renders leakctl results as a table, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Formats accepted by --output.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ANSI SGR parameters.
const (
	bold   = 1
	red    = 31
	green  = 32
	yellow = 33
	cyan   = 36
	white  = 37
)

// NoColor disables ANSI styling. It is set from NO_COLOR at start-up.
var NoColor = os.Getenv("NO_COLOR") != ""

func style(s string, params ...int) string {
	if NoColor || len(params) == 0 {
		return s
	}
	codes := make([]string, len(params))
	for i, p := range params {
		codes[i] = strconv.Itoa(p)
	}
	return "\033[" + strings.Join(codes, ";") + "m" + s + "\033[0m"
}

// Severity colours a severity label the way alerts are coloured downstream.
func Severity(s string) string {
	switch s {
	case "critical":
		return style(s, red, bold)
	case "high":
		return style(s, red)
	case "medium":
		return style(s, yellow)
	default:
		return style(s, cyan)
	}
}

// Printer writes results and status lines. Status lines go to Err so that
// structured output on Out stays parseable.
type Printer struct {
	Out    io.Writer
	Err    io.Writer
	Format string
}

// New returns a Printer on stdout/stderr. Unknown formats are an error.
func New(format string) (*Printer, error) {
	switch format {
	case "", FormatTable:
		format = FormatTable
	case FormatJSON, FormatYAML:
	default:
		return nil, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
	return &Printer{Out: os.Stdout, Err: os.Stderr, Format: format}, nil
}

func (p *Printer) Success(format string, a ...any) {
	fmt.Fprintln(p.Err, style("✓ "+fmt.Sprintf(format, a...), green, bold))
}

func (p *Printer) Error(format string, a ...any) {
	fmt.Fprintln(p.Err, style("✗ "+fmt.Sprintf(format, a...), red, bold))
}

func (p *Printer) Info(format string, a ...any) {
	fmt.Fprintln(p.Err, style(fmt.Sprintf(format, a...), cyan))
}

func (p *Printer) Warn(format string, a ...any) {
	fmt.Fprintln(p.Err, style("⚠ "+fmt.Sprintf(format, a...), yellow))
}

// Render writes v as JSON or YAML, or calls table for the table format.
func (p *Printer) Render(v any, table func() *Table) error {
	switch p.Format {
	case FormatJSON:
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		enc := yaml.NewEncoder(p.Out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		table().Render(p.Out)
		return nil
	}
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

// Render pads columns to their widest cell. Widths ignore ANSI sequences.
func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && visibleLen(cell) > widths[i] {
				widths[i] = visibleLen(cell)
			}
		}
	}

	for i, h := range t.headers {
		fmt.Fprint(w, style(h, white, bold)+strings.Repeat(" ", widths[i]-len(h)+2))
	}
	fmt.Fprintln(w)
	for i := range t.headers {
		fmt.Fprint(w, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(w)
	for _, row := range t.rows {
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			fmt.Fprint(w, cell+strings.Repeat(" ", widths[i]-visibleLen(cell)+2))
		}
		fmt.Fprintln(w)
	}
}

func visibleLen(s string) int {
	n := 0
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\033':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			n++
		}
	}
	return n
}
