package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(t *testing.T, format string) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	p, err := New(format)
	require.NoError(t, err)
	var out, errOut bytes.Buffer
	p.Out, p.Err = &out, &errOut
	return p, &out, &errOut
}

func TestNew_RejectsUnknownFormat(t *testing.T) {
	_, err := New("xml")
	assert.Error(t, err)

	p, err := New("")
	require.NoError(t, err)
	assert.Equal(t, FormatTable, p.Format)
}

func TestRender(t *testing.T) {
	NoColor = true
	t.Cleanup(func() { NoColor = false })

	v := map[string]any{"sequence": 7, "error_code": "http_503"}
	table := func() *Table {
		tb := NewTable("SEQ", "CODE")
		tb.AddRow("7", "http_503")
		return tb
	}

	tests := []struct {
		format string
		want   []string
	}{
		{FormatJSON, []string{`"sequence": 7`, `"error_code": "http_503"`}},
		{FormatYAML, []string{"sequence: 7", "error_code: http_503"}},
		{FormatTable, []string{"SEQ  CODE", "7    http_503"}},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			p, out, _ := newTestPrinter(t, tt.format)
			require.NoError(t, p.Render(v, table))
			for _, w := range tt.want {
				assert.Contains(t, out.String(), w)
			}
		})
	}
}

func TestTableAlignsStyledCells(t *testing.T) {
	var buf bytes.Buffer
	tb := NewTable("SEVERITY", "ID")
	tb.AddRow(Severity("critical"), "a")
	tb.AddRow("low", "b")
	tb.Render(&buf)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	// Both ID cells start after an identically padded SEVERITY column.
	assert.True(t, strings.HasSuffix(lines[2], "  a   "))
	assert.Equal(t, visibleLen(lines[2]), visibleLen(lines[3]))
}

func TestStatusLinesGoToErr(t *testing.T) {
	NoColor = true
	t.Cleanup(func() { NoColor = false })

	p, out, errOut := newTestPrinter(t, FormatJSON)
	p.Success("replayed %d", 3)
	p.Warn("careful")

	assert.Empty(t, out.String())
	assert.Contains(t, errOut.String(), "✓ replayed 3")
	assert.Contains(t, errOut.String(), "⚠ careful")
}

func TestVisibleLen(t *testing.T) {
	NoColor = false
	assert.Equal(t, 4, visibleLen(style("high", red, bold)))
	assert.Equal(t, 3, visibleLen("low"))
}
