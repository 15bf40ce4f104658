package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// columnGap is the number of spaces between columns.
const columnGap = 2

// Table buffers rows and writes them column-aligned on Flush. When the output
// is a terminal, columns are narrowed to fit it and long cells wrap.
// Empty tables produce no output.
type Table struct {
	out     io.Writer
	width   int // 0 disables fitting
	headers []string
	prefix  string
	rows    [][]string
}

// NewTable creates a table on stdout with the given column headers.
func NewTable(headers ...string) *Table {
	return NewTableTo(os.Stdout, terminalWidth(os.Stdout), headers...)
}

// NewTableTo creates a table writing to w, fitted to width columns.
func NewTableTo(w io.Writer, width int, headers ...string) *Table {
	return &Table{out: w, width: width, headers: headers}
}

func terminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row buffers one row. Missing trailing cells are left blank.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Len returns the number of buffered rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// Flush writes the headers, a dash divider and every buffered row.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, r := range t.rows {
		for i := 0; i < len(r) && i < len(widths); i++ {
			if l := visualLen(r[i]); l > widths[i] {
				widths[i] = l
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width, visualLen(t.prefix))
	}

	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.writeLine(widths, t.headers)
	t.writeLine(widths, dividers)

	for _, r := range t.rows {
		cells := make([][]string, len(widths))
		height := 1
		for i := range widths {
			v := ""
			if i < len(r) {
				v = r[i]
			}
			cells[i] = wrapCell(v, widths[i])
			if len(cells[i]) > height {
				height = len(cells[i])
			}
		}
		for line := 0; line < height; line++ {
			vals := make([]string, len(widths))
			for i := range widths {
				if line < len(cells[i]) {
					vals[i] = cells[i][line]
				}
			}
			t.writeLine(widths, vals)
		}
	}
	t.rows = nil
}

func (t *Table) writeLine(widths []int, vals []string) {
	var b strings.Builder
	b.WriteString(t.prefix)
	for i, v := range vals {
		b.WriteString(v)
		if i < len(vals)-1 {
			pad := widths[i] - visualLen(v)
			if pad < 0 {
				pad = 0
			}
			b.WriteString(strings.Repeat(" ", pad+columnGap))
		}
	}
	fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
}

// capWidths narrows the widest columns until the table fits termWidth. No
// column goes below its header width, so the result may still overflow.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	mins := make([]int, len(out))
	for i := range out {
		if i < len(headers) {
			mins[i] = visualLen(headers[i])
		}
	}

	for {
		total := prefix + columnGap*(len(out)-1)
		for _, w := range out {
			total += w
		}
		excess := total - termWidth
		if excess <= 0 {
			return out
		}

		widest := -1
		for i, w := range out {
			if w > mins[i] && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			return out
		}
		cut := out[widest] - mins[widest]
		if cut > excess {
			cut = excess
		}
		out[widest] -= cut
	}
}

// wrapCell splits s into lines of at most width visible characters, breaking
// at spaces and hard-breaking words longer than width. A cell that fits is
// returned unchanged; a wrapped cell loses its ANSI styling.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}

	var lines []string
	line := ""
	for _, word := range strings.Fields(stripANSI(s)) {
		if line != "" && utf8.RuneCountInString(line)+1+utf8.RuneCountInString(word) <= width {
			line += " " + word
			continue
		}
		if line != "" {
			lines = append(lines, line)
			line = ""
		}
		runes := []rune(word)
		for len(runes) > width {
			lines = append(lines, string(runes[:width]))
			runes = runes[width:]
		}
		line = string(runes)
	}
	if line != "" || len(lines) == 0 {
		lines = append(lines, line)
	}
	return lines
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the number of runes s occupies on screen.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}
