package display

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// Alignment represents column alignment options
type Alignment int

const (
	AlignLeft Alignment = iota
	AlignRight
)

// TableStyle defines the visual style of a table
type TableStyle struct {
	Name            string
	Vertical        string
	Horizontal      string
	Cross           string
	HeaderSeparator bool
	Padding         int
}

var (
	// DefaultTableStyle is a simple ASCII table style
	DefaultTableStyle = TableStyle{
		Name:            "default",
		Vertical:        "|",
		Horizontal:      "-",
		Cross:           "+",
		HeaderSeparator: true,
		Padding:         1,
	}

	// CompactTableStyle is minimal with no borders, easy to pipe into other tools
	CompactTableStyle = TableStyle{
		Name:    "compact",
		Padding: 1,
	}
)

var ansiEscape = regexp.MustCompile("\x1b\\[[0-9;]*m")

// visibleWidth counts the runes of s that take up space on the terminal
func visibleWidth(s string) int {
	if strings.IndexByte(s, 0x1b) < 0 {
		return utf8.RuneCountInString(s)
	}
	return utf8.RuneCountInString(ansiEscape.ReplaceAllString(s, ""))
}

// Table collects rows and renders them as aligned columns
type Table struct {
	headers    []string
	rows       [][]string
	alignments map[int]Alignment
	style      TableStyle
	colors     *ColorSystem
	maxWidth   int
}

// NewTable creates a table colored by colors; nil means no colors
func NewTable(colors *ColorSystem, headers ...string) *Table {
	if colors == nil {
		colors = NewPlainColorSystem()
	}
	return &Table{
		headers:    headers,
		alignments: make(map[int]Alignment),
		style:      DefaultTableStyle,
		colors:     colors,
		maxWidth:   terminalWidth(),
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// SetColumnAlignment sets the alignment for a specific column
func (t *Table) SetColumnAlignment(column int, alignment Alignment) {
	t.alignments[column] = alignment
}

// SetStyle sets the table style
func (t *Table) SetStyle(style TableStyle) {
	t.style = style
}

// SetMaxWidth limits the rendered width; zero disables the limit
func (t *Table) SetMaxWidth(width int) {
	t.maxWidth = width
}

// Len returns the number of rows
func (t *Table) Len() int {
	return len(t.rows)
}

// Render returns the formatted table as a string
func (t *Table) Render() string {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return ""
	}
	widths := t.fitWidths(t.columnWidths())

	var b strings.Builder
	border := t.border(widths)
	if border != "" {
		b.WriteString(border + "\n")
	}
	if len(t.headers) > 0 {
		b.WriteString(t.renderRow(t.headers, widths, true) + "\n")
		if t.style.HeaderSeparator && border != "" {
			b.WriteString(border + "\n")
		}
	}
	for _, row := range t.rows {
		b.WriteString(t.renderRow(row, widths, false) + "\n")
	}
	if border != "" {
		b.WriteString(border + "\n")
	}
	return b.String()
}

// RenderTo renders the table to w
func (t *Table) RenderTo(w io.Writer) {
	fmt.Fprint(w, t.Render())
}

func (t *Table) columnCount() int {
	n := len(t.headers)
	for _, row := range t.rows {
		if len(row) > n {
			n = len(row)
		}
	}
	return n
}

// columnWidths returns the content width of every column
func (t *Table) columnWidths() []int {
	widths := make([]int, t.columnCount())
	measure := func(row []string) {
		for i, cell := range row {
			if w := visibleWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	return widths
}

// fitWidths shrinks the widest columns until the table fits maxWidth
func (t *Table) fitWidths(widths []int) []int {
	if t.maxWidth <= 0 {
		return widths
	}
	const minWidth = 4
	for t.totalWidth(widths) > t.maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minWidth {
			break
		}
		widths[widest]--
	}
	return widths
}

func (t *Table) totalWidth(widths []int) int {
	total := 0
	for _, w := range widths {
		total += w + 2*t.style.Padding
	}
	if t.style.Vertical != "" {
		total += len(widths) + 1
	} else if len(widths) > 0 {
		total += len(widths) - 1
	}
	return total
}

func (t *Table) border(widths []int) string {
	if t.style.Horizontal == "" {
		return ""
	}
	var b strings.Builder
	b.WriteString(t.style.Cross)
	for _, w := range widths {
		b.WriteString(strings.Repeat(t.style.Horizontal, w+2*t.style.Padding))
		b.WriteString(t.style.Cross)
	}
	return b.String()
}

func (t *Table) renderRow(row []string, widths []int, header bool) string {
	sep := t.style.Vertical
	if sep == "" {
		sep = " "
	}

	cells := make([]string, len(widths))
	for i, w := range widths {
		var cell string
		if i < len(row) {
			cell = row[i]
		}
		cells[i] = t.formatCell(cell, w, t.alignments[i], header)
	}

	line := strings.Join(cells, sep)
	if t.style.Vertical != "" {
		line = sep + line + sep
	}
	if t.style.Vertical == "" {
		line = strings.TrimRight(line, " ")
	}
	return line
}

// formatCell truncates, pads and colors one cell. Cells that are already
// colored are never truncated.
func (t *Table) formatCell(content string, width int, alignment Alignment, header bool) string {
	if visibleWidth(content) > width && strings.IndexByte(content, 0x1b) < 0 {
		runes := []rune(content)
		if width > 3 {
			content = string(runes[:width-3]) + "..."
		} else {
			content = string(runes[:width])
		}
	}

	fill := ""
	if n := width - visibleWidth(content); n > 0 {
		fill = strings.Repeat(" ", n)
	}
	if header {
		content = t.colors.Colorize(content, ColorPrimary)
	}
	if alignment == AlignRight {
		content = fill + content
	} else {
		content += fill
	}

	pad := strings.Repeat(" ", t.style.Padding)
	return pad + content + pad
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
