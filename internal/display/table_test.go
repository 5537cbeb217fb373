package display

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTable_Render(t *testing.T) {
	table := NewTable(nil, "ID", "Name", "Size")
	table.SetMaxWidth(0)
	table.SetColumnAlignment(2, AlignRight)
	table.AddRow("1", "nightly", "10 KiB")
	table.AddRow("2", "weekly-archive", "1.5 MiB")

	want := strings.Join([]string{
		"+----+----------------+---------+",
		"| ID | Name           |    Size |",
		"+----+----------------+---------+",
		"| 1  | nightly        |  10 KiB |",
		"| 2  | weekly-archive | 1.5 MiB |",
		"+----+----------------+---------+",
		"",
	}, "\n")
	assert.Equal(t, want, table.Render())
	assert.Equal(t, 2, table.Len())
}

func TestTable_Compact(t *testing.T) {
	table := NewTable(nil, "ID", "Name")
	table.SetMaxWidth(0)
	table.SetStyle(CompactTableStyle)
	table.AddRow("1", "a")

	want := " ID   Name\n 1    a\n"
	assert.Equal(t, want, table.Render())
}

func TestTable_Empty(t *testing.T) {
	assert.Equal(t, "", NewTable(nil).Render())
}

func TestTable_ShortRowsAndTruncation(t *testing.T) {
	table := NewTable(nil, "A", "B")
	table.SetMaxWidth(20)
	table.AddRow("x")
	table.AddRow("y", strings.Repeat("z", 40))

	out := table.Render()
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.LessOrEqual(t, len(line), 20, line)
	}
	assert.Contains(t, out, "...")
}

func TestTable_ColoredHeaderKeepsAlignment(t *testing.T) {
	table := NewTable(newColorSystem(true), "Name")
	table.SetMaxWidth(0)
	table.AddRow("longer value")

	var buf bytes.Buffer
	table.RenderTo(&buf)
	lines := strings.Split(buf.String(), "\n")
	assert.Contains(t, lines[1], "\x1b[")
	assert.True(t, strings.HasSuffix(lines[1], "       |"), lines[1])
}

func TestTable_ColoredCellsMeasuredByVisibleWidth(t *testing.T) {
	colors := newColorSystem(true)
	table := NewTable(nil, "Status", "X")
	table.SetMaxWidth(0)
	table.AddRow(colors.Colorize("ok", ColorSuccess), "1")
	table.AddRow("unhealthy", "2")

	lines := strings.Split(table.Render(), "\n")
	assert.Equal(t, "+-----------+---+", lines[0])
	assert.True(t, strings.HasSuffix(lines[3], "ok\x1b[0m        | 1 |"), lines[3])
	assert.Equal(t, 2, visibleWidth(colors.Colorize("ok", ColorSuccess)))
}
