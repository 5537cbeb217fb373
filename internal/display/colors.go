// Package display renders command output: colored status lines, tables and
// human readable sizes.
package display

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/muesli/termenv"
)

// Color names a role in the output rather than a concrete terminal color
type Color int

const (
	ColorPlain Color = iota
	ColorPrimary
	ColorSuccess
	ColorWarning
	ColorError
	ColorInfo
	ColorMuted
)

// ColorSystem colors text when the output supports it
type ColorSystem struct {
	enabled  bool
	colorMap map[Color]*color.Color
}

// NewColorSystem creates a color system for w. Colors are only enabled
// when w is a terminal that is not opted out via NO_COLOR or TERM=dumb.
func NewColorSystem(w io.Writer) *ColorSystem {
	return newColorSystem(detectColorSupport(w))
}

// NewPlainColorSystem returns a color system that never colors
func NewPlainColorSystem() *ColorSystem {
	return newColorSystem(false)
}

func newColorSystem(enabled bool) *ColorSystem {
	cs := &ColorSystem{
		enabled: enabled,
		colorMap: map[Color]*color.Color{
			ColorPrimary: color.New(color.FgHiBlue, color.Bold),
			ColorSuccess: color.New(color.FgGreen),
			ColorWarning: color.New(color.FgYellow),
			ColorError:   color.New(color.FgRed, color.Bold),
			ColorInfo:    color.New(color.FgCyan),
			ColorMuted:   color.New(color.FgHiBlack),
		},
	}
	for _, c := range cs.colorMap {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return cs
}

func detectColorSupport(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	if termenv.EnvNoColor() || os.Getenv("TERM") == "dumb" {
		return false
	}
	return termenv.NewOutput(f).EnvColorProfile() != termenv.Ascii
}

// IsColorSupported reports whether output is colored
func (cs *ColorSystem) IsColorSupported() bool {
	return cs.enabled
}

// Colorize applies the color of role to text
func (cs *ColorSystem) Colorize(text string, role Color) string {
	c, ok := cs.colorMap[role]
	if !cs.enabled || !ok {
		return text
	}
	return c.Sprint(text)
}

// Sprintf formats and colors
func (cs *ColorSystem) Sprintf(role Color, format string, args ...interface{}) string {
	return cs.Colorize(fmt.Sprintf(format, args...), role)
}
