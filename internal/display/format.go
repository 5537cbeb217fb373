package display

import (
	"time"

	"github.com/dustin/go-humanize"
)

// TimeLayout is how timestamps are printed
const TimeLayout = "2006-01-02 15:04:05"

// FormatSize renders a byte count with binary units, e.g. "1.5 MiB"
func FormatSize(bytes int64) string {
	if bytes < 0 {
		return "-"
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatTime renders t in local time, or "-" for the zero time
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(TimeLayout)
}

// FormatAge renders how long ago t was, e.g. "3 days ago"
func FormatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// YesNo renders a flag for a table cell
func YesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// OrDash returns s, or "-" when s is empty
func OrDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
