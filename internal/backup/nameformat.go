package backup

import (
	"strings"
	"time"
)

const (
	// PlaceholderID expands to the backup id
	PlaceholderID = "$I"
	// PlaceholderDate expands to the backup creation time
	PlaceholderDate = "$D"

	// CreatedAtLayout is how $D is rendered. Always UTC, second precision.
	CreatedAtLayout = "2006-01-02T15:04:05"
)

// VerifyTemplate reports whether a name template can produce distinct names,
// i.e. it contains at least one placeholder.
func VerifyTemplate(template string) bool {
	return strings.Contains(template, PlaceholderID) || strings.Contains(template, PlaceholderDate)
}

// FormatName expands the placeholders of template for one backup
func FormatName(template, backupID string, createdAt time.Time) string {
	return strings.NewReplacer(
		PlaceholderID, backupID,
		PlaceholderDate, FormatCreatedAt(createdAt),
	).Replace(template)
}

// FormatCreatedAt renders a creation time the way $D expands it
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format(CreatedAtLayout)
}
