package backup

import (
	"path/filepath"
	"runtime"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// CheckTargetFields validates f against the other targets already stored.
// targetID is the id of the target being edited, or "" for a new one.
// Enumerated fields are expected to be decoded already.
func CheckTargetFields(f TargetFields, existing []*Target, targetID string) error {
	var errs FieldErrors

	if strings.TrimSpace(f.Name) == "" {
		errs.Add("name", "name must not be empty", f.Name)
	}
	if _, err := ParseTargetType(string(f.Type)); err != nil {
		errs.Add("target_type", err.Error(), f.Type)
	}
	if _, err := ParseRecycleCriteria(string(f.RecycleCriteria)); err != nil {
		errs.Add("recycle_criteria", err.Error(), f.RecycleCriteria)
	} else if f.RecycleCriteria != RecycleCriteriaNone && f.RecycleValue <= 0 {
		errs.Add("recycle_value", "recycle value must be a positive number", f.RecycleValue)
	}
	if _, err := ParseRecycleAction(string(f.RecycleAction)); err != nil {
		errs.Add("recycle_action", err.Error(), f.RecycleAction)
	}
	if f.MinBackups < 0 {
		errs.Add("min_backups", "min backups must not be negative", f.MinBackups)
	}

	checkTemplateAndLocation(&errs, f.NameTemplate, f.Location, existing, targetID)

	if f.Alias != "" {
		switch {
		case strings.TrimSpace(f.Alias) == "":
			errs.Add("alias", "alias must not be blank", f.Alias)
		case isUUID(f.Alias):
			errs.Add("alias", "alias must not look like a target id", f.Alias)
		default:
			for _, other := range existing {
				if other.ID != targetID && other.Alias == f.Alias {
					errs.Add("alias", "alias is already used by another target", f.Alias)
					break
				}
			}
		}
	}

	return errs.AsError()
}

// CheckTemplateAndLocation validates only the path-shaping fields.
// Used before relocating files so nothing moves on bad input.
func CheckTemplateAndLocation(template, location string, existing []*Target, targetID string) error {
	var errs FieldErrors
	checkTemplateAndLocation(&errs, template, location, existing, targetID)
	return errs.AsError()
}

func checkTemplateAndLocation(errs *FieldErrors, template, location string, existing []*Target, targetID string) {
	if !VerifyTemplate(template) {
		errs.Add("name_template", "name template must contain $I or $D", template)
	} else if !IsValidPath(template, false) {
		errs.Add("name_template", "name template contains invalid characters", template)
	} else {
		for _, other := range existing {
			if other.ID != targetID && other.NameTemplate == template {
				errs.Add("name_template", "name template is already used by another target", template)
				break
			}
		}
	}

	if strings.TrimSpace(location) == "" {
		errs.Add("location", "location must not be empty", location)
	} else if !IsValidPath(location, true) {
		errs.Add("location", "location contains invalid characters", location)
	}
}

// IsValidPath rejects control and format characters everywhere. Separators
// are only accepted when slashOK; on Windows the reserved <>:"|?* are
// rejected outside the drive prefix.
func IsValidPath(path string, slashOK bool) bool {
	for _, r := range path {
		if unicode.Is(unicode.C, r) {
			return false
		}
	}

	if runtime.GOOS == "windows" {
		if !slashOK && strings.ContainsAny(path, `/\`) {
			return false
		}
		rest := path[len(filepath.VolumeName(path)):]
		return !strings.ContainsAny(rest, `<>:"|?*`)
	}

	return slashOK || !strings.Contains(path, "/")
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
