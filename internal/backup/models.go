package backup

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ParseTargetType decodes a stored or user supplied target type
func ParseTargetType(s string) (TargetType, error) {
	switch TargetType(s) {
	case TargetTypeSingle, TargetTypeMulti:
		return TargetType(s), nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown target type %q", s), nil)
}

// ParseRecycleCriteria decodes a stored or user supplied recycle criteria
func ParseRecycleCriteria(s string) (RecycleCriteria, error) {
	switch RecycleCriteria(s) {
	case RecycleCriteriaNone, RecycleCriteriaCount, RecycleCriteriaAge:
		return RecycleCriteria(s), nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown recycle criteria %q", s), nil)
}

// ParseRecycleAction decodes a stored or user supplied recycle action
func ParseRecycleAction(s string) (RecycleAction, error) {
	switch RecycleAction(s) {
	case RecycleActionDelete, RecycleActionRecycle:
		return RecycleAction(s), nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown recycle action %q", s), nil)
}

// GenerateID returns a new random identifier for targets and backups
func GenerateID() string {
	return uuid.NewString()
}

// Fields returns the editable part of the target
func (t *Target) Fields() TargetFields {
	return TargetFields{
		Name:            t.Name,
		Type:            t.Type,
		RecycleCriteria: t.RecycleCriteria,
		RecycleValue:    t.RecycleValue,
		RecycleAction:   t.RecycleAction,
		Location:        t.Location,
		NameTemplate:    t.NameTemplate,
		Deduplicate:     t.Deduplicate,
		Alias:           t.Alias,
		MinBackups:      t.MinBackups,
		Tags:            append([]string(nil), t.Tags...),
	}
}

// Apply overwrites the editable part of the target with f
func (t *Target) Apply(f TargetFields) {
	t.Name = f.Name
	t.Type = f.Type
	t.RecycleCriteria = f.RecycleCriteria
	t.RecycleValue = f.RecycleValue
	t.RecycleAction = f.RecycleAction
	t.Location = f.Location
	t.NameTemplate = f.NameTemplate
	t.Deduplicate = f.Deduplicate
	t.Alias = f.Alias
	t.MinBackups = f.MinBackups
	t.Tags = NormalizeTags(f.Tags)
}

// Clone returns a deep copy of the target
func (t *Target) Clone() *Target {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	return &c
}

// HasTags reports whether the target carries every tag in tags
func (t *Target) HasTags(tags []string) bool {
	have := make(map[string]struct{}, len(t.Tags))
	for _, tag := range t.Tags {
		have[tag] = struct{}{}
	}
	for _, tag := range NormalizeTags(tags) {
		if _, ok := have[tag]; !ok {
			return false
		}
	}
	return true
}

// Clone returns a copy of the backup
func (b *Backup) Clone() *Backup {
	c := *b
	return &c
}

// NormalizeTags trims, drops empty entries and deduplicates, returning a sorted set
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether target satisfies every non-empty filter of q
func (q TargetQuery) Matches(t *Target) bool {
	if q.Name != "" && !strings.Contains(t.Name, q.Name) {
		return false
	}
	if q.Type != "" && t.Type != q.Type {
		return false
	}
	if q.RecycleCriteria != "" && t.RecycleCriteria != q.RecycleCriteria {
		return false
	}
	if q.RecycleAction != "" && t.RecycleAction != q.RecycleAction {
		return false
	}
	if q.Location != "" && !strings.Contains(t.Location, q.Location) {
		return false
	}
	if q.NameTemplate != "" && !strings.Contains(t.NameTemplate, q.NameTemplate) {
		return false
	}
	if q.Deduplicate != nil && t.Deduplicate != *q.Deduplicate {
		return false
	}
	if q.Alias != "" && !strings.Contains(t.Alias, q.Alias) {
		return false
	}
	return t.HasTags(q.Tags)
}

// SortBackupsOldestFirst orders by creation time, breaking ties by id
func SortBackupsOldestFirst(backups []*Backup) {
	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].ID < backups[j].ID
		}
		return backups[i].CreatedAt.Before(backups[j].CreatedAt)
	})
}

// SortBackupsNewestFirst is the reverse of SortBackupsOldestFirst
func SortBackupsNewestFirst(backups []*Backup) {
	sort.SliceStable(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].ID > backups[j].ID
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
}
