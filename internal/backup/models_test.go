package backup

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	tt, err := ParseTargetType("multi")
	require.NoError(t, err)
	assert.Equal(t, TargetTypeMulti, tt)

	_, err = ParseTargetType("MULTI")
	assert.True(t, IsValidationError(err))

	rc, err := ParseRecycleCriteria("age")
	require.NoError(t, err)
	assert.Equal(t, RecycleCriteriaAge, rc)

	_, err = ParseRecycleCriteria("")
	assert.Error(t, err)

	ra, err := ParseRecycleAction("recycle")
	require.NoError(t, err)
	assert.Equal(t, RecycleActionRecycle, ra)

	_, err = ParseRecycleAction("archive")
	assert.Error(t, err)
}

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, id, GenerateID())
}

func TestTargetFieldsRoundTrip(t *testing.T) {
	target := &Target{ID: "t1", Name: "n", Tags: []string{"b", "a"}}
	fields := target.Fields()
	fields.Tags = append(fields.Tags, " a ", "", "c")

	target.Apply(fields)
	assert.Equal(t, []string{"a", "b", "c"}, target.Tags)

	clone := target.Clone()
	clone.Tags[0] = "changed"
	assert.Equal(t, "a", target.Tags[0])
}

func TestTargetQueryMatches(t *testing.T) {
	yes, no := true, false
	target := &Target{
		Name:            "Nightly database",
		Type:            TargetTypeSingle,
		RecycleCriteria: RecycleCriteriaCount,
		RecycleAction:   RecycleActionDelete,
		Location:        "/srv/db",
		NameTemplate:    "db-$D",
		Deduplicate:     true,
		Alias:           "nightly",
		Tags:            []string{"prod", "sql"},
	}

	tests := []struct {
		name  string
		query TargetQuery
		want  bool
	}{
		{"empty query", TargetQuery{}, true},
		{"name substring", TargetQuery{Name: "database"}, true},
		{"name mismatch", TargetQuery{Name: "web"}, false},
		{"type", TargetQuery{Type: TargetTypeMulti}, false},
		{"criteria and action", TargetQuery{RecycleCriteria: RecycleCriteriaCount, RecycleAction: RecycleActionDelete}, true},
		{"location", TargetQuery{Location: "/srv"}, true},
		{"template", TargetQuery{NameTemplate: "$I"}, false},
		{"dedup true", TargetQuery{Deduplicate: &yes}, true},
		{"dedup false", TargetQuery{Deduplicate: &no}, false},
		{"alias", TargetQuery{Alias: "night"}, true},
		{"all tags", TargetQuery{Tags: []string{"prod", "sql"}}, true},
		{"missing tag", TargetQuery{Tags: []string{"prod", "web"}}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.query.Matches(target))
		})
	}
}

func TestSortBackups(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	backups := []*Backup{
		{ID: "c", CreatedAt: base.Add(time.Hour)},
		{ID: "b", CreatedAt: base},
		{ID: "a", CreatedAt: base},
	}

	SortBackupsOldestFirst(backups)
	assert.Equal(t, []string{"a", "b", "c"}, []string{backups[0].ID, backups[1].ID, backups[2].ID})

	SortBackupsNewestFirst(backups)
	assert.Equal(t, []string{"c", "b", "a"}, []string{backups[0].ID, backups[1].ID, backups[2].ID})
}
