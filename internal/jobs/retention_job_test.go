package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"backupchan/internal/backup"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backupsAged(now time.Time, days ...int) []*backup.Backup {
	out := make([]*backup.Backup, len(days))
	for i, d := range days {
		out[i] = &backup.Backup{ID: string(rune('a' + i)), CreatedAt: now.Add(-time.Duration(d) * day)}
	}
	return out
}

func ids(backups []*backup.Backup) []string {
	var out []string
	for _, b := range backups {
		out = append(out, b.ID)
	}
	return out
}

func TestAgeInDays(t *testing.T) {
	assert.Equal(t, 0, AgeInDays(baseTime, baseTime))
	assert.Equal(t, 2, AgeInDays(baseTime, baseTime.Add(-2*day)))
	assert.Equal(t, 2, AgeInDays(baseTime, baseTime.Add(-3*day+time.Second)))
	assert.Equal(t, -1, AgeInDays(baseTime, baseTime.Add(time.Hour)))
}

func TestSelectForRetention(t *testing.T) {
	now := baseTime
	// oldest first: 10, 5, 4, 3, 1 days old
	backups := backupsAged(now, 10, 5, 4, 3, 1)

	tests := []struct {
		name     string
		criteria backup.RecycleCriteria
		value    int
		min      int
		want     []string
	}{
		{"count over limit", backup.RecycleCriteriaCount, 2, 0, []string{"a", "b", "c"}},
		{"count at limit", backup.RecycleCriteriaCount, 5, 0, nil},
		{"count respects floor", backup.RecycleCriteriaCount, 2, 4, []string{"a"}},
		{"count floor above total", backup.RecycleCriteriaCount, 2, 9, nil},
		{"age", backup.RecycleCriteriaAge, 3, 0, []string{"a", "b", "c"}},
		{"age respects floor", backup.RecycleCriteriaAge, 3, 3, []string{"a", "b"}},
		{"age nothing old", backup.RecycleCriteriaAge, 30, 0, nil},
		{"none", backup.RecycleCriteriaNone, 0, 0, nil},
		{"negative floor treated as zero", backup.RecycleCriteriaCount, 4, -3, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &backup.Target{RecycleCriteria: tt.criteria, RecycleValue: tt.value, MinBackups: tt.min}
			got, err := SelectForRetention(target, backups, now)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestSelectForRetention_AgeBoundary(t *testing.T) {
	target := &backup.Target{RecycleCriteria: backup.RecycleCriteriaAge, RecycleValue: 3}
	backups := backupsAged(baseTime, 4, 3)

	got, err := SelectForRetention(target, backups, baseTime)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got), "D+1 days old is selected, D days old is not")
}

func TestSelectForRetention_BrokenCriteria(t *testing.T) {
	target := &backup.Target{ID: "t1", RecycleCriteria: "size", RecycleValue: 1}
	_, err := SelectForRetention(target, backupsAged(baseTime, 1, 2), baseTime)
	assert.True(t, backup.IsBrokenPolicyError(err))
}

func TestRetentionJob_CountRecycle(t *testing.T) {
	e := newEngine(t)
	target := e.addTarget(t, countTargetFields("db", 2, backup.RecycleActionRecycle))

	oldest := e.upload(t, target, "one", baseTime)
	e.upload(t, target, "two", baseTime.Add(time.Minute))
	e.upload(t, target, "three", baseTime.Add(2*time.Minute))

	job := NewRetentionJob(e.db, e.service, testclock.NewClock(baseTime.Add(time.Hour)), e.logger)
	require.NoError(t, job.Run(e.ctx))

	active, err := e.db.ListActiveBackupsForTarget(e.ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	recycled, err := e.db.ListRecycledBackups(e.ctx)
	require.NoError(t, err)
	require.Len(t, recycled, 1)
	assert.Equal(t, oldest, recycled[0].ID)
	assert.FileExists(t, filepath.Join(e.root, "Recycle-bin", "db-"+oldest+".sql"))

	// a second run finds nothing more to do
	require.NoError(t, job.Run(e.ctx))
	recycled, _ = e.db.ListRecycledBackups(e.ctx)
	assert.Len(t, recycled, 1)
}

func TestRetentionJob_CountDelete(t *testing.T) {
	e := newEngine(t)
	target := e.addTarget(t, countTargetFields("db", 2, backup.RecycleActionDelete))

	oldest := e.upload(t, target, "one", baseTime)
	e.upload(t, target, "two", baseTime.Add(time.Minute))
	e.upload(t, target, "three", baseTime.Add(2*time.Minute))

	job := NewRetentionJob(e.db, e.service, testclock.NewClock(baseTime), e.logger)
	require.NoError(t, job.Run(e.ctx))

	all, err := e.db.ListBackupsForTarget(e.ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = e.db.GetBackup(e.ctx, oldest)
	assert.True(t, backup.IsNotFoundError(err))
	_, err = os.Stat(filepath.Join(target.Location, "db-"+oldest+".sql"))
	assert.True(t, os.IsNotExist(err))
}

func TestRetentionJob_AgeWithMinBackups(t *testing.T) {
	e := newEngine(t)
	fields := countTargetFields("logs", 0, backup.RecycleActionDelete)
	fields.RecycleCriteria = backup.RecycleCriteriaAge
	fields.RecycleValue = 3
	fields.MinBackups = 2
	target := e.addTarget(t, fields)

	now := baseTime.Add(30 * day)
	e.upload(t, target, "a", now.Add(-10*day))
	e.upload(t, target, "b", now.Add(-9*day))
	e.upload(t, target, "c", now.Add(-8*day))

	job := NewRetentionJob(e.db, e.service, testclock.NewClock(now), e.logger)
	require.NoError(t, job.Run(e.ctx))

	all, err := e.db.ListBackupsForTarget(e.ctx, target.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2, "min_backups keeps two of the three expired backups")
}

func TestRetentionJob_SkipsNoneCriteria(t *testing.T) {
	e := newEngine(t)
	fields := countTargetFields("keep", 0, backup.RecycleActionDelete)
	fields.RecycleCriteria = backup.RecycleCriteriaNone
	target := e.addTarget(t, fields)
	for i := 0; i < 3; i++ {
		e.upload(t, target, "x", baseTime.Add(time.Duration(i)*time.Minute))
	}

	job := NewRetentionJob(e.db, e.service, testclock.NewClock(baseTime.Add(100*day)), e.logger)
	require.NoError(t, job.Run(e.ctx))

	all, _ := e.db.ListBackupsForTarget(e.ctx, target.ID)
	assert.Len(t, all, 3)
}
