package jobs

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"backupchan/internal/sequpload"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupFilesizeJob(t *testing.T) {
	e := newEngine(t)
	fields := dedupFields("sized")
	fields.Deduplicate = false
	target := e.addTarget(t, fields)

	id := e.upload(t, target, "12345", baseTime)
	b, err := e.db.GetBackup(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), b.Filesize)

	path := filepath.Join(target.Location, "sized-"+id+".sql")
	require.NoError(t, os.WriteFile(path, []byte("1234567890"), 0644))

	job := NewBackupFilesizeJob(e.db, e.files, e.logger)
	require.NoError(t, job.Run(e.ctx))

	b, err = e.db.GetBackup(e.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Filesize)
}

func TestBackupFilesizeJob_MissingFileIsSkipped(t *testing.T) {
	e := newEngine(t)
	fields := dedupFields("missing")
	target := e.addTarget(t, fields)

	id, err := e.db.AddBackup(e.ctx, target.ID, false, baseTime)
	require.NoError(t, err)
	require.NoError(t, e.db.SetBackupFilesize(e.ctx, id, 42))

	job := NewBackupFilesizeJob(e.db, e.files, e.logger)
	require.NoError(t, job.Run(e.ctx))

	b, _ := e.db.GetBackup(e.ctx, id)
	assert.Equal(t, int64(42), b.Filesize)
}

func TestStaleUploadJob(t *testing.T) {
	tempDir := t.TempDir()
	clk := testclock.NewClock(baseTime)
	uploads := sequpload.NewManager(clk, nil)

	files := []sequpload.File{{Path: "/", Name: "a.txt"}}
	stale, err := uploads.CreateUpload("stale", files, false)
	require.NoError(t, err)
	fresh, err := uploads.CreateUpload("fresh", files, false)
	require.NoError(t, err)

	staging := stale.StagingDir(tempDir)
	require.NoError(t, os.MkdirAll(staging, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "a.txt"), []byte("x"), 0644))
	freshStaging := fresh.StagingDir(tempDir)
	require.NoError(t, os.MkdirAll(freshStaging, 0755))

	clk.Advance(50 * time.Minute)
	require.NoError(t, uploads.MarkUploaded("fresh", files[0]))
	clk.Advance(11 * time.Minute)

	job := NewStaleUploadJob(uploads, tempDir, nil)
	require.NoError(t, job.Run(t.Context()))

	assert.False(t, uploads.IsProcessing("stale"))
	assert.True(t, uploads.IsProcessing("fresh"))
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
	assert.DirExists(t, freshStaging)

	// A session reopened on the swept target is not touched by the next run.
	reopened, err := uploads.CreateUpload("stale", files, false)
	require.NoError(t, err)
	require.NoError(t, job.Run(t.Context()))
	assert.True(t, uploads.IsProcessing("stale"))
	current, err := uploads.Get("stale")
	require.NoError(t, err)
	assert.Equal(t, reopened.SessionID, current.SessionID)
}

func TestTempPurgeJob(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := filepath.Join(dir, "old.tar.xz")
	borderline := filepath.Join(dir, "borderline.tar.xz")
	fresh := filepath.Join(dir, "fresh.tar.xz")
	for _, p := range []string{old, borderline, fresh} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	require.NoError(t, os.Chtimes(old, now.Add(-3*day), now.Add(-3*day)))
	require.NoError(t, os.Chtimes(borderline, now.Add(-36*time.Hour), now.Add(-36*time.Hour)))

	oldDir := filepath.Join(dir, "sequential")
	require.NoError(t, os.Mkdir(oldDir, 0755))
	require.NoError(t, os.Chtimes(oldDir, now.Add(-5*day), now.Add(-5*day)))

	job := NewTempPurgeJob(dir, testclock.NewClock(now), nil)
	require.NoError(t, job.Run(t.Context()))

	assert.NoFileExists(t, old)
	assert.FileExists(t, borderline, "one whole day old is kept")
	assert.FileExists(t, fresh)
	assert.DirExists(t, oldDir)
}

func TestTempPurgeJob_MissingDir(t *testing.T) {
	job := NewTempPurgeJob(filepath.Join(t.TempDir(), "nope"), nil, nil)
	assert.NoError(t, job.Run(t.Context()))
}

var (
	_ Job = (*RetentionJob)(nil)
	_ Job = (*DeduplicateJob)(nil)
	_ Job = (*BackupFilesizeJob)(nil)
	_ Job = (*StaleUploadJob)(nil)
	_ Job = (*TempPurgeJob)(nil)
)
