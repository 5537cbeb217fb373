package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/config"
	"backupchan/internal/jobs"
	"backupchan/internal/logging"
	"backupchan/internal/sequpload"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	*Application
	root string
	cfg  *config.ServerConfig
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	root := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(root, "backupchan.db")
	cfg.RecycleBinPath = filepath.Join(root, "Recycle-bin")
	cfg.TempSavePath = filepath.Join(root, "tmp")
	require.NoError(t, cfg.Validate())

	app, err := NewApplication(cfg, logging.NewDiscardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { app.Close() })
	require.NoError(t, app.Migrate(context.Background()))

	return &testApp{Application: app, root: root, cfg: cfg}
}

func (a *testApp) addTarget(t *testing.T, name string, targetType backup.TargetType) string {
	t.Helper()
	id, err := a.AddTarget(context.Background(), backup.TargetFields{
		Name:            name,
		Type:            targetType,
		RecycleCriteria: backup.RecycleCriteriaNone,
		RecycleAction:   backup.RecycleActionRecycle,
		Location:        filepath.Join(a.root, "targets", name),
		NameTemplate:    name + "-$I",
		Alias:           name + "-alias",
	})
	require.NoError(t, err)
	return id
}

func (a *testApp) writeFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(a.root, "incoming", rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// stagedSessions lists the staging directories left for the target
func (a *testApp) stagedSessions(t *testing.T, targetID string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(a.cfg.TempSavePath, "sequential", targetID))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNewApplication_InvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "shouty"

	_, err := NewApplication(cfg, logging.NewDiscardLogger())
	assert.Error(t, err)
}

func TestNew_RegistersScheduledJobs(t *testing.T) {
	app := newTestApp(t)

	var names []string
	for _, info := range app.ScheduledJobs() {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{
		jobs.BackupFilesizeJobName,
		jobs.DeduplicateJobName,
		jobs.RetentionJobName,
		jobs.StaleUploadJobName,
		jobs.TempPurgeJobName,
	}, names)

	assert.True(t, app.ForceRunJob(jobs.RetentionJobName))
	assert.False(t, app.ForceRunJob("compact"))
}

func TestApplication_SingleBackupLifecycle(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	targetID := app.addTarget(t, "db", backup.TargetTypeSingle)

	id, err := app.Upload(ctx, "db-alias", true, app.writeFile(t, "dump.sql", "CREATE TABLE t;"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	backups, err := app.ListBackups(ctx, targetID)
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.True(t, backups[0].Manual)
	assert.Equal(t, int64(len("CREATE TABLE t;")), backups[0].Filesize)

	require.NoError(t, app.RecycleBackup(ctx, id))
	recycled, err := app.ListRecycledBackups(ctx)
	require.NoError(t, err)
	require.Len(t, recycled, 1)
	assert.FileExists(t, filepath.Join(app.cfg.RecycleBinPath, "db-"+id+".sql"))

	stats, err := app.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Targets)
	assert.Equal(t, 1, stats.Backups)
	assert.Equal(t, 1, stats.RecycledBackups)
	assert.Equal(t, int64(15), stats.TotalRecycleBinSize)

	require.NoError(t, app.UnrecycleBackup(ctx, id))

	out, err := app.ExportBackup(ctx, id, filepath.Join(app.root, "export"))
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "CREATE TABLE t;", string(data))

	size, err := app.TargetSize(ctx, "db-alias")
	require.NoError(t, err)
	assert.Equal(t, int64(15), size)

	require.NoError(t, app.DeleteBackup(ctx, id, true))
	assert.NoFileExists(t, filepath.Join(app.root, "targets", "db", "db-"+id+".sql"))

	jobsRun := app.DelayedJobs()
	require.Len(t, jobsRun, 1)
	assert.Equal(t, jobs.StateFinished, jobsRun[0].State)
}

func TestApplication_UploadErrorsKeepType(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	_, err := app.Upload(ctx, "missing", false, app.writeFile(t, "x.sql", "x"))
	assert.True(t, backup.IsNotFoundError(err))

	app.addTarget(t, "files", backup.TargetTypeMulti)
	_, err = app.Upload(ctx, "files-alias", false, app.writeFile(t, "x.rar", "x"))
	assert.True(t, backup.IsUnsupportedFormatError(err))

	backups, err := app.ListBackups(ctx, "files-alias")
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestApplication_UploadAsync(t *testing.T) {
	app := newTestApp(t)
	app.addTarget(t, "db", backup.TargetTypeSingle)

	jobID := app.UploadAsync("db-alias", false, app.writeFile(t, "a.sql", "a"))
	info, err := app.jobManager.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFinished, info.State)
	assert.Equal(t, "upload", info.Name)
}

func TestApplication_UploadDirectory(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	targetID := app.addTarget(t, "site", backup.TargetTypeMulti)

	app.writeFile(t, "site/index.html", "<html>")
	app.writeFile(t, "site/static/app.js", "console.log(1)")
	dir := filepath.Join(app.root, "incoming", "site")

	id, err := app.UploadDirectory(ctx, "site-alias", dir, true)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored := filepath.Join(app.root, "targets", "site", "site-"+id)
	data, err := os.ReadFile(filepath.Join(stored, "static", "app.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(data))

	// staging is cleaned up
	assert.Empty(t, app.stagedSessions(t, targetID))

	out, err := app.ExportBackup(ctx, id, filepath.Join(app.root, "export"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, ".tar.xz"))

	extracted := t.TempDir()
	require.NoError(t, backup.ExtractArchive(backup.ArchiveKindTarXz, out, extracted))
	data, err = os.ReadFile(filepath.Join(extracted, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>", string(data))

	entries, err := os.ReadDir(app.cfg.TempSavePath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tar.xz"), "leftover %s", e.Name())
		assert.False(t, strings.HasPrefix(e.Name(), "seq-upload-"), "leftover %s", e.Name())
	}
}

func TestApplication_UploadDirectory_Empty(t *testing.T) {
	app := newTestApp(t)
	app.addTarget(t, "site", backup.TargetTypeMulti)

	_, err := app.UploadDirectory(context.Background(), "site-alias", t.TempDir(), false)
	assert.True(t, backup.IsValidationError(err))
}

func TestApplication_SequentialUploadErrors(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	app.addTarget(t, "site", backup.TargetTypeMulti)

	file := sequpload.File{Path: "/", Name: "a.txt"}
	err := app.UploadSequentialFile("nobody", file, strings.NewReader("x"))
	assert.True(t, backup.IsNotFoundError(err))

	targetID, err := app.BeginSequentialUpload(ctx, "site-alias", []sequpload.File{file}, false)
	require.NoError(t, err)

	_, err = app.BeginSequentialUpload(ctx, "site-alias", []sequpload.File{file}, false)
	assert.True(t, backup.IsTargetBusyError(err))

	_, _, err = app.FinishSequentialUpload(targetID)
	assert.True(t, backup.IsValidationError(err))

	err = app.UploadSequentialFile(targetID, sequpload.File{Name: "other.txt"}, strings.NewReader("x"))
	assert.True(t, backup.IsNotFoundError(err))

	require.NoError(t, app.UploadSequentialFile(targetID, file, strings.NewReader("x")))
	err = app.UploadSequentialFile(targetID, file, strings.NewReader("x"))
	assert.True(t, backup.IsConflictError(err))

	upload, err := app.SequentialUpload(targetID)
	require.NoError(t, err)
	assert.True(t, upload.AllUploaded())
	staging := upload.StagingDir(app.cfg.TempSavePath)
	assert.FileExists(t, sequpload.StagingPath(staging, file))

	assert.True(t, app.TerminateSequentialUpload(targetID))
	assert.False(t, app.TerminateSequentialUpload(targetID))
	_, err = os.Stat(staging)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, app.stagedSessions(t, targetID))
}

func TestApplication_SequentialUploadRejectedDuplicateKeepsContent(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	app.addTarget(t, "site", backup.TargetTypeMulti)

	file := sequpload.File{Path: "docs", Name: "a.txt"}
	targetID, err := app.BeginSequentialUpload(ctx, "site-alias", []sequpload.File{file}, false)
	require.NoError(t, err)

	require.NoError(t, app.UploadSequentialFile(targetID, file, strings.NewReader("first")))
	err = app.UploadSequentialFile(targetID, file, strings.NewReader("second"))
	assert.True(t, backup.IsConflictError(err))

	upload, err := app.SequentialUpload(targetID)
	require.NoError(t, err)
	data, err := os.ReadFile(sequpload.StagingPath(upload.StagingDir(app.cfg.TempSavePath), file))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestApplication_SequentialUploadConcurrentSameFile(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	app.addTarget(t, "site", backup.TargetTypeMulti)

	file := sequpload.File{Path: "/", Name: "a.txt"}
	targetID, err := app.BeginSequentialUpload(ctx, "site-alias", []sequpload.File{file}, false)
	require.NoError(t, err)

	const workers = 6
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = app.UploadSequentialFile(targetID, file, strings.NewReader(fmt.Sprintf("content-%d", i)))
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "only one upload may succeed")
			winner = i
			continue
		}
		assert.True(t, backup.IsConflictError(err), "upload %d: %v", i, err)
	}
	require.NotEqual(t, -1, winner)

	upload, err := app.SequentialUpload(targetID)
	require.NoError(t, err)
	data, err := os.ReadFile(sequpload.StagingPath(upload.StagingDir(app.cfg.TempSavePath), file))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("content-%d", winner), string(data), "staged content belongs to the accepted upload")

	entries, err := os.ReadDir(app.cfg.TempSavePath)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "seq-upload-"), "leftover %s", e.Name())
	}
}

func TestApplication_EditAndDeleteTarget(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	targetID := app.addTarget(t, "db", backup.TargetTypeSingle)

	id, err := app.Upload(ctx, targetID, false, app.writeFile(t, "a.sql", "a"))
	require.NoError(t, err)

	target, err := app.GetTarget(ctx, "db-alias")
	require.NoError(t, err)
	fields := target.Fields()
	fields.NameTemplate = "renamed-$I"
	require.NoError(t, app.EditTarget(ctx, "db-alias", fields))
	assert.FileExists(t, filepath.Join(app.root, "targets", "db", "renamed-"+id+".sql"))

	targets, err := app.ListTargets(ctx, backup.TargetQuery{Name: "d"})
	require.NoError(t, err)
	assert.Len(t, targets, 1)

	require.NoError(t, app.DeleteTargetBackups(ctx, targetID, true))
	backups, err := app.ListBackups(ctx, targetID)
	require.NoError(t, err)
	assert.Empty(t, backups)

	require.NoError(t, app.DeleteTarget(ctx, targetID, true))
	_, err = app.GetTarget(ctx, targetID)
	assert.True(t, backup.IsNotFoundError(err))
}

func TestApplication_RunJob(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	err := app.RunJob(ctx, "compact")
	assert.True(t, backup.IsNotFoundError(err))

	require.NoError(t, os.MkdirAll(app.cfg.TempSavePath, 0755))
	for _, name := range []string{
		jobs.RetentionJobName,
		jobs.DeduplicateJobName,
		jobs.BackupFilesizeJobName,
		jobs.StaleUploadJobName,
		jobs.TempPurgeJobName,
	} {
		assert.NoError(t, app.RunJob(ctx, name), name)
	}
}

func TestApplication_ClearRecycleBin(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()
	app.addTarget(t, "db", backup.TargetTypeSingle)

	for _, name := range []string{"a.sql", "b.sql"} {
		id, err := app.Upload(ctx, "db-alias", false, app.writeFile(t, name, name))
		require.NoError(t, err)
		require.NoError(t, app.RecycleBackup(ctx, id))
	}

	require.NoError(t, app.ClearRecycleBin(ctx, true))
	recycled, err := app.ListRecycledBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, recycled)
}

func TestApplication_Serve(t *testing.T) {
	app := newTestApp(t)

	done := make(chan error, 1)
	go func() { done <- app.Serve() }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(app.cfg.TempSavePath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	app.Shutdown()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	assert.DirExists(t, app.cfg.RecycleBinPath)
}

func TestApplication_ServeStorageFailure(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, os.WriteFile(app.cfg.RecycleBinPath, []byte("file"), 0644))

	err := app.Serve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage initialization failed")
}
