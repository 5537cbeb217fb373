package backup_test

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/backup/backuptest"
	"backupchan/internal/logging"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fileEnv struct {
	ctx       context.Context
	db        *backuptest.MemoryDatabase
	fm        *backup.FileManager
	recycle   string
	uploadDir string
	target    *backup.Target
}

func newFileEnv(t *testing.T, targetType backup.TargetType) *fileEnv {
	t.Helper()
	root := t.TempDir()
	env := &fileEnv{
		ctx:       context.Background(),
		db:        backuptest.NewMemoryDatabase(),
		recycle:   filepath.Join(root, "Recycle-bin"),
		uploadDir: filepath.Join(root, "uploads"),
	}
	require.NoError(t, os.MkdirAll(env.uploadDir, 0755))
	env.fm = backup.NewFileManager(env.db, env.recycle, logging.NewDiscardLogger())

	id, err := env.db.AddTarget(env.ctx, backup.TargetFields{
		Name:            "test target",
		Type:            targetType,
		RecycleCriteria: backup.RecycleCriteriaNone,
		RecycleAction:   backup.RecycleActionRecycle,
		Location:        filepath.Join(root, "target"),
		NameTemplate:    "bk-$I",
	})
	require.NoError(t, err)
	env.target, err = env.db.GetTarget(env.ctx, id)
	require.NoError(t, err)
	return env
}

func (e *fileEnv) upload(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.uploadDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (e *fileEnv) uploadTarGz(t *testing.T, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(e.uploadDir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	tw := tar.NewWriter(gw)
	for _, n := range sortedKeys(files) {
		body := files[n]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: n, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())
	return path
}

func (e *fileEnv) newBackup(t *testing.T) *backup.Backup {
	t.Helper()
	id, err := e.db.AddBackup(e.ctx, e.target.ID, false, time.Time{})
	require.NoError(t, err)
	b, err := e.db.GetBackup(e.ctx, id)
	require.NoError(t, err)
	return b
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestFileManager_IngestSingle(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeSingle)
	b := env.newBackup(t)
	src := env.upload(t, "dump.tar.gz", "hello")

	require.NoError(t, env.fm.Ingest(env.ctx, b.ID, src))

	dest := filepath.Join(env.target.Location, "bk-"+b.ID+".gz")
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(src)
	assert.True(t, os.IsNotExist(err), "source should be consumed")

	size, err := env.fm.SizeOf(env.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestFileManager_IngestSingle_PathConflict(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeSingle)
	b := env.newBackup(t)
	require.NoError(t, os.MkdirAll(env.target.Location, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.target.Location, "bk-"+b.ID+".sql"), []byte("x"), 0644))

	err := env.fm.Ingest(env.ctx, b.ID, env.upload(t, "dump.sql", "new"))
	require.Error(t, err)
	assert.True(t, backup.IsPathConflictError(err))
}

func TestFileManager_IngestMulti(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeMulti)
	b := env.newBackup(t)
	src := env.uploadTarGz(t, "site.tar.gz", map[string]string{
		"index.html":     "<html>",
		"assets/app.css": "body{}",
	})

	require.NoError(t, env.fm.Ingest(env.ctx, b.ID, src))

	dir := filepath.Join(env.target.Location, "bk-"+b.ID)
	data, err := os.ReadFile(filepath.Join(dir, "assets", "app.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(data))

	size, err := env.fm.SizeOf(env.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(len("<html>")+len("body{}")), size)
}

func TestFileManager_IngestMulti_UnsupportedFormat(t *testing.T) {
	for _, name := range []string{"site.rar", "site.tar.zst", "site.tar.lz4", "site.tgz"} {
		t.Run(name, func(t *testing.T) {
			env := newFileEnv(t, backup.TargetTypeMulti)
			b := env.newBackup(t)
			src := env.upload(t, name, "data")

			err := env.fm.Ingest(env.ctx, b.ID, src)
			require.Error(t, err)
			assert.True(t, backup.IsUnsupportedFormatError(err))

			_, statErr := os.Stat(env.target.Location)
			assert.True(t, os.IsNotExist(statErr), "nothing may be created for a rejected format")
			_, statErr = os.Stat(src)
			assert.NoError(t, statErr, "rejected upload stays in place")
		})
	}
}

func TestFileManager_RecycleRoundTrip(t *testing.T) {
	for _, tt := range []backup.TargetType{backup.TargetTypeSingle, backup.TargetTypeMulti} {
		t.Run(string(tt), func(t *testing.T) {
			env := newFileEnv(t, tt)
			b := env.newBackup(t)
			var src string
			if tt == backup.TargetTypeSingle {
				src = env.upload(t, "dump.sql", "content")
			} else {
				src = env.uploadTarGz(t, "dump.tar.gz", map[string]string{"a.txt": "content"})
			}
			require.NoError(t, env.fm.Ingest(env.ctx, b.ID, src))

			active := filepath.Join(env.target.Location, "bk-"+b.ID)
			recycled := filepath.Join(env.recycle, "bk-"+b.ID)
			if tt == backup.TargetTypeSingle {
				active += ".sql"
				recycled += ".sql"
			}

			require.NoError(t, env.fm.Recycle(env.ctx, b.ID))
			require.NoError(t, env.db.SetRecycled(env.ctx, b.ID, true))
			_, err := os.Stat(active)
			assert.True(t, os.IsNotExist(err))
			_, err = os.Stat(recycled)
			require.NoError(t, err)

			err = env.fm.Recycle(env.ctx, b.ID)
			assert.True(t, backup.IsValidationError(err), "recycling twice must fail")

			require.NoError(t, env.fm.Unrecycle(env.ctx, b.ID))
			require.NoError(t, env.db.SetRecycled(env.ctx, b.ID, false))
			_, err = os.Stat(active)
			require.NoError(t, err)
			_, err = os.Stat(recycled)
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestFileManager_DeleteFromRecycleBin(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeSingle)
	b := env.newBackup(t)
	require.NoError(t, env.fm.Ingest(env.ctx, b.ID, env.upload(t, "dump.sql", "x")))
	require.NoError(t, env.fm.Recycle(env.ctx, b.ID))
	require.NoError(t, env.db.SetRecycled(env.ctx, b.ID, true))

	require.NoError(t, env.fm.Delete(env.ctx, b.ID))
	assert.NoFileExists(t, filepath.Join(env.recycle, "bk-"+b.ID+".sql"))

	err := env.fm.Delete(env.ctx, b.ID)
	assert.True(t, backup.IsNotFoundOnDiskError(err))
}

func TestFileManager_MissingFileIsNotFoundOnDisk(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeSingle)
	b := env.newBackup(t)

	_, err := env.fm.SizeOf(env.ctx, b.ID)
	assert.True(t, backup.IsNotFoundOnDiskError(err))
	_, err = env.fm.HashOf(env.ctx, b.ID)
	assert.True(t, backup.IsNotFoundOnDiskError(err))
}

func TestFileManager_HashOf(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeMulti)
	files := map[string]string{"a.txt": "same", "dir/b.txt": "tree"}

	first, second, third := env.newBackup(t), env.newBackup(t), env.newBackup(t)
	require.NoError(t, env.fm.Ingest(env.ctx, first.ID, env.uploadTarGz(t, "1.tar.gz", files)))
	require.NoError(t, env.fm.Ingest(env.ctx, second.ID, env.uploadTarGz(t, "2.tar.gz", files)))
	require.NoError(t, env.fm.Ingest(env.ctx, third.ID, env.uploadTarGz(t, "3.tar.gz", map[string]string{
		"a.txt": "same", "dir/b.txt": "diff",
	})))

	h1, err := env.fm.HashOf(env.ctx, first.ID)
	require.NoError(t, err)
	h2, err := env.fm.HashOf(env.ctx, second.ID)
	require.NoError(t, err)
	h3, err := env.fm.HashOf(env.ctx, third.ID)
	require.NoError(t, err)

	assert.Len(t, h1, 32)
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
}

func TestFileManager_RelocateOnEdit(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeSingle)
	active, recycled := env.newBackup(t), env.newBackup(t)
	require.NoError(t, env.fm.Ingest(env.ctx, active.ID, env.upload(t, "a.sql", "a")))
	require.NoError(t, env.fm.Ingest(env.ctx, recycled.ID, env.upload(t, "b.sql", "b")))
	require.NoError(t, env.fm.Recycle(env.ctx, recycled.ID))
	require.NoError(t, env.db.SetRecycled(env.ctx, recycled.ID, true))

	newLocation := filepath.Join(filepath.Dir(env.target.Location), "moved")
	err := env.fm.RelocateOnEdit(env.ctx, env.target,
		env.target.NameTemplate, env.target.Location, "new-$I", newLocation)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(newLocation, "new-"+active.ID+".sql"))
	assert.FileExists(t, filepath.Join(env.recycle, "new-"+recycled.ID+".sql"))
	assert.NoFileExists(t, filepath.Join(env.target.Location, "bk-"+active.ID+".sql"))
}

func TestFileManager_RelocateOnEdit_ValidatesFirst(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeSingle)
	b := env.newBackup(t)
	require.NoError(t, env.fm.Ingest(env.ctx, b.ID, env.upload(t, "a.sql", "a")))

	err := env.fm.RelocateOnEdit(env.ctx, env.target,
		env.target.NameTemplate, env.target.Location, "no-placeholder", env.target.Location)
	require.Error(t, err)
	assert.True(t, backup.IsValidationError(err))
	assert.FileExists(t, filepath.Join(env.target.Location, "bk-"+b.ID+".sql"))
}

func TestFileManager_DownloadPath(t *testing.T) {
	env := newFileEnv(t, backup.TargetTypeMulti)
	b := env.newBackup(t)
	require.NoError(t, env.fm.Ingest(env.ctx, b.ID, env.uploadTarGz(t, "x.tar.gz", map[string]string{"f": "1"})))

	tempDir := t.TempDir()
	path, err := env.fm.DownloadPath(env.ctx, b.ID, tempDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tempDir, "test target_"+b.ID+".tar.xz"), path)
	assert.FileExists(t, path)
}
