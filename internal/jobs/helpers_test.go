package jobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/backup/backuptest"
	"backupchan/internal/logging"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j *funcJob) Name() string                  { return j.name }
func (j *funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// engine wires a memory database, a real file manager and an orchestrator
// under a temporary root
type engine struct {
	ctx     context.Context
	root    string
	db      *backuptest.MemoryDatabase
	files   *backup.FileManager
	service *backup.Orchestrator
	logger  *logging.Logger
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	root := t.TempDir()
	logger := logging.NewDiscardLogger()
	db := backuptest.NewMemoryDatabase()
	files := backup.NewFileManager(db, filepath.Join(root, "Recycle-bin"), logger)
	return &engine{
		ctx:     context.Background(),
		root:    root,
		db:      db,
		files:   files,
		service: backup.NewOrchestrator(db, files, logger),
		logger:  logger,
	}
}

func (e *engine) addTarget(t *testing.T, fields backup.TargetFields) *backup.Target {
	t.Helper()
	if fields.Location == "" {
		fields.Location = filepath.Join(e.root, "targets", fields.Name)
	}
	id, err := e.db.AddTarget(e.ctx, fields)
	require.NoError(t, err)
	target, err := e.db.GetTarget(e.ctx, id)
	require.NoError(t, err)
	return target
}

// upload stores content as a SINGLE backup created at createdAt
func (e *engine) upload(t *testing.T, target *backup.Target, content string, createdAt time.Time) string {
	t.Helper()
	src := filepath.Join(e.root, "incoming-"+backup.GenerateID()+".sql")
	require.NoError(t, os.WriteFile(src, []byte(content), 0644))

	e.db.Now = func() time.Time { return createdAt }
	id, err := e.service.UploadBackup(e.ctx, target.ID, false, src)
	require.NoError(t, err)
	return id
}

func countTargetFields(name string, value int, action backup.RecycleAction) backup.TargetFields {
	return backup.TargetFields{
		Name:            name,
		Type:            backup.TargetTypeSingle,
		RecycleCriteria: backup.RecycleCriteriaCount,
		RecycleValue:    value,
		RecycleAction:   action,
		NameTemplate:    name + "-$I",
	}
}
