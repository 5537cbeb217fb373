package backup

import (
	"context"
	"time"
)

// Database is the relational record of targets and backups. Lookups of
// missing rows return a NOT_FOUND_ERROR; AddTarget and EditTarget validate
// their input the same way ValidateTargetFields does.
type Database interface {
	GetTarget(ctx context.Context, idOrAlias string) (*Target, error)
	ListTargets(ctx context.Context) ([]*Target, error)
	SearchTargets(ctx context.Context, query TargetQuery) ([]*Target, error)
	AddTarget(ctx context.Context, fields TargetFields) (string, error)
	EditTarget(ctx context.Context, id string, fields TargetFields) error
	DeleteTarget(ctx context.Context, id string) error
	ValidateTargetFields(ctx context.Context, targetID string, fields TargetFields) error

	// AddBackup inserts a backup row. A zero createdAt means now.
	AddBackup(ctx context.Context, targetID string, manual bool, createdAt time.Time) (string, error)
	GetBackup(ctx context.Context, id string) (*Backup, error)
	ListBackupsForTarget(ctx context.Context, targetID string) ([]*Backup, error)
	ListActiveBackupsForTarget(ctx context.Context, targetID string) ([]*Backup, error)
	ListRecycledBackups(ctx context.Context) ([]*Backup, error)
	DeleteBackup(ctx context.Context, id string) error
	SetBackupFilesize(ctx context.Context, id string, size int64) error
	SetRecycled(ctx context.Context, id string, recycled bool) error

	CountTargets(ctx context.Context) (int, error)
	CountBackups(ctx context.Context) (int, error)
}

// FileStore performs the physical side of every backup operation
type FileStore interface {
	Ingest(ctx context.Context, backupID, sourcePath string) error
	Delete(ctx context.Context, backupID string) error
	Recycle(ctx context.Context, backupID string) error
	Unrecycle(ctx context.Context, backupID string) error
	RelocateOnEdit(ctx context.Context, target *Target, oldTemplate, oldLocation, newTemplate, newLocation string) error
	SizeOf(ctx context.Context, backupID string) (int64, error)
	HashOf(ctx context.Context, backupID string) ([]byte, error)
	DownloadPath(ctx context.Context, backupID, tempDir string) (string, error)
}

// BackupService is the compound-operation surface used by jobs and the CLI
type BackupService interface {
	EditTarget(ctx context.Context, id string, fields TargetFields) error
	DeleteTarget(ctx context.Context, id string, deleteFiles bool) error
	DeleteTargetBackups(ctx context.Context, id string, deleteFiles bool) error
	UploadBackup(ctx context.Context, targetID string, manual bool, sourcePath string) (string, error)
	RecycleBackup(ctx context.Context, id string) error
	UnrecycleBackup(ctx context.Context, id string) error
	DeleteBackup(ctx context.Context, id string, deleteFiles bool) error
	ClearRecycleBin(ctx context.Context, deleteFiles bool) error
}

// Compile-time interface checks
var (
	_ FileStore     = (*FileManager)(nil)
	_ BackupService = (*Orchestrator)(nil)
)
