package jobs

import (
	"context"

	"backupchan/internal/backup"
	"backupchan/internal/logging"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// BackupFilesizeJobName is the scheduler name of the filesize refresh job
const BackupFilesizeJobName = "backup_filesize"

// BackupFilesizeJob refreshes the cached size of every backup
type BackupFilesizeJob struct {
	db     backup.Database
	files  backup.FileStore
	logger *logging.Logger
}

// NewBackupFilesizeJob creates the filesize refresh job
func NewBackupFilesizeJob(db backup.Database, files backup.FileStore, logger *logging.Logger) *BackupFilesizeJob {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &BackupFilesizeJob{db: db, files: files, logger: logger}
}

// Name implements Job
func (j *BackupFilesizeJob) Name() string {
	return BackupFilesizeJobName
}

// Run implements Job. Backups whose size cannot be read are skipped.
func (j *BackupFilesizeJob) Run(ctx context.Context) error {
	log := j.logger.WithComponent("backup_filesize")

	targets, err := j.db.ListTargets(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, target := range targets {
		backups, err := j.db.ListBackupsForTarget(ctx, target.ID)
		if err != nil {
			log.WithError(err).WithField("target_id", target.ID).Error("Failed to list backups")
			lastErr = err
			continue
		}

		for _, b := range backups {
			blog := log.WithFields(logrus.Fields{"target_id": target.ID, "backup_id": b.ID})

			size, err := j.files.SizeOf(ctx, b.ID)
			if err != nil {
				blog.WithError(err).Error("Unable to retrieve filesize")
				continue
			}
			if size == b.Filesize {
				blog.Debug("Filesize unchanged")
				continue
			}
			if err := j.db.SetBackupFilesize(ctx, b.ID, size); err != nil {
				blog.WithError(err).Error("Unable to store filesize")
				lastErr = err
				continue
			}
			blog.Infof("Filesize %s -> %s",
				humanize.IBytes(uint64(b.Filesize)), humanize.IBytes(uint64(size)))
		}
	}
	return lastErr
}
