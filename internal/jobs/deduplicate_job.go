package jobs

import (
	"bytes"
	"context"

	"backupchan/internal/backup"
	"backupchan/internal/logging"
	"backupchan/internal/metrics"

	"github.com/sirupsen/logrus"
)

// DeduplicateJobName is the scheduler name of the deduplication job
const DeduplicateJobName = "deduplicate"

// DeduplicateJob removes backups whose content equals an older backup of
// the same target
type DeduplicateJob struct {
	db      backup.Database
	files   backup.FileStore
	service backup.BackupService
	logger  *logging.Logger

	// hashes of older backups, valid for one run only
	cache map[string][]byte
}

// NewDeduplicateJob creates the deduplication job
func NewDeduplicateJob(db backup.Database, files backup.FileStore, service backup.BackupService, logger *logging.Logger) *DeduplicateJob {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &DeduplicateJob{db: db, files: files, service: service, logger: logger}
}

// Name implements Job
func (j *DeduplicateJob) Name() string {
	return DeduplicateJobName
}

// Run implements Job
func (j *DeduplicateJob) Run(ctx context.Context) error {
	j.cache = make(map[string][]byte)
	defer func() { j.cache = nil }()

	targets, err := j.db.ListTargets(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, target := range targets {
		if !target.Deduplicate {
			continue
		}
		if err := j.checkTarget(ctx, target); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (j *DeduplicateJob) checkTarget(ctx context.Context, target *backup.Target) error {
	log := j.logger.WithComponent("deduplicate").WithField("target_id", target.ID)
	log.Info("Check target")

	backups, err := j.db.ListBackupsForTarget(ctx, target.ID)
	if err != nil {
		return err
	}
	// newest first; everything after index i is older than backups[i]
	backup.SortBackupsNewestFirst(backups)

	var lastErr error
	for i, current := range backups {
		currentHash, err := j.files.HashOf(ctx, current.ID)
		if err != nil {
			log.WithError(err).WithField("backup_id", current.ID).Error("Failed to get backup hash")
			continue
		}

		for k := len(backups) - 1; k > i; k-- {
			older := backups[k]
			olderHash, err := j.hash(ctx, older.ID)
			if err != nil {
				log.WithError(err).WithField("backup_id", older.ID).Error("Failed to get backup hash")
				continue
			}
			if !bytes.Equal(olderHash, currentHash) {
				continue
			}

			log.WithFields(logrus.Fields{
				"backup_id":    current.ID,
				"duplicate_of": older.ID,
			}).Info("Duplicate, removing backup")
			if err := j.service.DeleteBackup(ctx, current.ID, true); err != nil {
				log.WithError(err).WithField("backup_id", current.ID).Error("Failed to remove duplicate")
				lastErr = err
			} else {
				metrics.BackupsRemoved.WithLabelValues(DeduplicateJobName, string(backup.RecycleActionDelete)).Inc()
			}
			break
		}
	}
	return lastErr
}

func (j *DeduplicateJob) hash(ctx context.Context, backupID string) ([]byte, error) {
	if h, ok := j.cache[backupID]; ok {
		return h, nil
	}
	h, err := j.files.HashOf(ctx, backupID)
	if err != nil {
		return nil, err
	}
	j.cache[backupID] = h
	return h, nil
}
