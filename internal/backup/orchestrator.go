package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"backupchan/internal/logging"
	"backupchan/internal/metrics"

	"github.com/sirupsen/logrus"
)

// Orchestrator combines Database and FileStore calls into operations that
// look atomic to callers. It does not provide transactions: a failed ingest
// is compensated by deleting the new row, and a failed relocation leaves the
// already moved backups where they are.
//
// The mutex is only taken by exported methods; unexported helpers assume it
// is held.
type Orchestrator struct {
	db     Database
	files  FileStore
	logger *logging.Logger
	mu     sync.Mutex
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(db Database, files FileStore, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Orchestrator{
		db:     db,
		files:  files,
		logger: logger,
	}
}

func (o *Orchestrator) log(ctx context.Context) *logrus.Entry {
	return o.logger.WithContext(ctx).WithField("component", "orchestrator")
}

// EditTarget stores new target fields and relocates existing backups when
// the location or name template changed.
func (o *Orchestrator) EditTarget(ctx context.Context, id string, fields TargetFields) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	previous, err := o.db.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	if err := o.db.EditTarget(ctx, previous.ID, fields); err != nil {
		return err
	}

	if previous.Location == fields.Location && previous.NameTemplate == fields.NameTemplate {
		return nil
	}

	updated, err := o.db.GetTarget(ctx, previous.ID)
	if err != nil {
		return err
	}
	o.log(ctx).WithFields(logrus.Fields{
		"target_id":    previous.ID,
		"old_location": previous.Location,
		"new_location": fields.Location,
		"old_template": previous.NameTemplate,
		"new_template": fields.NameTemplate,
	}).Info("Target paths changed, relocating backups")

	return o.files.RelocateOnEdit(ctx, updated,
		previous.NameTemplate, previous.Location, fields.NameTemplate, fields.Location)
}

// DeleteTarget removes a target row, optionally deleting the bytes of all
// its backups first. Backup rows go with the target.
func (o *Orchestrator) DeleteTarget(ctx context.Context, id string, deleteFiles bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	target, err := o.db.GetTarget(ctx, id)
	if err != nil {
		return err
	}

	if deleteFiles {
		backups, err := o.db.ListBackupsForTarget(ctx, target.ID)
		if err != nil {
			return err
		}
		for _, b := range backups {
			err := o.files.Delete(ctx, b.ID)
			if IsNotFoundOnDiskError(err) {
				o.log(ctx).WithError(err).WithField("backup_id", b.ID).
					Warn("Backup files already missing, treating as deleted")
				continue
			}
			if err != nil {
				return err
			}
		}
	}

	if err := o.db.DeleteTarget(ctx, target.ID); err != nil {
		return err
	}
	o.log(ctx).WithField("target_id", target.ID).WithField("delete_files", deleteFiles).Info("Deleted target")
	return nil
}

// DeleteTargetBackups deletes every backup of a target but keeps the target
func (o *Orchestrator) DeleteTargetBackups(ctx context.Context, id string, deleteFiles bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	target, err := o.db.GetTarget(ctx, id)
	if err != nil {
		return err
	}
	backups, err := o.db.ListBackupsForTarget(ctx, target.ID)
	if err != nil {
		return err
	}
	for _, b := range backups {
		if err := o.deleteBackup(ctx, b.ID, deleteFiles); err != nil {
			return err
		}
	}
	return nil
}

// UploadBackup records a new backup and ingests sourcePath for it. If the
// physical ingest fails the new row is deleted again and the ingest error
// returned. On success the stored file size is filled in.
func (o *Orchestrator) UploadBackup(ctx context.Context, targetID string, manual bool, sourcePath string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, err := o.uploadBackup(ctx, targetID, manual, sourcePath)
	metrics.BackupsIngested.WithLabelValues(metrics.Result(err)).Inc()
	return id, err
}

func (o *Orchestrator) uploadBackup(ctx context.Context, targetID string, manual bool, sourcePath string) (string, error) {
	target, err := o.db.GetTarget(ctx, targetID)
	if err != nil {
		return "", err
	}

	id, err := o.db.AddBackup(ctx, target.ID, manual, time.Time{})
	if err != nil {
		return "", err
	}
	log := o.log(ctx).WithFields(logrus.Fields{"target_id": target.ID, "backup_id": id})

	if err := o.files.Ingest(ctx, id, sourcePath); err != nil {
		if delErr := o.db.DeleteBackup(ctx, id); delErr != nil {
			log.WithError(delErr).Error("Failed to remove backup row after failed ingest")
		}
		log.WithError(err).Warn("Upload rejected")
		return "", err
	}

	size, err := o.files.SizeOf(ctx, id)
	if err != nil {
		return id, fmt.Errorf("backup %s stored but size unknown: %w", id, err)
	}
	if err := o.db.SetBackupFilesize(ctx, id, size); err != nil {
		return id, err
	}
	metrics.IngestedBytes.Add(float64(size))

	log.WithField("filesize", size).Info("Backup uploaded")
	return id, nil
}

// RecycleBackup moves a backup to the recycle bin and marks it recycled
func (o *Orchestrator) RecycleBackup(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setRecycled(ctx, id, true)
}

// UnrecycleBackup restores a backup from the recycle bin
func (o *Orchestrator) UnrecycleBackup(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setRecycled(ctx, id, false)
}

func (o *Orchestrator) setRecycled(ctx context.Context, id string, recycled bool) error {
	// The file move resolves its source from the stored flag, so it must
	// happen before the flag flips.
	var err error
	if recycled {
		err = o.files.Recycle(ctx, id)
	} else {
		err = o.files.Unrecycle(ctx, id)
	}
	if err != nil {
		return err
	}
	return o.db.SetRecycled(ctx, id, recycled)
}

// DeleteBackup removes a backup row, and its bytes when deleteFiles is set
func (o *Orchestrator) DeleteBackup(ctx context.Context, id string, deleteFiles bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deleteBackup(ctx, id, deleteFiles)
}

func (o *Orchestrator) deleteBackup(ctx context.Context, id string, deleteFiles bool) error {
	if deleteFiles {
		if err := o.files.Delete(ctx, id); err != nil {
			return err
		}
	}
	if err := o.db.DeleteBackup(ctx, id); err != nil {
		return err
	}
	o.log(ctx).WithField("backup_id", id).WithField("delete_files", deleteFiles).Debug("Deleted backup")
	return nil
}

// ClearRecycleBin deletes every recycled backup
func (o *Orchestrator) ClearRecycleBin(ctx context.Context, deleteFiles bool) (err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	done := o.logger.LogOperationStart("clear_recycle_bin", map[string]interface{}{"delete_files": deleteFiles})
	defer func() { done(err) }()

	backups, err := o.db.ListRecycledBackups(ctx)
	if err != nil {
		return err
	}
	for _, b := range backups {
		if err := o.deleteBackup(ctx, b.ID, deleteFiles); err != nil {
			return err
		}
	}
	o.log(ctx).WithField("count", len(backups)).Info("Cleared recycle bin")
	return nil
}
