package jobs

import (
	"context"
	"fmt"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/logging"
	"backupchan/internal/metrics"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// RetentionJobName is the scheduler name of the retention job
const RetentionJobName = "retention"

const day = 24 * time.Hour

// RetentionJob applies each target's recycle criteria to its active backups
type RetentionJob struct {
	db      backup.Database
	service backup.BackupService
	clock   clock.Clock
	logger  *logging.Logger
}

// NewRetentionJob creates the retention job
func NewRetentionJob(db backup.Database, service backup.BackupService, clk clock.Clock, logger *logging.Logger) *RetentionJob {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &RetentionJob{db: db, service: service, clock: clk, logger: logger}
}

// Name implements Job
func (j *RetentionJob) Name() string {
	return RetentionJobName
}

// Run implements Job. Failures on one target or backup are logged and the
// job moves on; the last error is returned.
func (j *RetentionJob) Run(ctx context.Context) error {
	targets, err := j.db.ListTargets(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, target := range targets {
		if target.RecycleCriteria == backup.RecycleCriteriaNone {
			continue
		}
		if err := j.checkTarget(ctx, target); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (j *RetentionJob) checkTarget(ctx context.Context, target *backup.Target) error {
	log := j.logger.WithComponent("retention").WithFields(logrus.Fields{
		"target_id": target.ID,
		"criteria":  target.RecycleCriteria,
	})

	if _, err := backup.ParseRecycleAction(string(target.RecycleAction)); err != nil {
		err = backup.NewBrokenPolicyError(fmt.Sprintf("target %s has a broken recycle action %q", target.ID, target.RecycleAction))
		log.WithError(err).Error("Skipping target")
		return err
	}

	backups, err := j.db.ListActiveBackupsForTarget(ctx, target.ID)
	if err != nil {
		log.WithError(err).Error("Failed to list backups")
		return err
	}
	backup.SortBackupsOldestFirst(backups)

	selected, err := SelectForRetention(target, backups, j.clock.Now())
	if err != nil {
		log.WithError(err).Error("Skipping target")
		return err
	}
	if len(selected) == 0 {
		log.WithField("backups", len(backups)).Debug("Target within limits")
		return nil
	}

	var lastErr error
	for _, b := range selected {
		if err := j.apply(ctx, target.RecycleAction, b.ID); err != nil {
			log.WithError(err).WithField("backup_id", b.ID).Error("Recycle action failed")
			lastErr = err
			continue
		}
		metrics.BackupsRemoved.WithLabelValues(RetentionJobName, string(target.RecycleAction)).Inc()
		log.WithField("backup_id", b.ID).WithField("action", target.RecycleAction).Info("Applied recycle action")
	}
	return lastErr
}

func (j *RetentionJob) apply(ctx context.Context, action backup.RecycleAction, backupID string) error {
	switch action {
	case backup.RecycleActionDelete:
		return j.service.DeleteBackup(ctx, backupID, true)
	case backup.RecycleActionRecycle:
		return j.service.RecycleBackup(ctx, backupID)
	default:
		return backup.NewBrokenPolicyError(fmt.Sprintf("broken recycle action %q", action))
	}
}

// SelectForRetention returns the backups the target's policy acts on.
// backups must be the target's active backups sorted oldest first. The
// selection never leaves fewer than MinBackups active backups.
func SelectForRetention(target *backup.Target, backups []*backup.Backup, now time.Time) ([]*backup.Backup, error) {
	if _, err := backup.ParseRecycleCriteria(string(target.RecycleCriteria)); err != nil {
		return nil, backup.NewBrokenPolicyError(
			fmt.Sprintf("target %s has a broken recycle criteria %q", target.ID, target.RecycleCriteria))
	}

	keep := target.MinBackups
	if keep < 0 {
		keep = 0
	}
	limit := len(backups) - keep
	if limit <= 0 {
		return nil, nil
	}

	var selected []*backup.Backup
	switch target.RecycleCriteria {
	case backup.RecycleCriteriaCount:
		if excess := len(backups) - target.RecycleValue; excess > 0 {
			selected = backups[:excess]
		}
	case backup.RecycleCriteriaAge:
		for _, b := range backups {
			if AgeInDays(now, b.CreatedAt) > target.RecycleValue {
				selected = append(selected, b)
			}
		}
	}

	if len(selected) > limit {
		selected = selected[:limit]
	}
	return selected, nil
}

// AgeInDays is the number of whole days between created and now, rounded
// towards negative infinity
func AgeInDays(now, created time.Time) int {
	d := now.Sub(created)
	days := d / day
	if d < 0 && d%day != 0 {
		days--
	}
	return int(days)
}
