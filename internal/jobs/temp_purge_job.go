package jobs

import (
	"context"
	"os"
	"path/filepath"

	"backupchan/internal/logging"

	"github.com/juju/clock"
)

// TempPurgeJobName is the scheduler name of the temporary file purge
const TempPurgeJobName = "temporary_purge"

// TempPurgeMaxAgeDays is the age in whole days a temporary file must exceed
// before it is purged
const TempPurgeMaxAgeDays = 1

// TempPurgeJob deletes old regular files directly inside the temp directory.
// Subdirectories such as sequential upload staging are left alone.
type TempPurgeJob struct {
	tempDir string
	clock   clock.Clock
	logger  *logging.Logger
}

// NewTempPurgeJob creates the temporary file purge
func NewTempPurgeJob(tempDir string, clk clock.Clock, logger *logging.Logger) *TempPurgeJob {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &TempPurgeJob{tempDir: tempDir, clock: clk, logger: logger}
}

// Name implements Job
func (j *TempPurgeJob) Name() string {
	return TempPurgeJobName
}

// Run implements Job
func (j *TempPurgeJob) Run(ctx context.Context) error {
	log := j.logger.WithComponent("temp_purge").WithField("dir", j.tempDir)

	entries, err := os.ReadDir(j.tempDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	now := j.clock.Now()
	var lastErr error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if AgeInDays(now, info.ModTime()) <= TempPurgeMaxAgeDays {
			continue
		}

		path := filepath.Join(j.tempDir, entry.Name())
		if err := os.Remove(path); err != nil {
			log.WithError(err).WithField("file", path).Error("Failed to delete temporary file")
			lastErr = err
			continue
		}
		log.WithField("file", path).Info("Deleted temporary file older than one day")
	}
	return lastErr
}
