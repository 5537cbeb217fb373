package jobs

import (
	"context"
	"os"

	"backupchan/internal/logging"
	"backupchan/internal/sequpload"

	"github.com/sirupsen/logrus"
)

// StaleUploadJobName is the scheduler name of the stale upload sweep
const StaleUploadJobName = "stale_sequential_upload"

// StaleUploadJob terminates sequential uploads that have been idle for too
// long and removes their staged files
type StaleUploadJob struct {
	uploads *sequpload.Manager
	tempDir string
	logger  *logging.Logger
}

// NewStaleUploadJob creates the stale upload sweep. tempDir is the root the
// session staging directories live under.
func NewStaleUploadJob(uploads *sequpload.Manager, tempDir string, logger *logging.Logger) *StaleUploadJob {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &StaleUploadJob{uploads: uploads, tempDir: tempDir, logger: logger}
}

// Name implements Job
func (j *StaleUploadJob) Name() string {
	return StaleUploadJobName
}

// Run implements Job
func (j *StaleUploadJob) Run(ctx context.Context) error {
	log := j.logger.WithComponent("stale_upload")

	var lastErr error
	for _, upload := range j.uploads.TerminateExpired() {
		log.WithFields(logrus.Fields{
			"target_id":  upload.TargetID,
			"session_id": upload.SessionID,
		}).Info("Sequential upload expired, deleted")

		if j.tempDir == "" {
			continue
		}
		if err := os.RemoveAll(upload.StagingDir(j.tempDir)); err != nil {
			log.WithError(err).WithField("target_id", upload.TargetID).Error("Failed to remove staged files")
			lastErr = err
		}
	}
	return lastErr
}
