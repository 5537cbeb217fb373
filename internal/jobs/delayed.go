package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/logging"
	"backupchan/internal/metrics"
	"backupchan/internal/sequpload"

	"github.com/sirupsen/logrus"
)

// DelayedJobState is the lifecycle state of a delayed job
type DelayedJobState string

// Delayed job states
const (
	StateIdle     DelayedJobState = "idle"
	StateRunning  DelayedJobState = "running"
	StateFinished DelayedJobState = "finished"
	StateError    DelayedJobState = "error"
)

// DelayedJob is a one-shot task run in the background
type DelayedJob interface {
	Name() string
	Run(ctx context.Context) error
}

// DelayedJobInfo is a snapshot of a delayed job's status
type DelayedJobInfo struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	State     DelayedJobState `json:"state"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Error     string          `json:"error,omitempty"`
}

type delayedEntry struct {
	info DelayedJobInfo
	job  DelayedJob
	err  error
	done chan struct{}
}

// JobManager starts delayed jobs and keeps their status for polling
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[int]*delayedEntry
	nextID int
	ctx    context.Context
	logger *logging.Logger
}

// NewJobManager creates a job manager. Jobs run with ctx, so cancelling it
// asks running jobs to stop.
func NewJobManager(ctx context.Context, logger *logging.Logger) *JobManager {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &JobManager{
		jobs:   make(map[int]*delayedEntry),
		nextID: 1,
		ctx:    ctx,
		logger: logger,
	}
}

// Run starts job on its own goroutine and returns its id
func (m *JobManager) Run(job DelayedJob) int {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	entry := &delayedEntry{
		info: DelayedJobInfo{ID: id, Name: job.Name(), State: StateIdle},
		job:  job,
		done: make(chan struct{}),
	}
	m.jobs[id] = entry
	m.mu.Unlock()

	m.logger.WithComponent("delayed_jobs").WithFields(logrus.Fields{
		"job":    job.Name(),
		"job_id": id,
	}).Info("Started delayed job")

	go m.execute(entry)
	return id
}

func (m *JobManager) execute(entry *delayedEntry) {
	defer close(entry.done)

	m.mu.Lock()
	entry.info.State = StateRunning
	entry.info.StartTime = time.Now()
	m.mu.Unlock()

	err := safeRun(m.ctx, entry.job.Run)

	m.mu.Lock()
	entry.info.EndTime = time.Now()
	if err != nil {
		entry.info.State = StateError
		entry.info.Error = err.Error()
		entry.err = err
	} else {
		entry.info.State = StateFinished
	}
	info := entry.info
	m.mu.Unlock()

	metrics.DelayedJobs.WithLabelValues(info.Name, string(info.State)).Inc()
	m.logger.LogJobRun("delayed", info.Name, info.EndTime.Sub(info.StartTime), err)
}

// Get returns the status of one job
func (m *JobManager) Get(id int) (DelayedJobInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.jobs[id]
	if !ok {
		return DelayedJobInfo{}, false
	}
	return entry.info, true
}

// Jobs returns the status of every job ordered by id
func (m *JobManager) Jobs() []DelayedJobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]DelayedJobInfo, 0, len(m.jobs))
	for _, entry := range m.jobs {
		infos = append(infos, entry.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Wait blocks until the job has ended or ctx is done
func (m *JobManager) Wait(ctx context.Context, id int) (DelayedJobInfo, error) {
	m.mu.RLock()
	entry, ok := m.jobs[id]
	m.mu.RUnlock()
	if !ok {
		return DelayedJobInfo{}, backup.NewNotFoundError(fmt.Sprintf("delayed job %d not found", id), nil)
	}

	select {
	case <-entry.done:
	case <-ctx.Done():
		return DelayedJobInfo{}, ctx.Err()
	}
	info, _ := m.Get(id)
	return info, nil
}

// Err returns the error a finished job failed with, keeping its type
func (m *JobManager) Err(id int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.jobs[id]; ok {
		return entry.err
	}
	return nil
}

// UploadJob ingests an uploaded file into a target
type UploadJob struct {
	service    backup.BackupService
	targetID   string
	manual     bool
	sourcePath string

	backupID string
}

// NewUploadJob creates an upload job for sourcePath
func NewUploadJob(service backup.BackupService, targetID string, manual bool, sourcePath string) *UploadJob {
	return &UploadJob{service: service, targetID: targetID, manual: manual, sourcePath: sourcePath}
}

// Name implements DelayedJob
func (j *UploadJob) Name() string {
	return "upload"
}

// Run implements DelayedJob
func (j *UploadJob) Run(ctx context.Context) error {
	id, err := j.service.UploadBackup(ctx, j.targetID, j.manual, j.sourcePath)
	if err != nil {
		return err
	}
	j.backupID = id
	return nil
}

// BackupID is the id of the created backup once the job finished
func (j *UploadJob) BackupID() string {
	return j.backupID
}

// SequentialFinishJob packs the staged files of a finished sequential
// upload into one archive and ingests it
type SequentialFinishJob struct {
	service backup.BackupService
	upload  *sequpload.Upload
	tempDir string

	backupID string
}

// NewSequentialFinishJob creates the job for a session returned by
// sequpload.Manager.Finish
func NewSequentialFinishJob(service backup.BackupService, upload *sequpload.Upload, tempDir string) *SequentialFinishJob {
	return &SequentialFinishJob{service: service, upload: upload, tempDir: tempDir}
}

// Name implements DelayedJob
func (j *SequentialFinishJob) Name() string {
	return "sequential_finish"
}

// Run implements DelayedJob. The staging directory is removed whether or
// not the ingest succeeds.
func (j *SequentialFinishJob) Run(ctx context.Context) error {
	sessionDir := j.upload.StagingDir(j.tempDir)
	defer os.RemoveAll(sessionDir)

	archive := filepath.Join(j.tempDir, fmt.Sprintf("seq_%s_%s.tar.xz", j.upload.TargetID, j.upload.SessionID))
	if err := backup.PackTarXz(sessionDir, archive); err != nil {
		return err
	}
	defer os.Remove(archive)

	id, err := j.service.UploadBackup(ctx, j.upload.TargetID, j.upload.Manual, archive)
	if err != nil {
		return err
	}
	j.backupID = id
	return nil
}

// BackupID is the id of the created backup once the job finished
func (j *SequentialFinishJob) BackupID() string {
	return j.backupID
}
