// Package application wires the store, the backup engine and the job
// scheduler into a running backup server and exposes the operations used
// by the command line.
package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/config"
	"backupchan/internal/database"
	appErrors "backupchan/internal/errors"
	"backupchan/internal/jobs"
	"backupchan/internal/logging"
	"backupchan/internal/metrics"
	"backupchan/internal/sequpload"

	"github.com/juju/clock"
)

// Application represents the main application
type Application struct {
	config          *config.ServerConfig
	logger          *logging.Logger
	clock           clock.Clock
	store           *database.Store
	files           *backup.FileManager
	service         *backup.Orchestrator
	stats           *backup.StatsCollector
	uploads         *sequpload.Manager
	scheduler       *jobs.Scheduler
	scheduledJobs   map[string]jobs.Job
	jobManager      *jobs.JobManager
	shutdownHandler *appErrors.GracefulShutdownHandler
}

// NewApplication opens the configured database and builds the application
func NewApplication(cfg *config.ServerConfig, logger *logging.Logger) (*Application, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	store, err := database.Open(cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return New(cfg, store, clock.WallClock, logger), nil
}

// New builds the application around an open store
func New(cfg *config.ServerConfig, store *database.Store, clk clock.Clock, logger *logging.Logger) *Application {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	if clk == nil {
		clk = clock.WallClock
	}

	files := backup.NewFileManager(store, cfg.RecycleBinPath, logger)
	service := backup.NewOrchestrator(store, files, logger)
	uploads := sequpload.NewManager(clk, logger)
	shutdownHandler := appErrors.NewGracefulShutdownHandler()

	app := &Application{
		config:          cfg,
		logger:          logger,
		clock:           clk,
		store:           store,
		files:           files,
		service:         service,
		stats:           backup.NewStatsCollector(store),
		uploads:         uploads,
		scheduler:       jobs.NewScheduler(clk, cfg.Scheduler.Tick, logger),
		scheduledJobs:   make(map[string]jobs.Job),
		jobManager:      jobs.NewJobManager(shutdownHandler.Context(), logger),
		shutdownHandler: shutdownHandler,
	}

	sc := cfg.Scheduler
	app.addScheduledJob(jobs.NewRetentionJob(store, service, clk, logger), sc.RetentionInterval)
	app.addScheduledJob(jobs.NewDeduplicateJob(store, files, service, logger), sc.DeduplicateInterval)
	app.addScheduledJob(jobs.NewBackupFilesizeJob(store, files, logger), sc.FilesizeInterval)
	app.addScheduledJob(jobs.NewStaleUploadJob(uploads, cfg.TempSavePath, logger), sc.StaleUploadInterval)
	app.addScheduledJob(jobs.NewTempPurgeJob(cfg.TempSavePath, clk, logger), sc.TempPurgeInterval)

	return app
}

func (app *Application) addScheduledJob(job jobs.Job, interval time.Duration) {
	app.scheduler.AddJob(job, interval)
	app.scheduledJobs[job.Name()] = job
}

// Migrate creates the database schema
func (app *Application) Migrate(ctx context.Context) error {
	return app.store.Migrate(ctx)
}

// Serve runs the scheduler, and the metrics endpoint when enabled, until
// SIGINT, SIGTERM or Shutdown.
func (app *Application) Serve() error {
	log := app.logger.WithComponent("server")
	log.Info("backupchan server starting")

	result := config.NewStorageInitializer(app.config, app.logger).Initialize()
	for _, w := range result.Warnings {
		log.Warn(w)
	}
	if !result.Success {
		return fmt.Errorf("storage initialization failed: %s", strings.Join(result.Errors, "; "))
	}

	if err := app.Migrate(context.Background()); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	app.shutdownHandler.Start()
	defer app.shutdownHandler.Stop()

	app.scheduler.Start(app.shutdownHandler.Context())
	app.shutdownHandler.RegisterShutdownFunc(func() error {
		app.scheduler.Wait()
		log.Info("Scheduler stopped")
		return nil
	})

	if app.config.Metrics.Enabled {
		srv := metrics.NewServer(app.config.Metrics.Addr)
		go func() {
			log.WithField("addr", srv.Addr).Info("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("Metrics server failed")
				app.shutdownHandler.Shutdown()
			}
		}()
		app.shutdownHandler.RegisterShutdownFunc(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	app.shutdownHandler.WaitForShutdown()
	log.Info("backupchan server stopped")
	return nil
}

// Shutdown stops a running Serve and cancels delayed jobs
func (app *Application) Shutdown() {
	app.shutdownHandler.Shutdown()
}

// Close releases the database
func (app *Application) Close() error {
	return app.store.Close()
}

// GetLogger returns the application logger
func (app *Application) GetLogger() *logging.Logger {
	return app.logger
}

// Service returns the backup engine
func (app *Application) Service() backup.BackupService {
	return app.service
}

// Store returns the database
func (app *Application) Store() *database.Store {
	return app.store
}

// Targets

// ListTargets returns the targets matching query
func (app *Application) ListTargets(ctx context.Context, query backup.TargetQuery) ([]*backup.Target, error) {
	return app.store.SearchTargets(ctx, query)
}

// GetTarget looks a target up by id or alias
func (app *Application) GetTarget(ctx context.Context, idOrAlias string) (*backup.Target, error) {
	return app.store.GetTarget(ctx, idOrAlias)
}

// AddTarget validates and stores a new target
func (app *Application) AddTarget(ctx context.Context, fields backup.TargetFields) (string, error) {
	id, err := app.store.AddTarget(ctx, fields)
	if err != nil {
		return "", err
	}
	app.logger.WithComponent("targets").WithField("target_id", id).Infof("Created target %s", fields.Name)
	return id, nil
}

// EditTarget updates a target and relocates its backups
func (app *Application) EditTarget(ctx context.Context, idOrAlias string, fields backup.TargetFields) error {
	target, err := app.store.GetTarget(ctx, idOrAlias)
	if err != nil {
		return err
	}
	return app.service.EditTarget(ctx, target.ID, fields)
}

// DeleteTarget removes a target with all its backups
func (app *Application) DeleteTarget(ctx context.Context, idOrAlias string, deleteFiles bool) error {
	target, err := app.store.GetTarget(ctx, idOrAlias)
	if err != nil {
		return err
	}
	return app.service.DeleteTarget(ctx, target.ID, deleteFiles)
}

// DeleteTargetBackups removes every backup of a target but keeps the target
func (app *Application) DeleteTargetBackups(ctx context.Context, idOrAlias string, deleteFiles bool) error {
	target, err := app.store.GetTarget(ctx, idOrAlias)
	if err != nil {
		return err
	}
	return app.service.DeleteTargetBackups(ctx, target.ID, deleteFiles)
}

// Backups

// ListBackups returns every backup of a target, oldest first
func (app *Application) ListBackups(ctx context.Context, idOrAlias string) ([]*backup.Backup, error) {
	target, err := app.store.GetTarget(ctx, idOrAlias)
	if err != nil {
		return nil, err
	}
	return app.store.ListBackupsForTarget(ctx, target.ID)
}

// ListRecycledBackups returns the contents of the recycle bin
func (app *Application) ListRecycledBackups(ctx context.Context) ([]*backup.Backup, error) {
	return app.store.ListRecycledBackups(ctx)
}

// UploadAsync starts ingesting sourcePath in the background and returns the
// delayed job id
func (app *Application) UploadAsync(targetID string, manual bool, sourcePath string) int {
	return app.jobManager.Run(jobs.NewUploadJob(app.service, targetID, manual, sourcePath))
}

// Upload ingests sourcePath through a delayed job and waits for it
func (app *Application) Upload(ctx context.Context, targetID string, manual bool, sourcePath string) (string, error) {
	job := jobs.NewUploadJob(app.service, targetID, manual, sourcePath)
	if err := app.waitFor(ctx, app.jobManager.Run(job)); err != nil {
		return "", err
	}
	return job.BackupID(), nil
}

func (app *Application) waitFor(ctx context.Context, jobID int) error {
	info, err := app.jobManager.Wait(ctx, jobID)
	if err != nil {
		return err
	}
	if info.State == jobs.StateError {
		return app.jobManager.Err(jobID)
	}
	return nil
}

// RecycleBackup moves a backup to the recycle bin
func (app *Application) RecycleBackup(ctx context.Context, id string) error {
	return app.service.RecycleBackup(ctx, id)
}

// UnrecycleBackup restores a backup from the recycle bin
func (app *Application) UnrecycleBackup(ctx context.Context, id string) error {
	return app.service.UnrecycleBackup(ctx, id)
}

// DeleteBackup removes a backup row and, if requested, its files
func (app *Application) DeleteBackup(ctx context.Context, id string, deleteFiles bool) error {
	return app.service.DeleteBackup(ctx, id, deleteFiles)
}

// ClearRecycleBin deletes every recycled backup
func (app *Application) ClearRecycleBin(ctx context.Context, deleteFiles bool) error {
	return app.service.ClearRecycleBin(ctx, deleteFiles)
}

// ExportBackup writes the backup as a single file into destDir and returns
// its path. MULTI backups become a tar.xz archive.
func (app *Application) ExportBackup(ctx context.Context, id, destDir string) (string, error) {
	if err := os.MkdirAll(app.config.TempSavePath, 0755); err != nil {
		return "", backup.NewStorageError("failed to create temporary directory", err)
	}
	src, err := app.files.DownloadPath(ctx, id, app.config.TempSavePath)
	if err != nil {
		return "", err
	}
	generated := filepath.Dir(src) == filepath.Clean(app.config.TempSavePath)
	if generated {
		defer os.Remove(src)
	}

	dst := filepath.Join(destDir, filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", backup.NewStorageError(fmt.Sprintf("failed to export backup %s", id), err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// Stats reports counts and stored sizes
func (app *Application) Stats(ctx context.Context) (*backup.Stats, error) {
	return app.stats.Collect(ctx)
}

// TargetSize reports the stored size of one target
func (app *Application) TargetSize(ctx context.Context, idOrAlias string) (int64, error) {
	target, err := app.store.GetTarget(ctx, idOrAlias)
	if err != nil {
		return 0, err
	}
	return app.stats.TargetSize(ctx, target.ID)
}
