package application

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"backupchan/internal/backup"
	"backupchan/internal/jobs"
	"backupchan/internal/sequpload"
)

// BeginSequentialUpload opens a session for files on the target and
// returns the resolved target id
func (app *Application) BeginSequentialUpload(ctx context.Context, idOrAlias string, files []sequpload.File, manual bool) (string, error) {
	target, err := app.store.GetTarget(ctx, idOrAlias)
	if err != nil {
		return "", err
	}
	upload, err := app.uploads.CreateUpload(target.ID, files, manual)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(upload.StagingDir(app.config.TempSavePath), 0755); err != nil {
		app.uploads.Terminate(target.ID)
		return "", backup.NewStorageError("failed to create staging directory", err)
	}
	return target.ID, nil
}

// UploadSequentialFile stages one file of an open session. The content is
// written to a temporary file first and moved into the session only when
// the file is claimed, so a rejected upload never touches staged data.
func (app *Application) UploadSequentialFile(targetID string, file sequpload.File, r io.Reader) error {
	session, err := app.uploads.Get(targetID)
	if err != nil {
		return err
	}
	if !app.uploads.Contains(targetID, file) {
		return backup.NewNotFoundError("file "+file.FullPath()+" is not part of the upload", nil)
	}
	if uploaded, err := app.uploads.IsUploaded(targetID, file); err != nil {
		return err
	} else if uploaded {
		return backup.NewConflictError("file "+file.FullPath()+" was already uploaded", nil)
	}

	tmp, err := os.CreateTemp(app.config.TempSavePath, "seq-upload-*")
	if err != nil {
		return backup.NewStorageError("failed to stage "+file.FullPath(), err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return backup.NewStorageError("failed to stage "+file.FullPath(), err)
	}
	if err := tmp.Close(); err != nil {
		return backup.NewStorageError("failed to stage "+file.FullPath(), err)
	}

	return app.uploads.Claim(targetID, file, func(current *sequpload.Upload) error {
		if current.SessionID != session.SessionID {
			return backup.NewNotFoundError("sequential upload for target "+targetID+" was replaced", nil)
		}
		dst := sequpload.StagingPath(current.StagingDir(app.config.TempSavePath), file)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return backup.NewStorageError("failed to create staging directory", err)
		}
		if err := os.Rename(tmpPath, dst); err != nil {
			return backup.NewStorageError("failed to stage "+file.FullPath(), err)
		}
		return nil
	})
}

// FinishSequentialUpload closes a complete session and starts the job that
// packs and ingests it
func (app *Application) FinishSequentialUpload(targetID string) (int, *jobs.SequentialFinishJob, error) {
	upload, err := app.uploads.Finish(targetID)
	if err != nil {
		return 0, nil, err
	}
	job := jobs.NewSequentialFinishJob(app.service, upload, app.config.TempSavePath)
	return app.jobManager.Run(job), job, nil
}

// TerminateSequentialUpload drops a session and its staged files
func (app *Application) TerminateSequentialUpload(targetID string) bool {
	upload := app.uploads.Terminate(targetID)
	if upload == nil {
		return false
	}
	os.RemoveAll(upload.StagingDir(app.config.TempSavePath))
	return true
}

// SequentialUpload returns the state of the target's open session
func (app *Application) SequentialUpload(targetID string) (*sequpload.Upload, error) {
	return app.uploads.Get(targetID)
}

// UploadDirectory sends every regular file below dir through a sequential
// upload and waits for the resulting backup
func (app *Application) UploadDirectory(ctx context.Context, idOrAlias, dir string, manual bool) (string, error) {
	var files []sequpload.File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, filepath.Dir(path))
		if err != nil {
			return err
		}
		relDir := filepath.ToSlash(rel)
		if relDir == "." {
			relDir = ""
		}
		files = append(files, sequpload.File{Path: relDir, Name: d.Name()})
		return nil
	})
	if err != nil {
		return "", backup.NewStorageError("failed to list "+dir, err)
	}
	if len(files) == 0 {
		return "", backup.NewValidationError("directory "+dir+" contains no files", nil)
	}

	targetID, err := app.BeginSequentialUpload(ctx, idOrAlias, files, manual)
	if err != nil {
		return "", err
	}

	for _, f := range files {
		src := filepath.Join(dir, filepath.FromSlash(strings.TrimPrefix(f.FullPath(), "/")))
		if err := app.stageFrom(targetID, f, src); err != nil {
			app.TerminateSequentialUpload(targetID)
			return "", err
		}
	}

	jobID, job, err := app.FinishSequentialUpload(targetID)
	if err != nil {
		app.TerminateSequentialUpload(targetID)
		return "", err
	}
	if err := app.waitFor(ctx, jobID); err != nil {
		return "", err
	}
	return job.BackupID(), nil
}

func (app *Application) stageFrom(targetID string, f sequpload.File, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return backup.NewStorageError("failed to open "+src, err)
	}
	defer in.Close()
	return app.UploadSequentialFile(targetID, f, in)
}

// Jobs

// ScheduledJobs lists the periodic jobs with their next run
func (app *Application) ScheduledJobs() []jobs.JobInfo {
	return app.scheduler.Jobs()
}

// ForceRunJob makes a running server execute a scheduled job on its next tick
func (app *Application) ForceRunJob(name string) bool {
	return app.scheduler.ForceRunJob(name)
}

// RunJob executes a scheduled job once in the calling goroutine
func (app *Application) RunJob(ctx context.Context, name string) error {
	job, ok := app.scheduledJobs[name]
	if !ok {
		return backup.NewNotFoundError("unknown job "+name, nil)
	}
	return job.Run(ctx)
}

// DelayedJobs lists uploads and other background jobs of this process
func (app *Application) DelayedJobs() []jobs.DelayedJobInfo {
	return app.jobManager.Jobs()
}
