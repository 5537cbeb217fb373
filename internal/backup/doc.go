// Package backup implements the backup lifecycle: where a backup's bytes live
// on disk, how they move between a target's location and the shared recycle
// bin, and the compound operations that keep the database and the filesystem
// in step.
//
// Core components:
//
// - PathResolver: expands a target's name template ($I, $D) under a root
// - FileManager: ingest, delete, recycle, relocate, size and hash backups
// - Orchestrator: database + filesystem operations with compensating steps
// - StatsCollector: total sizes of targets and of the recycle bin
//
// The relational store is reached through the Database interface; the
// concrete SQL implementation lives in internal/database and an in-memory one
// for tests in internal/backup/backuptest.
//
// Example usage:
//
//	files := backup.NewFileManager(db, "/srv/Recycle-bin", logger)
//	orch := backup.NewOrchestrator(db, files, logger)
//
//	id, err := orch.UploadBackup(ctx, targetID, true, "/tmp/upload.tar.gz")
//	if err != nil {
//		return fmt.Errorf("upload failed: %w", err)
//	}
//
//	if err := orch.RecycleBackup(ctx, id); err != nil {
//		return fmt.Errorf("recycle failed: %w", err)
//	}
package backup
