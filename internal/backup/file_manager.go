package backup

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"backupchan/internal/logging"

	"github.com/im7mortal/kmutex"
	"golang.org/x/crypto/blake2b"
)

// FileManager owns the physical side of backups: where bytes live and how
// they move between the target root and the recycle bin. Operations on one
// target are serialized; distinct targets never share a path because name
// templates are unique.
type FileManager struct {
	db     Database
	paths  *PathResolver
	locks  *kmutex.Kmutex
	logger *logging.Logger
}

// NewFileManager creates a file manager that stores recycled backups under recycleBinRoot
func NewFileManager(db Database, recycleBinRoot string, logger *logging.Logger) *FileManager {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &FileManager{
		db:     db,
		paths:  NewPathResolver(recycleBinRoot),
		locks:  kmutex.New(),
		logger: logger,
	}
}

// Paths exposes the resolver used by this manager
func (fm *FileManager) Paths() *PathResolver {
	return fm.paths
}

func (fm *FileManager) lock(targetID string) func() {
	fm.locks.Lock(targetID)
	return func() { fm.locks.Unlock(targetID) }
}

func (fm *FileManager) lookup(ctx context.Context, backupID string) (*Backup, *Target, error) {
	b, err := fm.db.GetBackup(ctx, backupID)
	if err != nil {
		return nil, nil, err
	}
	t, err := fm.db.GetTarget(ctx, b.TargetID)
	if err != nil {
		return nil, nil, err
	}
	return b, t, nil
}

// Ingest moves an uploaded file into place for backup backupID. SINGLE
// targets keep the final suffix of sourcePath; MULTI targets require a
// supported archive and get it extracted into a directory. The source is
// consumed on success.
func (fm *FileManager) Ingest(ctx context.Context, backupID, sourcePath string) (err error) {
	b, t, err := fm.lookup(ctx, backupID)
	if err != nil {
		return err
	}
	unlock := fm.lock(t.ID)
	defer unlock()

	start := time.Now()
	dest := fm.paths.ActivePath(t, b)
	defer func() {
		fm.logger.LogFileOperation("ingest", backupID, dest, time.Since(start), err)
	}()

	if _, statErr := os.Stat(sourcePath); statErr != nil {
		return NewNotFoundOnDiskError(fmt.Sprintf("upload %s not found", sourcePath), statErr)
	}

	switch t.Type {
	case TargetTypeSingle:
		stem := dest
		dest += FinalSuffix(sourcePath)
		if pathExists(dest) {
			return NewPathConflictError(dest)
		}
		if existing, findErr := findSingleFile(stem); findErr == nil {
			return NewPathConflictError(existing)
		}
		if err := os.MkdirAll(t.Location, 0755); err != nil {
			return NewStorageError("failed to create target location", err)
		}
		return moveFile(sourcePath, dest)

	case TargetTypeMulti:
		kind, ok := DetectArchive(sourcePath)
		if !ok {
			return NewUnsupportedFormatError(filepath.Base(sourcePath))
		}
		if pathExists(dest) {
			return NewPathConflictError(dest)
		}
		if err := os.MkdirAll(dest, 0755); err != nil {
			return NewStorageError("failed to create backup directory", err)
		}
		if err := ExtractArchive(kind, sourcePath, dest); err != nil {
			os.RemoveAll(dest)
			return err
		}
		if err := os.Remove(sourcePath); err != nil {
			fm.logger.WithComponent("file_manager").WithError(err).
				Warnf("Could not remove extracted upload %s", sourcePath)
		}
		return nil
	}

	return NewBrokenPolicyError(fmt.Sprintf("target %s has unknown type %q", t.ID, t.Type))
}

// Delete removes the bytes of a backup from wherever they currently are
func (fm *FileManager) Delete(ctx context.Context, backupID string) (err error) {
	b, t, err := fm.lookup(ctx, backupID)
	if err != nil {
		return err
	}
	unlock := fm.lock(t.ID)
	defer unlock()

	start := time.Now()
	path := fm.paths.CurrentPath(t, b)
	defer func() {
		fm.logger.LogFileOperation("delete", backupID, path, time.Since(start), err)
	}()

	if t.Type == TargetTypeSingle {
		file, err := findSingleFile(path)
		if err != nil {
			return err
		}
		path = file
		if err := os.Remove(file); err != nil {
			return NewStorageError("failed to remove backup file", err)
		}
		return nil
	}

	if !pathExists(path) {
		return NewNotFoundOnDiskError(fmt.Sprintf("backup directory %s not found", path), nil)
	}
	if err := os.RemoveAll(path); err != nil {
		return NewStorageError("failed to remove backup directory", err)
	}
	return nil
}

// Recycle moves an active backup into the recycle bin. Call it before
// flipping the stored flag; the source is resolved from the current state.
func (fm *FileManager) Recycle(ctx context.Context, backupID string) error {
	return fm.moveBetweenRoots(ctx, backupID, true)
}

// Unrecycle moves a recycled backup back to its target location
func (fm *FileManager) Unrecycle(ctx context.Context, backupID string) error {
	return fm.moveBetweenRoots(ctx, backupID, false)
}

func (fm *FileManager) moveBetweenRoots(ctx context.Context, backupID string, toRecycleBin bool) (err error) {
	b, t, err := fm.lookup(ctx, backupID)
	if err != nil {
		return err
	}
	if b.IsRecycled == toRecycleBin {
		if toRecycleBin {
			return NewValidationError(fmt.Sprintf("backup %s is already recycled", backupID), nil)
		}
		return NewValidationError(fmt.Sprintf("backup %s is not recycled", backupID), nil)
	}

	unlock := fm.lock(t.ID)
	defer unlock()

	operation := "unrecycle"
	src, dst := fm.paths.RecycledPath(t, b), fm.paths.ActivePath(t, b)
	if toRecycleBin {
		operation = "recycle"
		src, dst = dst, src
	}

	start := time.Now()
	defer func() {
		fm.logger.LogFileOperation(operation, backupID, dst, time.Since(start), err)
	}()

	return moveBackup(t.Type, src, dst)
}

// RelocateOnEdit moves every backup of target after its template or
// location changed. The new values are validated before anything moves;
// recycled backups stay in the recycle bin and only follow the template.
// A failure part way leaves already moved backups at their new path.
func (fm *FileManager) RelocateOnEdit(ctx context.Context, target *Target, oldTemplate, oldLocation, newTemplate, newLocation string) error {
	fields := target.Fields()
	fields.NameTemplate = newTemplate
	fields.Location = newLocation
	if err := fm.db.ValidateTargetFields(ctx, target.ID, fields); err != nil {
		return err
	}

	unlock := fm.lock(target.ID)
	defer unlock()

	backups, err := fm.db.ListBackupsForTarget(ctx, target.ID)
	if err != nil {
		return err
	}

	log := fm.logger.WithComponent("file_manager").WithField("target_id", target.ID)
	moved := 0
	for _, b := range backups {
		var src, dst string
		if b.IsRecycled {
			src = fm.paths.PathFor(fm.paths.RecycleBinRoot(), oldTemplate, b)
			dst = fm.paths.PathFor(fm.paths.RecycleBinRoot(), newTemplate, b)
		} else {
			src = fm.paths.PathFor(oldLocation, oldTemplate, b)
			dst = fm.paths.PathFor(newLocation, newTemplate, b)
		}
		if src == dst {
			continue
		}

		start := time.Now()
		err := moveBackup(target.Type, src, dst)
		fm.logger.LogFileOperation("relocate", b.ID, dst, time.Since(start), err)
		if err != nil {
			log.WithField("moved", moved).Error("Relocation stopped part way")
			var be *BackupError
			if errors.As(err, &be) {
				be.WithContext("moved", moved)
			}
			return err
		}
		moved++
	}

	log.WithField("moved", moved).Info("Relocated backups")
	return nil
}

// SizeOf returns the on-disk size of a backup; for MULTI targets the sum of
// every regular file below the backup directory.
func (fm *FileManager) SizeOf(ctx context.Context, backupID string) (int64, error) {
	b, t, err := fm.lookup(ctx, backupID)
	if err != nil {
		return 0, err
	}
	unlock := fm.lock(t.ID)
	defer unlock()

	path := fm.paths.CurrentPath(t, b)
	if t.Type == TargetTypeSingle {
		file, err := findSingleFile(path)
		if err != nil {
			return 0, err
		}
		info, err := os.Stat(file)
		if err != nil {
			return 0, NewStorageError("failed to stat backup file", err)
		}
		return info.Size(), nil
	}

	if !pathExists(path) {
		return 0, NewNotFoundOnDiskError(fmt.Sprintf("backup directory %s not found", path), nil)
	}
	return DirSize(path)
}

// HashOf returns a BLAKE2b-256 digest of the backup content. MULTI backups
// are hashed as a stream of (relative path, size, bytes) records in path
// order, so identical trees hash identically regardless of mtimes.
func (fm *FileManager) HashOf(ctx context.Context, backupID string) ([]byte, error) {
	b, t, err := fm.lookup(ctx, backupID)
	if err != nil {
		return nil, err
	}
	unlock := fm.lock(t.ID)
	defer unlock()

	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, NewStorageError("failed to initialise hash", err)
	}

	path := fm.paths.CurrentPath(t, b)
	if t.Type == TargetTypeSingle {
		file, err := findSingleFile(path)
		if err != nil {
			return nil, err
		}
		if err := hashFile(h, file); err != nil {
			return nil, err
		}
		return h.Sum(nil), nil
	}

	if !pathExists(path) {
		return nil, NewNotFoundOnDiskError(fmt.Sprintf("backup directory %s not found", path), nil)
	}
	if err := hashTree(h, path); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// DownloadPath returns a single file that holds the whole backup. MULTI
// backups are packed into <tempDir>/<target name>_<backup id>.tar.xz.
func (fm *FileManager) DownloadPath(ctx context.Context, backupID, tempDir string) (string, error) {
	b, t, err := fm.lookup(ctx, backupID)
	if err != nil {
		return "", err
	}
	unlock := fm.lock(t.ID)
	defer unlock()

	path := fm.paths.CurrentPath(t, b)
	if t.Type == TargetTypeSingle {
		return findSingleFile(path)
	}

	if !pathExists(path) {
		return "", NewNotFoundOnDiskError(fmt.Sprintf("backup directory %s not found", path), nil)
	}
	name := strings.NewReplacer("/", "_", `\`, "_").Replace(t.Name)
	out := filepath.Join(tempDir, fmt.Sprintf("%s_%s.tar.xz", name, b.ID))
	if err := PackTarXz(path, out); err != nil {
		return "", err
	}
	return out, nil
}

// DirSize sums the sizes of all regular files below root
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, NewStorageError(fmt.Sprintf("failed to walk %s", root), err)
	}
	return total, nil
}

// findSingleFile locates the on-disk file of a SINGLE backup. The stored
// metadata has no extension, so any regular file in the same directory whose
// name minus its final suffix equals the stem is a match.
func findSingleFile(stemPath string) (string, error) {
	dir, stem := filepath.Split(stemPath)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", NewNotFoundOnDiskError(fmt.Sprintf("no file for %s", stemPath), err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if name == stem || strings.TrimSuffix(name, FinalSuffix(name)) == stem {
			return filepath.Join(dir, name), nil
		}
	}
	return "", NewNotFoundOnDiskError(fmt.Sprintf("no file for %s", stemPath), nil)
}

// moveBackup moves a backup between two resolved stems
func moveBackup(targetType TargetType, src, dst string) error {
	if targetType == TargetTypeSingle {
		file, err := findSingleFile(src)
		if err != nil {
			return err
		}
		dst += strings.TrimPrefix(filepath.Base(file), filepath.Base(src))
		if pathExists(dst) {
			return NewPathConflictError(dst)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return NewStorageError("failed to create destination directory", err)
		}
		return moveFile(file, dst)
	}

	if !pathExists(src) {
		return NewNotFoundOnDiskError(fmt.Sprintf("backup directory %s not found", src), nil)
	}
	if pathExists(dst) {
		return NewPathConflictError(dst)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return NewStorageError("failed to create destination directory", err)
	}
	return moveTree(src, dst)
}

// moveFile renames src to dst, copying across filesystems when needed
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return NewStorageError(fmt.Sprintf("failed to move %s", src), err)
	}
	if err := copyFile(src, dst); err != nil {
		os.Remove(dst)
		return err
	}
	if err := os.Remove(src); err != nil {
		return NewStorageError(fmt.Sprintf("failed to remove %s after copy", src), err)
	}
	return nil
}

func moveTree(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return NewStorageError(fmt.Sprintf("failed to move %s", src), err)
	}
	if err := os.CopyFS(dst, os.DirFS(src)); err != nil {
		os.RemoveAll(dst)
		return NewStorageError(fmt.Sprintf("failed to copy %s", src), err)
	}
	if err := os.RemoveAll(src); err != nil {
		return NewStorageError(fmt.Sprintf("failed to remove %s after copy", src), err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open %s", src), err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to stat %s", src), err)
	}
	return writeFile(dst, in, info.Mode().Perm())
}

func hashFile(h hash.Hash, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return NewStorageError(fmt.Sprintf("failed to read %s", path), err)
	}
	return nil
}

func hashTree(h hash.Hash, root string) error {
	type entry struct {
		rel  string
		path string
		size int64
	}
	var files []entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, entry{rel: filepath.ToSlash(rel), path: path, size: info.Size()})
		return nil
	})
	if err != nil {
		return NewStorageError(fmt.Sprintf("failed to walk %s", root), err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	for _, f := range files {
		io.WriteString(h, f.rel)
		h.Write([]byte{0})
		io.WriteString(h, strconv.FormatInt(f.size, 10))
		h.Write([]byte{0})
		if err := hashFile(h, f.path); err != nil {
			return err
		}
	}
	return nil
}

func pathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
