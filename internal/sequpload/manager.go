// Package sequpload tracks resumable multi-file uploads. A session collects
// named files for one target until all of them arrived, after which the
// caller packs them into a single MULTI backup.
package sequpload

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"backupchan/internal/backup"
	"backupchan/internal/logging"
	"backupchan/internal/metrics"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// Timeout is the inactivity period after which a session counts as expired
const Timeout = time.Hour

// File is one expected file of a session
type File struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Uploaded bool   `json:"uploaded"`
}

// FullPath returns the slash-separated location of the file inside the session
func (f File) FullPath() string {
	dir := normalizeDir(f.Path)
	if dir == "" {
		return f.Name
	}
	return dir + "/" + f.Name
}

func (f File) key() string {
	return f.FullPath()
}

// Upload is the state of one open session. SessionID tells apart sessions
// opened one after another on the same target.
type Upload struct {
	SessionID    string    `json:"session_id"`
	TargetID     string    `json:"target_id"`
	Files        []File    `json:"files"`
	Manual       bool      `json:"manual"`
	LastActivity time.Time `json:"last_activity"`
}

// MissingFiles returns the files not uploaded yet, in list order
func (u *Upload) MissingFiles() []File {
	var missing []File
	for _, f := range u.Files {
		if !f.Uploaded {
			missing = append(missing, f)
		}
	}
	return missing
}

// AllUploaded reports whether every file has been received
func (u *Upload) AllUploaded() bool {
	return len(u.MissingFiles()) == 0
}

func (u *Upload) find(f File) int {
	k := f.key()
	for i := range u.Files {
		if u.Files[i].key() == k {
			return i
		}
	}
	return -1
}

// StagingDir is where the session's files are kept under tempDir
func (u *Upload) StagingDir(tempDir string) string {
	return SessionDir(tempDir, u.TargetID, u.SessionID)
}

func (u *Upload) clone() *Upload {
	c := *u
	c.Files = append([]File(nil), u.Files...)
	return &c
}

// Manager holds every open session, at most one per target
type Manager struct {
	mu      sync.Mutex
	uploads map[string]*Upload
	clock   clock.Clock
	timeout time.Duration
	logger  *logging.Logger
}

// NewManager creates a session manager. A nil clock means wall clock time.
func NewManager(clk clock.Clock, logger *logging.Logger) *Manager {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Manager{
		uploads: make(map[string]*Upload),
		clock:   clk,
		timeout: Timeout,
		logger:  logger,
	}
}

func (m *Manager) log(targetID string) *logrus.Entry {
	return m.logger.WithComponent("sequential_upload").WithField("target_id", targetID)
}

// CreateUpload opens a session with every file pending and returns its
// initial state
func (m *Manager) CreateUpload(targetID string, files []File, manual bool) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uploads[targetID]; ok {
		return nil, backup.NewTargetBusyError(targetID)
	}
	if err := ValidateFileList(files); err != nil {
		return nil, err
	}

	pending := make([]File, len(files))
	for i, f := range files {
		pending[i] = File{Path: normalizeDir(f.Path), Name: f.Name}
	}
	u := &Upload{
		SessionID:    uuid.NewString(),
		TargetID:     targetID,
		Files:        pending,
		Manual:       manual,
		LastActivity: m.clock.Now(),
	}
	m.uploads[targetID] = u
	metrics.OpenSequentialUploads.Set(float64(len(m.uploads)))

	m.log(targetID).WithFields(logrus.Fields{
		"session_id": u.SessionID,
		"files":      len(files),
	}).Info("Created sequential upload")
	return u.clone(), nil
}

func (m *Manager) get(targetID string) (*Upload, error) {
	u, ok := m.uploads[targetID]
	if !ok {
		return nil, backup.NewNotFoundError(fmt.Sprintf("no sequential upload for target %s", targetID), nil)
	}
	return u, nil
}

// MarkUploaded records that file arrived. A file outside the list is a
// not-found error and a repeated upload is a conflict.
func (m *Manager) MarkUploaded(targetID string, file File) error {
	return m.Claim(targetID, file, nil)
}

// Claim marks file as uploaded after place succeeds. The checks, place and
// the mark happen under the manager lock, so of two concurrent claims for
// the same file exactly one runs place; the other gets a conflict. place
// receives a copy of the session and may be nil.
func (m *Manager) Claim(targetID string, file File, place func(u *Upload) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return err
	}
	i := u.find(file)
	if i < 0 {
		return backup.NewNotFoundError(fmt.Sprintf("%s is not part of the upload", file.FullPath()), nil)
	}
	if u.Files[i].Uploaded {
		return backup.NewConflictError(fmt.Sprintf("%s was already uploaded", file.FullPath()), nil)
	}
	if place != nil {
		if err := place(u.clone()); err != nil {
			return err
		}
	}
	u.Files[i].Uploaded = true
	u.LastActivity = m.clock.Now()
	return nil
}

// IsUploaded reports whether file has been received. Files outside the
// list are reported as not uploaded.
func (m *Manager) IsUploaded(targetID string, file File) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return false, err
	}
	i := u.find(file)
	return i >= 0 && u.Files[i].Uploaded, nil
}

// Contains reports whether file is part of the session's list
func (m *Manager) Contains(targetID string, file File) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	return err == nil && u.find(file) >= 0
}

// MissingFiles lists the files still pending
func (m *Manager) MissingFiles(targetID string) ([]File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return nil, err
	}
	return u.MissingFiles(), nil
}

// AllUploaded reports whether the session can be finished
func (m *Manager) AllUploaded(targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return false, err
	}
	return u.AllUploaded(), nil
}

// Finish closes a complete session and returns its final state. Packing the
// files into a backup is up to the caller.
func (m *Manager) Finish(targetID string) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return nil, err
	}
	if missing := u.MissingFiles(); len(missing) > 0 {
		return nil, backup.NewValidationError(
			fmt.Sprintf("sequential upload is not complete, %d file(s) missing", len(missing)), nil).
			WithContext("missing", len(missing))
	}
	delete(m.uploads, targetID)
	metrics.OpenSequentialUploads.Set(float64(len(m.uploads)))

	m.log(targetID).Info("Sequential upload finished")
	return u.clone(), nil
}

// Terminate removes a session regardless of its state and returns it, or
// nil when the target had none.
func (m *Manager) Terminate(targetID string) *Upload {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[targetID]
	if !ok {
		return nil
	}
	delete(m.uploads, targetID)
	metrics.OpenSequentialUploads.Set(float64(len(m.uploads)))

	m.log(targetID).WithField("session_id", u.SessionID).Info("Deleted sequential upload")
	return u.clone()
}

// IsProcessing reports whether the target has an open session
func (m *Manager) IsProcessing(targetID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.uploads[targetID]
	return ok
}

// Get returns a copy of the session state
func (m *Manager) Get(targetID string) (*Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return nil, err
	}
	return u.clone(), nil
}

// TargetIDs lists the targets with an open session, sorted
func (m *Manager) TargetIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.uploads))
	for id := range m.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expired reports whether the session has been idle longer than Timeout
func (m *Manager) Expired(targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, err := m.get(targetID)
	if err != nil {
		return false, err
	}
	return m.expired(u), nil
}

// TerminateExpired removes every expired session and returns them sorted by
// target. A session touched concurrently is either expired and removed
// here, or kept with its new activity time.
func (m *Manager) TerminateExpired() []*Upload {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed []*Upload
	for id, u := range m.uploads {
		if !m.expired(u) {
			continue
		}
		delete(m.uploads, id)
		removed = append(removed, u.clone())
		m.log(id).WithField("session_id", u.SessionID).Info("Expired sequential upload removed")
	}
	if len(removed) > 0 {
		metrics.OpenSequentialUploads.Set(float64(len(m.uploads)))
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].TargetID < removed[j].TargetID })
	return removed
}

func (m *Manager) expired(u *Upload) bool {
	return m.clock.Now().Sub(u.LastActivity) > m.timeout
}

// ValidateFileList rejects empty lists, duplicate files and names or paths
// that could leave the session directory.
func ValidateFileList(files []File) error {
	var errs backup.FieldErrors
	if len(files) == 0 {
		errs.Add("files", "file list must not be empty", nil)
	}

	seen := make(map[string]struct{}, len(files))
	for i, f := range files {
		field := fmt.Sprintf("files[%d]", i)
		switch {
		case f.Name == "" || f.Name == "." || f.Name == "..":
			errs.Add(field, "file name is invalid", f.Name)
			continue
		case strings.ContainsAny(f.Name, `/\`):
			errs.Add(field, "file name must not contain a path separator", f.Name)
			continue
		case !validDir(f.Path):
			errs.Add(field, "file path must stay inside the upload", f.Path)
			continue
		case !backup.IsValidPath(f.FullPath(), true):
			errs.Add(field, "file path contains invalid characters", f.FullPath())
			continue
		}

		if _, dup := seen[f.key()]; dup {
			errs.Add(field, "file is listed more than once", f.FullPath())
			continue
		}
		seen[f.key()] = struct{}{}
	}

	if errs.HasErrors() {
		return backup.NewValidationError("invalid sequential upload file list", errs)
	}
	return nil
}

// normalizeDir turns "/", "" and "a/b/" alike into "", "" and "a/b"
func normalizeDir(dir string) string {
	return strings.Trim(path.Clean("/"+filepath.ToSlash(dir)), "/")
}

func validDir(dir string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(dir), "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}

// SessionDir is the staging directory of one session under tempDir. Every
// session of a target gets its own directory.
func SessionDir(tempDir, targetID, sessionID string) string {
	return filepath.Join(tempDir, "sequential", targetID, sessionID)
}

// StagingPath is where an uploaded file is kept until the session finishes
func StagingPath(sessionDir string, f File) string {
	return filepath.Join(sessionDir, filepath.FromSlash(f.FullPath()))
}
