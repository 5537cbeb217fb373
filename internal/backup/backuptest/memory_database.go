// Package backuptest provides an in-memory backup.Database for tests.
package backuptest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"backupchan/internal/backup"
)

// MemoryDatabase is a backup.Database kept in maps. It applies the same
// target validation as the SQL store.
type MemoryDatabase struct {
	mu      sync.RWMutex
	targets map[string]*backup.Target
	backups map[string]*backup.Backup

	// Now supplies creation times for AddBackup. Defaults to time.Now.
	Now func() time.Time
}

// NewMemoryDatabase creates an empty database
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		targets: make(map[string]*backup.Target),
		backups: make(map[string]*backup.Backup),
		Now:     time.Now,
	}
}

var _ backup.Database = (*MemoryDatabase)(nil)

func (m *MemoryDatabase) findTarget(idOrAlias string) *backup.Target {
	if t, ok := m.targets[idOrAlias]; ok {
		return t
	}
	for _, t := range m.targets {
		if t.Alias != "" && t.Alias == idOrAlias {
			return t
		}
	}
	return nil
}

func (m *MemoryDatabase) GetTarget(ctx context.Context, idOrAlias string) (*backup.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t := m.findTarget(idOrAlias)
	if t == nil {
		return nil, backup.NewNotFoundError(fmt.Sprintf("target %s not found", idOrAlias), nil)
	}
	return t.Clone(), nil
}

func (m *MemoryDatabase) ListTargets(ctx context.Context) ([]*backup.Target, error) {
	return m.SearchTargets(ctx, backup.TargetQuery{})
}

func (m *MemoryDatabase) SearchTargets(ctx context.Context, query backup.TargetQuery) ([]*backup.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*backup.Target
	for _, t := range m.targets {
		if query.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryDatabase) allTargets() []*backup.Target {
	out := make([]*backup.Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out
}

func (m *MemoryDatabase) AddTarget(ctx context.Context, fields backup.TargetFields) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := backup.CheckTargetFields(fields, m.allTargets(), ""); err != nil {
		return "", err
	}
	t := &backup.Target{ID: backup.GenerateID()}
	t.Apply(fields)
	m.targets[t.ID] = t
	return t.ID, nil
}

func (m *MemoryDatabase) EditTarget(ctx context.Context, id string, fields backup.TargetFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return backup.NewNotFoundError(fmt.Sprintf("target %s not found", id), nil)
	}
	if err := backup.CheckTargetFields(fields, m.allTargets(), id); err != nil {
		return err
	}
	t.Apply(fields)
	return nil
}

func (m *MemoryDatabase) DeleteTarget(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[id]; !ok {
		return backup.NewNotFoundError(fmt.Sprintf("target %s not found", id), nil)
	}
	delete(m.targets, id)
	for bid, b := range m.backups {
		if b.TargetID == id {
			delete(m.backups, bid)
		}
	}
	return nil
}

func (m *MemoryDatabase) ValidateTargetFields(ctx context.Context, targetID string, fields backup.TargetFields) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return backup.CheckTargetFields(fields, m.allTargets(), targetID)
}

func (m *MemoryDatabase) AddBackup(ctx context.Context, targetID string, manual bool, createdAt time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[targetID]; !ok {
		return "", backup.NewNotFoundError(fmt.Sprintf("target %s not found", targetID), nil)
	}
	if createdAt.IsZero() {
		createdAt = m.Now()
	}
	b := &backup.Backup{
		ID:        backup.GenerateID(),
		TargetID:  targetID,
		CreatedAt: createdAt.UTC().Truncate(time.Second),
		Manual:    manual,
	}
	m.backups[b.ID] = b
	return b.ID, nil
}

func (m *MemoryDatabase) GetBackup(ctx context.Context, id string) (*backup.Backup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.backups[id]
	if !ok {
		return nil, backup.NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	return b.Clone(), nil
}

func (m *MemoryDatabase) listBackups(keep func(*backup.Backup) bool) []*backup.Backup {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*backup.Backup
	for _, b := range m.backups {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	backup.SortBackupsOldestFirst(out)
	return out
}

func (m *MemoryDatabase) ListBackupsForTarget(ctx context.Context, targetID string) ([]*backup.Backup, error) {
	return m.listBackups(func(b *backup.Backup) bool { return b.TargetID == targetID }), nil
}

func (m *MemoryDatabase) ListActiveBackupsForTarget(ctx context.Context, targetID string) ([]*backup.Backup, error) {
	return m.listBackups(func(b *backup.Backup) bool { return b.TargetID == targetID && !b.IsRecycled }), nil
}

func (m *MemoryDatabase) ListRecycledBackups(ctx context.Context) ([]*backup.Backup, error) {
	return m.listBackups(func(b *backup.Backup) bool { return b.IsRecycled }), nil
}

func (m *MemoryDatabase) update(id string, fn func(*backup.Backup)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.backups[id]
	if !ok {
		return backup.NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	fn(b)
	return nil
}

func (m *MemoryDatabase) DeleteBackup(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.backups[id]; !ok {
		return backup.NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	delete(m.backups, id)
	return nil
}

func (m *MemoryDatabase) SetBackupFilesize(ctx context.Context, id string, size int64) error {
	return m.update(id, func(b *backup.Backup) { b.Filesize = size })
}

func (m *MemoryDatabase) SetRecycled(ctx context.Context, id string, recycled bool) error {
	return m.update(id, func(b *backup.Backup) { b.IsRecycled = recycled })
}

func (m *MemoryDatabase) CountTargets(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.targets), nil
}

func (m *MemoryDatabase) CountBackups(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.backups), nil
}
