package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"backupchan/internal/backup"
	apperrors "backupchan/internal/errors"
	"backupchan/internal/logging"

	"github.com/sirupsen/logrus"
)

// TimeLayout is how backup creation times are written to the store
const TimeLayout = "2006-01-02 15:04:05"

const targetColumns = "id, name, target_type, recycle_criteria, recycle_value, recycle_action, " +
	"location, name_template, deduplicate, alias, min_backups"

const backupColumns = "id, target_id, created_at, manual, is_recycled, filesize"

// Store is the SQL implementation of backup.Database
type Store struct {
	db         *sql.DB
	dialect    dialect
	service    *Service
	classifier *apperrors.ErrorClassifier
	logger     *logging.Logger

	// now supplies creation times for AddBackup
	now func() time.Time
}

var _ backup.Database = (*Store)(nil)

// NewStore wraps an open connection. driver selects the SQL dialect.
func NewStore(db *sql.DB, driver string, logger *logging.Logger) (*Store, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Store{
		db:         db,
		dialect:    d,
		service:    NewServiceWithLogger(logger),
		classifier: apperrors.NewErrorClassifier(),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Open connects to the configured store
func Open(config DatabaseConfig, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrorTypeValidation, err.Error(), err)
	}

	service := NewServiceWithLogger(logger)
	db, err := service.Connect(config)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(db, config.Driver, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	store.service = service
	return store, nil
}

// Close closes the underlying connection
func (s *Store) Close() error {
	return s.service.Close(s.db)
}

// Driver returns the name of the SQL dialect in use
func (s *Store) Driver() string {
	return s.dialect.name
}

// Version returns the server or library version of the store
func (s *Store) Version() (string, error) {
	return s.service.GetVersion(s.dialect.name, s.db)
}

func (s *Store) log() *logrus.Entry {
	return s.logger.WithComponent("store")
}

// wrap turns a driver error into a BackupError. Constraint violations
// become validation errors.
func (s *Store) wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var backupErr *backup.BackupError
	if errors.As(err, &backupErr) {
		return err
	}

	appErr := s.classifier.ClassifyError(err)
	if appErr.Type == apperrors.ErrorTypeValidation {
		return backup.NewValidationError(message+": "+appErr.Message, err)
	}
	s.log().WithError(err).WithField("error_type", appErr.Type).Error(message)
	return backup.NewDatabaseError(message, appErr)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTarget(row rowScanner) (*backup.Target, error) {
	var (
		t                            backup.Target
		targetType, criteria, action string
		alias                        sql.NullString
		recycleValue, minBackups     int
		deduplicate                  bool
	)
	if err := row.Scan(&t.ID, &t.Name, &targetType, &criteria, &recycleValue, &action,
		&t.Location, &t.NameTemplate, &deduplicate, &alias, &minBackups); err != nil {
		return nil, err
	}

	var err error
	if t.Type, err = backup.ParseTargetType(targetType); err != nil {
		return nil, err
	}
	if t.RecycleCriteria, err = backup.ParseRecycleCriteria(criteria); err != nil {
		return nil, err
	}
	if t.RecycleAction, err = backup.ParseRecycleAction(action); err != nil {
		return nil, err
	}
	t.RecycleValue = recycleValue
	t.MinBackups = minBackups
	t.Deduplicate = deduplicate
	t.Alias = alias.String
	return &t, nil
}

func scanBackup(row rowScanner) (*backup.Backup, error) {
	var (
		b         backup.Backup
		createdAt dbTime
	)
	if err := row.Scan(&b.ID, &b.TargetID, &createdAt, &b.Manual, &b.IsRecycled, &b.Filesize); err != nil {
		return nil, err
	}
	b.CreatedAt = createdAt.Time
	return &b, nil
}

// GetTarget looks a target up by id or alias
func (s *Store) GetTarget(ctx context.Context, idOrAlias string) (*backup.Target, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+targetColumns+" FROM targets WHERE id = ? OR alias = ? LIMIT 1", idOrAlias, idOrAlias)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.NewNotFoundError(fmt.Sprintf("target %s not found", idOrAlias), nil)
	}
	if err != nil {
		return nil, s.wrap(err, "failed to load target")
	}

	tags, err := s.loadTags(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	t.Tags = tags[t.ID]
	return t, nil
}

// ListTargets returns every target ordered by name
func (s *Store) ListTargets(ctx context.Context) ([]*backup.Target, error) {
	return s.SearchTargets(ctx, backup.TargetQuery{})
}

// SearchTargets returns the targets matching every set filter of query.
// Text filters match substrings.
func (s *Store) SearchTargets(ctx context.Context, query backup.TargetQuery) ([]*backup.Target, error) {
	var (
		where []string
		args  []any
	)
	like := func(column, value string) {
		if value != "" {
			where = append(where, column+" LIKE ?")
			args = append(args, "%"+value+"%")
		}
	}
	equal := func(column, value string) {
		if value != "" {
			where = append(where, column+" = ?")
			args = append(args, value)
		}
	}

	like("name", query.Name)
	equal("target_type", string(query.Type))
	equal("recycle_criteria", string(query.RecycleCriteria))
	equal("recycle_action", string(query.RecycleAction))
	like("location", query.Location)
	like("name_template", query.NameTemplate)
	like("alias", query.Alias)
	if query.Deduplicate != nil {
		where = append(where, "deduplicate = ?")
		args = append(args, *query.Deduplicate)
	}
	if tags := backup.NormalizeTags(query.Tags); len(tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tags)), ", ")
		where = append(where, "id IN (SELECT tt.target_id FROM target_tags tt JOIN tags g ON g.id = tt.tag_id "+
			"WHERE g.name IN ("+placeholders+") GROUP BY tt.target_id HAVING COUNT(DISTINCT g.name) = ?)")
		for _, tag := range tags {
			args = append(args, tag)
		}
		args = append(args, len(tags))
	}

	q := "SELECT " + targetColumns + " FROM targets"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "failed to list targets")
	}
	defer rows.Close()

	var targets []*backup.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, s.wrap(err, "failed to read target")
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "failed to list targets")
	}
	if len(targets) == 0 {
		return targets, nil
	}

	tags, err := s.loadTags(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		t.Tags = tags[t.ID]
	}
	return targets, nil
}

// loadTags maps target id to sorted tag names. An empty targetID loads the
// tags of every target.
func (s *Store) loadTags(ctx context.Context, targetID string) (map[string][]string, error) {
	q := "SELECT tt.target_id, g.name FROM target_tags tt JOIN tags g ON g.id = tt.tag_id"
	var args []any
	if targetID != "" {
		q += " WHERE tt.target_id = ?"
		args = append(args, targetID)
	}
	q += " ORDER BY g.name"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, s.wrap(err, "failed to load tags")
	}
	defer rows.Close()

	tags := make(map[string][]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, s.wrap(err, "failed to read tag")
		}
		tags[id] = append(tags[id], name)
	}
	return tags, s.wrap(rows.Err(), "failed to load tags")
}

// ValidateTargetFields checks fields against the naming rules and the
// uniqueness of template and alias among the other targets
func (s *Store) ValidateTargetFields(ctx context.Context, targetID string, fields backup.TargetFields) error {
	existing, err := s.ListTargets(ctx)
	if err != nil {
		return err
	}
	return backup.CheckTargetFields(fields, existing, targetID)
}

// AddTarget validates and stores a new target
func (s *Store) AddTarget(ctx context.Context, fields backup.TargetFields) (string, error) {
	if err := s.ValidateTargetFields(ctx, "", fields); err != nil {
		return "", err
	}

	id := backup.GenerateID()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO targets ("+targetColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			id, fields.Name, string(fields.Type), string(fields.RecycleCriteria), fields.RecycleValue,
			string(fields.RecycleAction), fields.Location, fields.NameTemplate, fields.Deduplicate,
			nullString(fields.Alias), fields.MinBackups)
		if err != nil {
			return err
		}
		return s.replaceTags(ctx, tx, id, fields.Tags)
	})
	if err != nil {
		return "", s.wrap(err, "failed to add target")
	}

	s.log().WithField("target_id", id).WithField("name", fields.Name).Info("Added target")
	return id, nil
}

// EditTarget validates and stores new fields for an existing target
func (s *Store) EditTarget(ctx context.Context, id string, fields backup.TargetFields) error {
	if _, err := s.GetTarget(ctx, id); err != nil {
		return err
	}
	if err := s.ValidateTargetFields(ctx, id, fields); err != nil {
		return err
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE targets SET name = ?, target_type = ?, recycle_criteria = ?, recycle_value = ?, "+
				"recycle_action = ?, location = ?, name_template = ?, deduplicate = ?, alias = ?, min_backups = ? "+
				"WHERE id = ?",
			fields.Name, string(fields.Type), string(fields.RecycleCriteria), fields.RecycleValue,
			string(fields.RecycleAction), fields.Location, fields.NameTemplate, fields.Deduplicate,
			nullString(fields.Alias), fields.MinBackups, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM target_tags WHERE target_id = ?", id); err != nil {
			return err
		}
		return s.replaceTags(ctx, tx, id, fields.Tags)
	})
	return s.wrap(err, "failed to edit target")
}

func (s *Store) replaceTags(ctx context.Context, tx *sql.Tx, targetID string, tags []string) error {
	for _, tag := range backup.NormalizeTags(tags) {
		if _, err := tx.ExecContext(ctx, s.dialect.insertIgnore+" INTO tags (name) VALUES (?)", tag); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO target_tags (target_id, tag_id) SELECT ?, id FROM tags WHERE name = ?",
			targetID, tag); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTarget removes a target together with its backup rows
func (s *Store) DeleteTarget(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "DELETE FROM targets WHERE id = ?", id, "target")
}

// AddBackup inserts a backup row. A zero createdAt means now.
func (s *Store) AddBackup(ctx context.Context, targetID string, manual bool, createdAt time.Time) (string, error) {
	if _, err := s.GetTarget(ctx, targetID); err != nil {
		return "", err
	}
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	id := backup.GenerateID()
	_, err := s.exec(ctx,
		"INSERT INTO backups ("+backupColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		id, targetID, formatTime(createdAt), manual, false, int64(0))
	if err != nil {
		return "", s.wrap(err, "failed to add backup")
	}
	return id, nil
}

// GetBackup loads one backup
func (s *Store) GetBackup(ctx context.Context, id string) (*backup.Backup, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+backupColumns+" FROM backups WHERE id = ?", id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, backup.NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	if err != nil {
		return nil, s.wrap(err, "failed to load backup")
	}
	return b, nil
}

func (s *Store) listBackups(ctx context.Context, where string, args ...any) ([]*backup.Backup, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+backupColumns+" FROM backups WHERE "+where+" ORDER BY created_at, id", args...)
	if err != nil {
		return nil, s.wrap(err, "failed to list backups")
	}
	defer rows.Close()

	var backups []*backup.Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, s.wrap(err, "failed to read backup")
		}
		backups = append(backups, b)
	}
	return backups, s.wrap(rows.Err(), "failed to list backups")
}

// ListBackupsForTarget returns every backup of a target, oldest first
func (s *Store) ListBackupsForTarget(ctx context.Context, targetID string) ([]*backup.Backup, error) {
	return s.listBackups(ctx, "target_id = ?", targetID)
}

// ListActiveBackupsForTarget returns the non-recycled backups of a target, oldest first
func (s *Store) ListActiveBackupsForTarget(ctx context.Context, targetID string) ([]*backup.Backup, error) {
	return s.listBackups(ctx, "target_id = ? AND is_recycled = ?", targetID, false)
}

// ListRecycledBackups returns every recycled backup, oldest first
func (s *Store) ListRecycledBackups(ctx context.Context) ([]*backup.Backup, error) {
	return s.listBackups(ctx, "is_recycled = ?", true)
}

// DeleteBackup removes a backup row
func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	return s.deleteRow(ctx, "DELETE FROM backups WHERE id = ?", id, "backup")
}

// SetBackupFilesize stores the cached size of a backup
func (s *Store) SetBackupFilesize(ctx context.Context, id string, size int64) error {
	return s.updateBackup(ctx, "UPDATE backups SET filesize = ? WHERE id = ?", size, id)
}

// SetRecycled stores the recycled flag of a backup
func (s *Store) SetRecycled(ctx context.Context, id string, recycled bool) error {
	return s.updateBackup(ctx, "UPDATE backups SET is_recycled = ? WHERE id = ?", recycled, id)
}

func (s *Store) updateBackup(ctx context.Context, query string, value any, id string) error {
	affected, err := s.exec(ctx, query, value, id)
	if err != nil {
		return s.wrap(err, "failed to update backup")
	}
	if affected == 0 {
		return backup.NewNotFoundError(fmt.Sprintf("backup %s not found", id), nil)
	}
	return nil
}

func (s *Store) deleteRow(ctx context.Context, query, id, kind string) error {
	affected, err := s.exec(ctx, query, id)
	if err != nil {
		return s.wrap(err, "failed to delete "+kind)
	}
	if affected == 0 {
		return backup.NewNotFoundError(fmt.Sprintf("%s %s not found", kind, id), nil)
	}
	return nil
}

// CountTargets returns the number of targets
func (s *Store) CountTargets(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM targets")
}

// CountBackups returns the number of backups
func (s *Store) CountBackups(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM backups")
}

func (s *Store) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, s.wrap(err, "failed to count rows")
	}
	return n, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (int64, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, query, args...)

	var affected int64
	if err == nil {
		affected, err = result.RowsAffected()
	}
	s.logger.LogSQLExecution(query, time.Since(start), affected, err)
	return affected, err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.log().WithError(rollbackErr).Error("Failed to rollback transaction")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// dbTime scans the timestamp representations of both drivers: time.Time
// from MySQL with parseTime, text from SQLite.
type dbTime struct {
	time.Time
}

// Scan implements sql.Scanner
func (t *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	case nil:
		t.Time = time.Time{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", value)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}
