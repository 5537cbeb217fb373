package database

import (
	"context"
	"fmt"
)

// dialect holds the statements that differ between drivers
type dialect struct {
	name         string
	schema       []string
	insertIgnore string
}

var mysqlDialect = dialect{
	name: DriverMySQL,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			target_type VARCHAR(16) NOT NULL,
			recycle_criteria VARCHAR(16) NOT NULL,
			recycle_value INT NOT NULL DEFAULT 0,
			recycle_action VARCHAR(16) NOT NULL,
			location TEXT NOT NULL,
			name_template VARCHAR(255) NOT NULL UNIQUE,
			deduplicate BOOLEAN NOT NULL DEFAULT FALSE,
			alias VARCHAR(255) NULL UNIQUE,
			min_backups INT NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS backups (
			id VARCHAR(36) NOT NULL PRIMARY KEY,
			target_id VARCHAR(36) NOT NULL,
			created_at DATETIME NOT NULL,
			manual BOOLEAN NOT NULL DEFAULT FALSE,
			is_recycled BOOLEAN NOT NULL DEFAULT FALSE,
			filesize BIGINT NOT NULL DEFAULT 0,
			INDEX idx_backups_target (target_id, created_at),
			CONSTRAINT fk_backups_target FOREIGN KEY (target_id) REFERENCES targets(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INT NOT NULL AUTO_INCREMENT PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS target_tags (
			target_id VARCHAR(36) NOT NULL,
			tag_id INT NOT NULL,
			PRIMARY KEY (target_id, tag_id),
			CONSTRAINT fk_target_tags_target FOREIGN KEY (target_id) REFERENCES targets(id) ON DELETE CASCADE,
			CONSTRAINT fk_target_tags_tag FOREIGN KEY (tag_id) REFERENCES tags(id) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	},
	insertIgnore: "INSERT IGNORE",
}

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS targets (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			target_type TEXT NOT NULL,
			recycle_criteria TEXT NOT NULL,
			recycle_value INTEGER NOT NULL DEFAULT 0,
			recycle_action TEXT NOT NULL,
			location TEXT NOT NULL,
			name_template TEXT NOT NULL UNIQUE,
			deduplicate INTEGER NOT NULL DEFAULT 0,
			alias TEXT NULL UNIQUE,
			min_backups INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS backups (
			id TEXT NOT NULL PRIMARY KEY,
			target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			created_at TEXT NOT NULL,
			manual INTEGER NOT NULL DEFAULT 0,
			is_recycled INTEGER NOT NULL DEFAULT 0,
			filesize INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_target ON backups (target_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS target_tags (
			target_id TEXT NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
			tag_id INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
			PRIMARY KEY (target_id, tag_id)
		)`,
	},
	insertIgnore: "INSERT OR IGNORE",
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverMySQL:
		return mysqlDialect, nil
	case DriverSQLite:
		return sqliteDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported driver %q", driver)
	}
}

// SchemaStatements returns the DDL that creates the store's tables
func SchemaStatements(driver string) ([]string, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.schema...), nil
}

// Migrate creates any missing tables
func (s *Store) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.WithComponent("store").WithField("driver", s.dialect.name).Info("Applying schema")
	return s.service.ExecuteSQL(s.db, s.dialect.schema)
}
