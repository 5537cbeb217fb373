package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"backupchan/internal/errors"
	"backupchan/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// DatabaseService defines the connection level operations on a store
type DatabaseService interface {
	Connect(config DatabaseConfig) (*sql.DB, error)
	TestConnection(db *sql.DB) error
	Close(db *sql.DB) error
	GetVersion(driver string, db *sql.DB) (string, error)
	ExecuteSQL(db *sql.DB, statements []string) error
}

// Service implements the DatabaseService interface
type Service struct {
	connectionTimeout time.Duration
	maxRetries        int
	retryDelay        time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewService creates a new database service with default settings
func NewService() *Service {
	return NewServiceWithLogger(logging.NewDefaultLogger())
}

// NewServiceWithOptions creates a new database service with custom options
func NewServiceWithOptions(timeout time.Duration, maxRetries int, retryDelay time.Duration) *Service {
	retryConfig := errors.RetryConfig{
		MaxAttempts: maxRetries,
		BaseDelay:   retryDelay,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}

	return &Service{
		connectionTimeout: timeout,
		maxRetries:        maxRetries,
		retryDelay:        retryDelay,
		logger:            logging.NewDefaultLogger(),
		retryHandler:      errors.NewRetryHandler(retryConfig),
	}
}

// NewServiceWithLogger creates a new database service with a custom logger
func NewServiceWithLogger(logger *logging.Logger) *Service {
	return &Service{
		connectionTimeout: 30 * time.Second,
		maxRetries:        3,
		retryDelay:        2 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
	}
}

// Connect opens the configured store with retry logic
func (s *Service) Connect(config DatabaseConfig) (*sql.DB, error) {
	startTime := time.Now()
	dsn := config.DSN()

	s.logger.WithFields(map[string]interface{}{
		"driver":   config.Driver,
		"host":     config.Host,
		"database": config.Database,
		"path":     config.Path,
	}).Info("Attempting database connection")

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var connectErr error

		db, connectErr = sql.Open(config.Driver, dsn)
		if connectErr != nil {
			return errors.WrapError(connectErr, "failed to open database connection")
		}

		if config.Driver == DriverSQLite {
			// one connection so an in-memory database is shared and
			// writers never contend
			db.SetMaxOpenConns(1)
		} else {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}

		if testErr := s.TestConnection(db); testErr != nil {
			db.Close()
			return testErr
		}
		return nil
	})

	duration := time.Since(startTime)
	s.logger.LogDatabaseConnection(config.Driver, dsn, err == nil, duration, err)

	if err != nil {
		return nil, err
	}
	return db, nil
}

// TestConnection verifies that the database connection is working
func (s *Service) TestConnection(db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}

	s.logger.Debug("Database connection test successful")
	return nil
}

// Close gracefully closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		s.logger.Debug("Database connection is nil, nothing to close")
		return nil
	}

	s.logger.Debug("Closing database connection")
	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}
	return nil
}

// GetVersion retrieves the server or library version of the store
func (s *Service) GetVersion(driver string, db *sql.DB) (string, error) {
	if db == nil {
		return "", errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	query := "SELECT VERSION()"
	if driver == DriverSQLite {
		query = "SELECT sqlite_version()"
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.connectionTimeout)
	defer cancel()

	var version string
	startTime := time.Now()
	err := db.QueryRowContext(ctx, query).Scan(&version)
	s.logger.LogSQLExecution(query, time.Since(startTime), 1, err)

	if err != nil {
		return "", errors.WrapError(err, "failed to get database version")
	}
	return version, nil
}

// ExecuteSQL executes statements in one transaction. Empty statements are
// skipped.
func (s *Service) ExecuteSQL(db *sql.DB, statements []string) (err error) {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}
	if len(statements) == 0 {
		s.logger.Debug("No SQL statements to execute")
		return nil
	}

	s.logger.WithField("statement_count", len(statements)).Info("Executing SQL statements")

	tx, err := db.Begin()
	if err != nil {
		return errors.WrapError(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.logger.WithField("error", rollbackErr.Error()).Error("Failed to rollback transaction")
			}
		}
	}()

	for i, stmt := range statements {
		if stmt == "" {
			continue
		}

		startTime := time.Now()
		result, execErr := tx.Exec(stmt)

		var rowsAffected int64
		if result != nil {
			rowsAffected, _ = result.RowsAffected()
		}
		s.logger.LogSQLExecution(stmt, time.Since(startTime), rowsAffected, execErr)

		if execErr != nil {
			return errors.NewAppError(errors.ErrorTypeDatabase,
				fmt.Sprintf("failed to execute statement %d", i+1), execErr).
				WithContext("statement_index", i)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.WrapError(err, "failed to commit transaction")
	}

	s.logger.WithField("statement_count", len(statements)).Info("All SQL statements executed successfully")
	return nil
}
