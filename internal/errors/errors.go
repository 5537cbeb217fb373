package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeDatabase represents SQL execution errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeFilesystem represents local filesystem failures
	ErrorTypeFilesystem ErrorType = "filesystem"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	err := NewAppError(errorType, message, cause)
	err.Recoverable = true
	return err
}

// ErrorClassifier maps driver, network, context and filesystem errors onto AppError
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if dbErr := ec.classifyDatabaseError(err); dbErr != nil {
		return dbErr
	}
	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}
	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}
	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyDatabaseError classifies MySQL server errors and database/sql sentinels
func (ec *ErrorClassifier) classifyDatabaseError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		var classified *AppError
		switch mysqlErr.Number {
		case 1044, 1045:
			classified = NewAppError(ErrorTypePermission,
				"Database access denied - check username and password", err)
		case 1049:
			classified = NewAppError(ErrorTypeValidation,
				"Database does not exist - run the migrate command first", err)
		case 1146:
			classified = NewAppError(ErrorTypeDatabase,
				"Table does not exist - run the migrate command first", err)
		case 1062:
			classified = NewAppError(ErrorTypeValidation,
				"Duplicate entry - a record with this value already exists", err)
		case 1451, 1452:
			classified = NewAppError(ErrorTypeValidation,
				"Referenced record does not exist or is still in use", err)
		case 1205, 1213:
			classified = NewRecoverableError(ErrorTypeDatabase,
				"Lock wait timeout or deadlock - retrying", err)
		case 2003, 2006, 2013:
			classified = NewRecoverableError(ErrorTypeConnection,
				"Lost connection to the database server", err)
		default:
			classified = NewAppError(ErrorTypeDatabase,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err)
		}
		return classified.WithContext("mysql_error_code", mysqlErr.Number)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		var classified *AppError
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			classified = NewAppError(ErrorTypeValidation,
				"Duplicate entry - a record with this value already exists", err)
		case sqlite3.SQLITE_CONSTRAINT:
			classified = NewAppError(ErrorTypeValidation, "Constraint violation", err)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			classified = NewAppError(ErrorTypeValidation,
				"Referenced record does not exist or is still in use", err)
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			classified = NewRecoverableError(ErrorTypeDatabase,
				"Database is locked - retrying", err)
		default:
			classified = NewAppError(ErrorTypeDatabase,
				fmt.Sprintf("SQLite error: %s", sqliteErr.Error()), err)
		}
		return classified.WithContext("sqlite_error_code", sqliteErr.Code())
	}

	switch {
	case errors.Is(err, mysql.ErrInvalidConn):
		return NewRecoverableError(ErrorTypeConnection, "Invalid database connection", err)
	case errors.Is(err, sql.ErrNoRows):
		return NewAppError(ErrorTypeValidation, "No rows found", err)
	case errors.Is(err, sql.ErrTxDone):
		return NewAppError(ErrorTypeDatabase, "Transaction has already been committed or rolled back", err)
	case errors.Is(err, sql.ErrConnDone):
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}

	return nil
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
		}
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection, "Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeConnection, "Network I/O error", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout, "Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Operation was canceled", err)
	}
	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	var linkErr *os.LinkError
	path := ""
	switch {
	case errors.As(err, &pathErr):
		path = pathErr.Path
	case errors.As(err, &linkErr):
		path = linkErr.Old
	default:
		return nil
	}

	switch {
	case errors.Is(err, syscall.ENOENT):
		return NewAppError(ErrorTypeFilesystem, fmt.Sprintf("File or directory not found: %s", path), err)
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return NewAppError(ErrorTypePermission, fmt.Sprintf("Permission denied: %s", path), err)
	case errors.Is(err, syscall.ENOSPC):
		return NewAppError(ErrorTypeFilesystem, "No space left on device", err)
	case errors.Is(err, syscall.EEXIST):
		return NewAppError(ErrorTypeFilesystem, fmt.Sprintf("Path already exists: %s", path), err)
	}

	return NewAppError(ErrorTypeFilesystem, fmt.Sprintf("Filesystem operation failed on %s", path), err)
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay returns BaseDelay * Multiplier^(attempt-1), capped at MaxDelay
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// GracefulShutdownHandler runs registered shutdown functions in reverse order
// once SIGINT or SIGTERM arrives, and cancels the context handed out by Context.
type GracefulShutdownHandler struct {
	mu            sync.Mutex
	shutdownFuncs []func() error
	signalChan    chan os.Signal
	done          chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	once          sync.Once
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdownHandler{
		signalChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterShutdownFunc registers a function to be called during shutdown
func (gsh *GracefulShutdownHandler) RegisterShutdownFunc(fn func() error) {
	gsh.mu.Lock()
	defer gsh.mu.Unlock()
	gsh.shutdownFuncs = append(gsh.shutdownFuncs, fn)
}

// Context is cancelled as soon as shutdown begins
func (gsh *GracefulShutdownHandler) Context() context.Context {
	return gsh.ctx
}

// Start starts listening for shutdown signals
func (gsh *GracefulShutdownHandler) Start() {
	signal.Notify(gsh.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if _, ok := <-gsh.signalChan; ok {
			gsh.Shutdown()
		}
	}()
}

// Stop stops listening for signals
func (gsh *GracefulShutdownHandler) Stop() {
	signal.Stop(gsh.signalChan)
	close(gsh.signalChan)
}

// WaitForShutdown waits for shutdown to complete
func (gsh *GracefulShutdownHandler) WaitForShutdown() {
	<-gsh.done
}

// Shutdown cancels the handler context and executes all registered shutdown
// functions. Only the first call has any effect.
func (gsh *GracefulShutdownHandler) Shutdown() {
	gsh.once.Do(func() {
		defer close(gsh.done)
		gsh.cancel()

		gsh.mu.Lock()
		funcs := append([]func() error(nil), gsh.shutdownFuncs...)
		gsh.mu.Unlock()

		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](); err != nil {
				fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			}
		}
	})
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		wrapped := NewAppError(appErr.Type, message, err)
		wrapped.Recoverable = appErr.Recoverable
		return wrapped
	}

	classified := NewErrorClassifier().ClassifyError(err)
	classified.Message = message
	return classified
}
