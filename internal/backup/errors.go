package backup

import (
	"errors"
	"fmt"
)

// BackupError represents errors that occur during backup lifecycle operations
type BackupError struct {
	Type    BackupErrorType        `json:"type"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *BackupError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BackupError) Unwrap() error {
	return e.Cause
}

// BackupErrorType represents different types of backup errors
type BackupErrorType string

const (
	BackupErrorTypeValidation        BackupErrorType = "VALIDATION_ERROR"
	BackupErrorTypeNotFound          BackupErrorType = "NOT_FOUND_ERROR"
	BackupErrorTypeNotFoundOnDisk    BackupErrorType = "NOT_FOUND_ON_DISK_ERROR"
	BackupErrorTypePathConflict      BackupErrorType = "PATH_CONFLICT_ERROR"
	BackupErrorTypeUnsupportedFormat BackupErrorType = "UNSUPPORTED_FORMAT_ERROR"
	BackupErrorTypeTargetBusy        BackupErrorType = "TARGET_BUSY_ERROR"
	BackupErrorTypeBrokenPolicy      BackupErrorType = "BROKEN_POLICY_ERROR"
	BackupErrorTypeConflict          BackupErrorType = "CONFLICT_ERROR"
	BackupErrorTypeStorage           BackupErrorType = "STORAGE_ERROR"
	BackupErrorTypeDatabase          BackupErrorType = "DATABASE_ERROR"
)

// NewBackupError creates a new BackupError
func NewBackupError(errorType BackupErrorType, message string, cause error) *BackupError {
	return &BackupError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *BackupError) WithContext(key string, value interface{}) *BackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// Common error constructors
func NewValidationError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFound, message, cause)
}

func NewNotFoundOnDiskError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeNotFoundOnDisk, message, cause)
}

func NewPathConflictError(path string) *BackupError {
	return NewBackupError(BackupErrorTypePathConflict,
		fmt.Sprintf("destination %s already exists", path), nil).WithContext("path", path)
}

func NewUnsupportedFormatError(name string) *BackupError {
	return NewBackupError(BackupErrorTypeUnsupportedFormat,
		fmt.Sprintf("%s is not a supported archive (.zip, .tar, .tar.gz, .tar.xz)", name), nil).
		WithContext("file", name)
}

func NewTargetBusyError(targetID string) *BackupError {
	return NewBackupError(BackupErrorTypeTargetBusy,
		fmt.Sprintf("target %s already has an open sequential upload", targetID), nil).
		WithContext("target_id", targetID)
}

func NewBrokenPolicyError(message string) *BackupError {
	return NewBackupError(BackupErrorTypeBrokenPolicy, message, nil)
}

func NewConflictError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeConflict, message, cause)
}

func NewStorageError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeStorage, message, cause)
}

func NewDatabaseError(message string, cause error) *BackupError {
	return NewBackupError(BackupErrorTypeDatabase, message, cause)
}

// ErrorType reports the BackupErrorType anywhere in err's chain, or "" if none.
func ErrorType(err error) BackupErrorType {
	var backupErr *BackupError
	if errors.As(err, &backupErr) {
		return backupErr.Type
	}
	return ""
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return ErrorType(err) == BackupErrorTypeValidation
}

// IsNotFoundError checks if the error is a missing-record error
func IsNotFoundError(err error) bool {
	return ErrorType(err) == BackupErrorTypeNotFound
}

// IsNotFoundOnDiskError checks if the error reports bytes missing from disk
func IsNotFoundOnDiskError(err error) bool {
	return ErrorType(err) == BackupErrorTypeNotFoundOnDisk
}

func IsPathConflictError(err error) bool {
	return ErrorType(err) == BackupErrorTypePathConflict
}

func IsUnsupportedFormatError(err error) bool {
	return ErrorType(err) == BackupErrorTypeUnsupportedFormat
}

func IsTargetBusyError(err error) bool {
	return ErrorType(err) == BackupErrorTypeTargetBusy
}

func IsBrokenPolicyError(err error) bool {
	return ErrorType(err) == BackupErrorTypeBrokenPolicy
}

func IsConflictError(err error) bool {
	return ErrorType(err) == BackupErrorTypeConflict
}

func IsStorageError(err error) bool {
	return ErrorType(err) == BackupErrorTypeStorage
}

func IsDatabaseError(err error) bool {
	return ErrorType(err) == BackupErrorTypeDatabase
}

// FieldError names one invalid target field
type FieldError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *FieldError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// FieldErrors represents a collection of field validation errors
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d validation errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a field error to the collection
func (e *FieldErrors) Add(field, message string, value interface{}) {
	*e = append(*e, FieldError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// HasErrors returns true if there are field errors
func (e FieldErrors) HasErrors() bool {
	return len(e) > 0
}

// AsError returns a VALIDATION_ERROR wrapping the collection, or nil when empty
func (e FieldErrors) AsError() error {
	if !e.HasErrors() {
		return nil
	}
	return NewValidationError("invalid target fields", e)
}
