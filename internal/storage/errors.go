package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Error variables for the failure modes callers branch on
var (
	// Configuration errors
	ErrUnknownDriver  = errors.New("unknown storage driver")
	ErrMissingPath    = errors.New("storage path is required")
	ErrMissingConnStr = errors.New("database connection string is required")

	// Connection errors
	ErrStorageClosed    = errors.New("storage is closed")
	ErrConnectionFailed = errors.New("failed to open storage")

	// Transaction errors
	ErrTxClosed       = errors.New("transaction is closed")
	ErrTxReadOnly     = errors.New("transaction is read-only")
	ErrTxSerialization = errors.New("transaction serialization failure")

	// Data errors
	ErrNotFound         = errors.New("record not found")
	ErrNoCorpus         = errors.New("producer has no corpus")
	ErrCorruptRecord    = errors.New("stored record does not decode")
	ErrDuplicateEntry   = errors.New("duplicate entry")

	// Lock errors
	ErrProducerLocked = errors.New("producer metadata is locked by another run")
)

// ErrorType represents different categories of storage errors
type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConfiguration
	ErrorTypeConnection
	ErrorTypeTransaction
	ErrorTypeData
	ErrorTypeConstraint
	ErrorTypeLock
)

// StoreError provides detailed information about storage failures
type StoreError struct {
	Type      ErrorType              `json:"type"`
	Operation string                 `json:"operation"`
	Message   string                 `json:"message"`
	Cause     error                  `json:"cause,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
}

// Error implements the error interface
func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// Unwrap returns the underlying cause error
func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target
func (e *StoreError) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(*StoreError); ok {
		return e.Type == se.Type && e.Message == se.Message
	}
	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeData && e.Code == "NOT_FOUND"
	case ErrNoCorpus:
		return e.Type == ErrorTypeData && e.Code == "NO_CORPUS"
	case ErrCorruptRecord:
		return e.Type == ErrorTypeData && e.Code == "CORRUPT_RECORD"
	case ErrProducerLocked:
		return e.Type == ErrorTypeLock && e.Code == "PRODUCER_LOCKED"
	case ErrTxClosed:
		return e.Type == ErrorTypeTransaction && e.Code == "TX_CLOSED"
	case ErrTxReadOnly:
		return e.Type == ErrorTypeTransaction && e.Code == "TX_READ_ONLY"
	case ErrTxSerialization:
		return e.Type == ErrorTypeTransaction && e.Code == "TX_SERIALIZATION"
	case ErrStorageClosed:
		return e.Type == ErrorTypeConnection && e.Code == "STORAGE_CLOSED"
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection && e.Code == "CONNECTION_FAILED"
	case ErrDuplicateEntry:
		return e.Type == ErrorTypeConstraint && e.Code == "DUPLICATE_ENTRY"
	}
	return false
}

// WithDetail adds a detail to the error
func (e *StoreError) WithDetail(key string, value interface{}) *StoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCode sets the error code
func (e *StoreError) WithCode(code string) *StoreError {
	e.Code = code
	return e
}

// IsRetryable returns whether the error is retryable
func (e *StoreError) IsRetryable() bool {
	return e.Retryable
}

// NewStoreError creates a new StoreError
func NewStoreError(errorType ErrorType, operation, message string, cause error) *StoreError {
	return &StoreError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryableError(errorType, cause),
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConfiguration, operation, message, cause)
}

// NewConnectionError creates a connection error
func NewConnectionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConnection, operation, message, cause)
}

// NewTransactionError creates a transaction error
func NewTransactionError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeTransaction, operation, message, cause)
}

// NewDataError creates a data error
func NewDataError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeData, operation, message, cause)
}

// NewConstraintError creates a constraint error
func NewConstraintError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeConstraint, operation, message, cause)
}

// NewLockError creates a lock error
func NewLockError(operation, message string, cause error) *StoreError {
	return NewStoreError(ErrorTypeLock, operation, message, cause)
}

// NewNotFoundError creates the standard not-found error for an operation.
func NewNotFoundError(operation, what string) *StoreError {
	return NewDataError(operation, what+" not found", ErrNotFound).WithCode("NOT_FOUND")
}

// NewProducerLockedError creates the standard advisory-lock conflict error.
func NewProducerLockedError(operation, producerOrgURL string) *StoreError {
	e := NewLockError(operation,
		fmt.Sprintf("producer %s is locked by another run", producerOrgURL), ErrProducerLocked)
	return e.WithCode("PRODUCER_LOCKED")
}

// isRetryableError determines if an error is retryable based on its type and cause
func isRetryableError(errorType ErrorType, cause error) bool {
	switch errorType {
	case ErrorTypeConnection:
		return true
	case ErrorTypeTransaction:
		if cause != nil {
			errStr := strings.ToLower(cause.Error())
			if strings.Contains(errStr, "deadlock") || strings.Contains(errStr, "serialization") ||
				strings.Contains(errStr, "busy") || strings.Contains(errStr, "timeout") ||
				strings.Contains(errStr, "temporary") {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// IsNotFound reports whether err means the requested record does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoCorpus)
}

// IsProducerLocked reports whether err is the advisory-lock conflict
func IsProducerLocked(err error) bool {
	return errors.Is(err, ErrProducerLocked)
}

// IsRetryable reports whether the operation that produced err may succeed
// if run again
func IsRetryable(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return errors.Is(err, ErrTxSerialization)
}
