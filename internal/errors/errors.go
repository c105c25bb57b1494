// FilePath: server/ingest/internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// Error types
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeTransport  ErrorType = "transport"
	ErrorTypeInternal   ErrorType = "internal"
)

// IngestError represents a structured ingestion error
type IngestError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	err     error     // Internal error for logging
}

// Error implements the error interface
func (e *IngestError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s (internal: %v)", e.Type, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the internal error to errors.Is and errors.As
func (e *IngestError) Unwrap() error {
	return e.err
}

// WithDetails adds additional details to the error
func (e *IngestError) WithDetails(details any) *IngestError {
	e.Details = details
	return e
}

// NewValidationError creates a new validation error
func NewValidationError(msg string, err error) *IngestError {
	return &IngestError{
		Type:    ErrorTypeValidation,
		Message: msg,
		err:     err,
	}
}

// NewDatabaseError creates a new database error
func NewDatabaseError(msg string, err error) *IngestError {
	return &IngestError{
		Type:    ErrorTypeDatabase,
		Message: msg,
		err:     err,
	}
}

// NewTransportError creates a new broker transport error
func NewTransportError(msg string, err error) *IngestError {
	return &IngestError{
		Type:    ErrorTypeTransport,
		Message: msg,
		err:     err,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(msg string, err error) *IngestError {
	return &IngestError{
		Type:    ErrorTypeInternal,
		Message: msg,
		err:     err,
	}
}

func isType(err error, t ErrorType) bool {
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		return ingestErr.Type == t
	}
	return false
}

// IsValidation checks if an error is a Validation error
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsDatabase checks if an error is a Database error
func IsDatabase(err error) bool {
	return isType(err, ErrorTypeDatabase)
}

// IsTransport checks if an error is a Transport error
func IsTransport(err error) bool {
	return isType(err, ErrorTypeTransport)
}
