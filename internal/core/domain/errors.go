package domain

import (
	"errors"
	"fmt"
)

// DomainError is an error with a stable code.
// Codes have the form PM-<AREA>-<NNNN>.
type DomainError struct {
	Code    string
	Message string
	Details string
	Cause   error
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	cp := *e
	cp.Details = details
	return &cp
}

// WithDetailsf is WithDetails with formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	cp := *e
	cp.Cause = cause
	return &cp
}

// IsDomainError checks if err is a DomainError with the given code.
// An empty code matches any DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return code == "" || de.Code == code
}

// GetErrorCode extracts the error code from err, or "" if it has none.
func GetErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Wire errors.
var (
	ErrUnsupportedValue  = NewDomainError("PM-WIRE-4001", "unsupported value")
	ErrMalformedFrame    = NewDomainError("PM-WIRE-4002", "malformed frame")
	ErrProcessorMismatch = NewDomainError("PM-WIRE-4003", "pre-processor mismatch")
	ErrFrameTooLarge     = NewDomainError("PM-WIRE-4004", "frame exceeds size limit")
	ErrDecryptFailed     = NewDomainError("PM-WIRE-4005", "frame could not be decrypted")
)

// Connection errors.
var (
	ErrHandshakeRejected = NewDomainError("PM-CONN-4030", "handshake rejected")
	ErrPoolFull          = NewDomainError("PM-CONN-4290", "connection pool is full")
	ErrConnectionClosed  = NewDomainError("PM-CONN-4100", "connection closed")
)

// Store errors.
var (
	ErrObjectNotFound   = NewDomainError("PM-STOR-4040", "object not found")
	ErrUnknownField     = NewDomainError("PM-STOR-4041", "unknown field")
	ErrSchemaConflict   = NewDomainError("PM-STOR-4090", "schema already registered")
	ErrNoMatchingSchema = NewDomainError("PM-STOR-4042", "no registered schema matches")
	ErrTypeMismatch     = NewDomainError("PM-STOR-4001", "value type mismatch")
)

// Node errors.
var (
	ErrInvalidConfig  = NewDomainError("PM-NODE-1001", "invalid configuration")
	ErrContextStarted = NewDomainError("PM-NODE-4090", "node context already started")
)
