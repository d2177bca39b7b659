package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a row or key does not exist
	ErrNotFound = errors.New("not found")

	// ErrStopped is returned by drivers that were asked to stop
	ErrStopped = errors.New("stopped")
)

// TransportError is a failure talking to the central server. It aborts the
// current cycle; cursors are untouched for the failed batch.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TranslationError is a malformed or unrecognised payload for one record
type TranslationError struct {
	Table    string
	RecordID string
	Err      error
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("translate %s:%s: %v", e.Table, e.RecordID, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

// ConstraintError is a write rejected by storage, typically a reference to
// a row that has not arrived yet
type ConstraintError struct {
	Table  string
	ID     string
	Reason string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation on %s:%s: %s", e.Table, e.ID, e.Reason)
}

// ConfigError reports missing or invalid settings
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// TimeoutError is returned when waiting on a remote operation exceeds its bound
type TimeoutError struct {
	Op      string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Elapsed)
}

// ErrorCategory classifies errors for metrics and cycle policy
type ErrorCategory string

const (
	CategoryNone        ErrorCategory = ""
	CategoryTransport   ErrorCategory = "transport"
	CategoryTranslation ErrorCategory = "translation"
	CategoryConstraint  ErrorCategory = "constraint"
	CategoryConfig      ErrorCategory = "config"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryUnknown     ErrorCategory = "unknown"
)

// Category returns the taxonomy bucket of err
func Category(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}

	var te *TransportError
	var tr *TranslationError
	var ce *ConstraintError
	var cfgErr *ConfigError
	var to *TimeoutError

	switch {
	case errors.As(err, &to):
		return CategoryTimeout
	case errors.As(err, &te):
		return CategoryTransport
	case errors.As(err, &tr):
		return CategoryTranslation
	case errors.As(err, &ce):
		return CategoryConstraint
	case errors.As(err, &cfgErr):
		return CategoryConfig
	}
	return CategoryUnknown
}

// IsTransport reports whether err is a transport failure
func IsTransport(err error) bool {
	return Category(err) == CategoryTransport
}

// IsConstraint reports whether err is a storage constraint failure
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a remote wait timeout
func IsTimeout(err error) bool {
	var to *TimeoutError
	return errors.As(err, &to)
}
