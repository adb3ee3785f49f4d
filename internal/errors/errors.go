// Package errors provides structured error types for the ingestion pipeline.
// All errors include a category, code, message, and retryable flag so the
// coordinator can decide between retrying and surfacing a failure.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryInput    ErrorCategory = "INPUT"
	ErrCategorySchema   ErrorCategory = "SCHEMA"
	ErrCategoryStorage  ErrorCategory = "STORAGE"
	ErrCategoryCatalog  ErrorCategory = "CATALOG"
	ErrCategoryInternal ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Input codes
	CodeMalformedInput      = "MALFORMED_INPUT"
	CodeInvalidPartitionKey = "INVALID_PARTITION_KEY"

	// Schema codes
	CodeSchemaConflict = "SCHEMA_CONFLICT"

	// Storage codes
	CodeWriteFailed      = "WRITE_FAILED"
	CodeReadFailed       = "READ_FAILED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeObjectNotFound   = "OBJECT_NOT_FOUND"

	// Catalog codes
	CodeCatalogUnavailable = "CATALOG_UNAVAILABLE"
	CodeVersionConflict    = "VERSION_CONFLICT"
	CodeCorruptEntry       = "CORRUPT_ENTRY"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the pipeline.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string. Details are appended in key order.
func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s:%s] %s", e.Category, e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, e.Details[k])
		}
		sb.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&sb, ": %v", e.Cause)
	}
	return sb.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details merged in.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an *Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetDetails extracts the details of the first *Error in the chain.
func GetDetails(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	case category == ErrCategoryCatalog && code == CodeCatalogUnavailable:
		return true
	case category == ErrCategoryCatalog && code == CodeVersionConflict:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is matching against the taxonomy.
var (
	ErrMalformedInput     = New(ErrCategoryInput, CodeMalformedInput, "malformed input")
	ErrSchemaConflict     = New(ErrCategorySchema, CodeSchemaConflict, "schema conflict")
	ErrStorageWrite       = New(ErrCategoryStorage, CodeWriteFailed, "storage write failed")
	ErrStoragePermission  = New(ErrCategoryStorage, CodePermissionDenied, "storage permission denied")
	ErrCatalogUnavailable = New(ErrCategoryCatalog, CodeCatalogUnavailable, "catalog unavailable")
)

// Convenience constructors for the pipeline taxonomy.

func NewMalformedInputError(message string, cause error) *Error {
	return Wrap(ErrCategoryInput, CodeMalformedInput, message, cause)
}

// NewSchemaConflictError names the column and both conflicting types.
func NewSchemaConflictError(column, existing, incoming string) *Error {
	return New(ErrCategorySchema, CodeSchemaConflict,
		fmt.Sprintf("column %q: cannot reconcile %s with %s", column, existing, incoming)).
		WithDetails(map[string]interface{}{
			"column":        column,
			"existing_type": existing,
			"incoming_type": incoming,
		})
}

func NewStorageWriteError(message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, CodeWriteFailed, message, cause)
}

func NewStorageReadError(message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, CodeReadFailed, message, cause)
}

func NewStoragePermissionError(message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, CodePermissionDenied, message, cause)
}

func NewCatalogUnavailableError(message string, cause error) *Error {
	return Wrap(ErrCategoryCatalog, CodeCatalogUnavailable, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
