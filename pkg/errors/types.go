// Package errors provides structured error handling for the mcpwire module.
// It defines error types that map to wire-level error codes and carry enough
// context for programmatic handling on both sides of a connection.
package errors

import (
	"fmt"
	"time"
)

// Category classifies an error for handling decisions
type Category string

const (
	CategoryProtocol  Category = "protocol"
	CategoryTransport Category = "transport"
	CategoryTimeout   Category = "timeout"
	CategoryInternal  Category = "internal"
	CategoryNotFound  Category = "not_found"
)

// Severity indicates how critical an error is
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context carries information about where and when an error occurred
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MCPError is the interface implemented by all errors this module produces
type MCPError interface {
	error

	// Code returns the wire-level error code
	Code() int

	// Message returns a short human-readable message
	Message() string

	// Detail returns the underlying failure description, if any
	Detail() string

	// Category returns the error category for classification
	Category() Category

	// Severity returns the error severity level
	Severity() Severity

	// Context returns the error context information
	Context() *Context

	// WithContext returns a copy of the error with the provided context
	WithContext(ctx *Context) MCPError

	// WithDetail returns a copy of the error with additional detail
	WithDetail(detail string) MCPError

	// Unwrap returns the underlying error for errors.Is/As traversal
	Unwrap() error
}

type baseError struct {
	code     int
	message  string
	detail   string
	category Category
	severity Severity
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s", e.message, e.detail)
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Detail() string     { return e.detail }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Context() *Context  { return e.context }
func (e *baseError) Unwrap() error      { return e.cause }

func (e *baseError) WithContext(ctx *Context) MCPError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithDetail(detail string) MCPError {
	newErr := *e
	if newErr.detail != "" {
		newErr.detail = fmt.Sprintf("%s; %s", newErr.detail, detail)
	} else {
		newErr.detail = detail
	}
	return &newErr
}

// NewError creates a new MCPError with the specified parameters
func NewError(code int, message string, category Category, severity Severity) MCPError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  &Context{Timestamp: time.Now()},
	}
}

// WrapError wraps an existing error as an MCPError
func WrapError(err error, code int, message string, category Category, severity Severity) MCPError {
	var detail string
	if err != nil {
		detail = err.Error()
	}
	return &baseError{
		code:     code,
		message:  message,
		detail:   detail,
		category: category,
		severity: severity,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsMCPError extracts an MCPError from any error
func AsMCPError(err error) (MCPError, bool) {
	if err == nil {
		return nil, false
	}
	mcpErr, ok := err.(MCPError)
	return mcpErr, ok
}

// IsCode reports whether err carries the given wire-level code
func IsCode(err error, code int) bool {
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.Code() == code
	}
	return false
}

// IsCategory reports whether err belongs to the given category
func IsCategory(err error, category Category) bool {
	if mcpErr, ok := AsMCPError(err); ok {
		return mcpErr.Category() == category
	}
	return false
}
