// Package core provides shared error and HTTP utilities for the osmadiff
// service and its MCP tools.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
)

// ErrorCode defines standard error codes for MCP tools
type ErrorCode string

// Standard error codes
const (
	// Input validation errors
	ErrInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrMissingParameter ErrorCode = "MISSING_PARAMETER"
	ErrInvalidParameter ErrorCode = "INVALID_PARAMETER"

	// Service errors
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrServiceTimeout     ErrorCode = "SERVICE_TIMEOUT"
	ErrRateLimit          ErrorCode = "RATE_LIMIT"
	ErrNetworkError       ErrorCode = "NETWORK_ERROR"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"

	// Data errors
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrParseError    ErrorCode = "PARSE_ERROR"
	ErrCacheError    ErrorCode = "CACHE_ERROR"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded error that can be rendered as an MCP tool result.
type Error struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Query       string   `json:"query,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Guidance    string   `json:"guidance,omitempty"`

	// Status is the HTTP status that produced the error, if any.
	Status int `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Guidance != "" {
		return fmt.Sprintf("%s: %s. %s", e.Code, e.Message, e.Guidance)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a new Error with the given code and message
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    string(code),
		Message: message,
	}
}

// WithQuery adds query information to the error
func (e *Error) WithQuery(query string) *Error {
	e.Query = query
	return e
}

// WithGuidance adds guidance information to the error
func (e *Error) WithGuidance(guidance string) *Error {
	e.Guidance = guidance
	return e
}

// WithSuggestions adds suggestions to the error
func (e *Error) WithSuggestions(suggestions ...string) *Error {
	e.Suggestions = append(e.Suggestions, suggestions...)
	return e
}

// ToMCPResult converts the error to an MCP tool result
func (e *Error) ToMCPResult() *mcp.CallToolResult {
	errorJSON, err := json.Marshal(e)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ERROR: %s - %s", e.Code, e.Message))
	}

	return mcp.NewToolResultError(string(errorJSON))
}

// IsCode reports whether err wraps an *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == string(code)
}

// ServiceError creates an error for external service failures
func ServiceError(service string, statusCode int, message string) *Error {
	var code ErrorCode
	var guidance string

	switch statusCode {
	case http.StatusNotFound, http.StatusGone:
		code = ErrNotFound
		guidance = "The requested workspace, changeset or element does not exist."
	case http.StatusUnauthorized, http.StatusForbidden:
		code = ErrUnauthorized
		guidance = "Check the API token and that it grants access to the workspace."
	case http.StatusTooManyRequests:
		code = ErrRateLimit
		guidance = "The service is rate-limited. Please try again in a few moments."
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = ErrServiceTimeout
		guidance = "The request timed out. Please try again later."
	case http.StatusBadRequest:
		code = ErrInvalidInput
		guidance = "The request was invalid. Check your parameters and try again."
	case http.StatusInternalServerError:
		code = ErrInternalError
		guidance = "The server encountered an error. This is likely temporary, please try again later."
	case http.StatusServiceUnavailable:
		code = ErrServiceUnavailable
		guidance = "The service is temporarily unavailable. Please try again later."
	default:
		code = ErrServiceUnavailable
		guidance = "Please try again later or modify your request parameters."
	}

	e := NewError(code, fmt.Sprintf("%s service error: %s", service, message)).
		WithGuidance(guidance)
	e.Status = statusCode
	return e
}

// NewValidationError creates an error for validation failures
func NewValidationError(code ErrorCode, message string) *Error {
	return NewError(code, message).
		WithGuidance("Please correct the parameters and try again.")
}

// AsError converts any error into an *Error, keeping coded errors intact.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return NewError(ErrInternalError, err.Error())
}
