// Package errors provides unified domain error handling for the record
// execution engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a domain error kind, independent of transport.
type ErrorCode string

const (
	// ErrCodeNotFound covers a missing record, task, manager, service
	// dependency, or internal job.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeStateConflict covers an illegal status transition, returning a
	// task the caller no longer owns, activating a duplicate manager name,
	// or modifying a non-waiting record's tag/priority.
	ErrCodeStateConflict ErrorCode = "STATE_CONFLICT"
	// ErrCodeValidation covers a malformed specification, empty
	// required_programs/tags, or non-lowercase programs.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrCodeDedupCollision marks an insert that aliased an existing row by
	// canonical hash; handlers treat this as a disposition, not a failure.
	ErrCodeDedupCollision ErrorCode = "DEDUP_COLLISION"
	// ErrCodeCompute wraps a domain-level failure reported by a manager.
	// Never surfaced as an HTTP error; it lives inside the record.
	ErrCodeCompute ErrorCode = "COMPUTE_ERROR"
	// ErrCodeInternal covers unexpected server-side failures.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrCodeRateLimitExceeded covers a manager that has exceeded its
	// claim/return request budget.
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// ServiceError is a structured domain error with an HTTP status mapping.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails attaches a key/value pair for diagnostic context.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError with no wrapped cause.
func New(code ErrorCode, message string, httpStatus int) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ServiceError around an existing error.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// NotFound reports a missing resource by kind and id.
func NotFound(resource, id string) *ServiceError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// StateConflict reports an illegal state transition or ownership conflict.
func StateConflict(message string) *ServiceError {
	return New(ErrCodeStateConflict, message, http.StatusConflict)
}

// Validation reports a malformed request body or field.
func Validation(field, reason string) *ServiceError {
	return New(ErrCodeValidation, reason, http.StatusBadRequest).
		WithDetails("field", field)
}

// DedupCollision marks an insert that aliased an existing row. Callers treat
// this as a disposition (existing_idx), not a failure path.
func DedupCollision(existingID string) *ServiceError {
	return New(ErrCodeDedupCollision, "matched an existing row by canonical hash", http.StatusOK).
		WithDetails("existing_id", existingID)
}

// Compute wraps a failure reported by a manager. Never translated to an HTTP
// status; callers store it on the record's terminal output instead.
func Compute(errorType, message string) *ServiceError {
	return New(ErrCodeCompute, message, 0).WithDetails("error_type", errorType)
}

// RateLimitExceeded reports that a caller exceeded its allotted request rate.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return New(ErrCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal wraps an unexpected server-side failure.
func Internal(message string, err error) *ServiceError {
	return Wrap(ErrCodeInternal, message, http.StatusInternalServerError, err)
}

// IsServiceError reports whether err carries a *ServiceError anywhere in its chain.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts the first *ServiceError in err's chain, if any.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// GetHTTPStatus returns the HTTP status for err, defaulting to 500.
func GetHTTPStatus(err error) int {
	if serviceErr := GetServiceError(err); serviceErr != nil {
		if serviceErr.HTTPStatus == 0 {
			return http.StatusInternalServerError
		}
		return serviceErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
