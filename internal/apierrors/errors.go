// Package apierrors provides structured, wire-stable error codes for the
// kernel's OAuth and sandbox boundaries.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a wire-stable error tag. OAuth codes match the exact strings
// required on the token/authorize error response; sandbox codes are the tags
// the HTTP boundary derives from sandbox.Error codes (ExecutionResult.Error
// itself carries the underlying message, not these tags).
type ErrorCode string

const (
	// OAuth error tags (§7).
	CodeInvalidClient           ErrorCode = "invalid_client"
	CodeInvalidRequest          ErrorCode = "invalid_request"
	CodeInvalidGrant            ErrorCode = "invalid_grant"
	CodeInvalidScope            ErrorCode = "invalid_scope"
	CodeUnsupportedResponseType ErrorCode = "unsupported_response_type"
	CodeUnsupportedGrantType    ErrorCode = "unsupported_grant_type"
	CodeInvalidDPoPProof        ErrorCode = "invalid_dpop_proof"

	// Sandbox error tags (§7).
	CodeInvalidLanguage       ErrorCode = "invalid_language"
	CodeCodeTooLarge          ErrorCode = "code_too_large"
	CodeTooManyExecutions     ErrorCode = "too_many"
	CodeImageNotFound         ErrorCode = "image_not_found"
	CodeImagePullFailed       ErrorCode = "image_pull_failed"
	CodeContainerCreateFailed ErrorCode = "container_create_failed"
	CodeContainerStartFailed  ErrorCode = "container_start_failed"
	CodeExecutionTimeout      ErrorCode = "execution_timeout"
	CodeExecutionOOM          ErrorCode = "execution_oom"
	CodeExecutionFailed       ErrorCode = "execution_failed"
	CodeOutputTooLarge        ErrorCode = "output_too_large"
	CodeDockerNotAvailable    ErrorCode = "docker_not_available"
	CodeInternalError         ErrorCode = "internal_error"

	// Bus error tags (§7) — delivery failures are retried/DLQ'd and never
	// raised to the publisher; only queue admission errors surface here.
	CodeQueueFull ErrorCode = "queue_full"

	// Generic.
	CodeNotFound ErrorCode = "not_found"
)

var httpStatusByCode = map[ErrorCode]int{
	CodeInvalidClient:           http.StatusUnauthorized,
	CodeInvalidRequest:          http.StatusBadRequest,
	CodeInvalidGrant:            http.StatusBadRequest,
	CodeInvalidScope:            http.StatusBadRequest,
	CodeUnsupportedResponseType: http.StatusBadRequest,
	CodeUnsupportedGrantType:    http.StatusBadRequest,
	CodeInvalidDPoPProof:        http.StatusUnauthorized,

	CodeInvalidLanguage:       http.StatusBadRequest,
	CodeCodeTooLarge:          http.StatusBadRequest,
	CodeTooManyExecutions:     http.StatusTooManyRequests,
	CodeImageNotFound:         http.StatusUnprocessableEntity,
	CodeImagePullFailed:       http.StatusBadGateway,
	CodeContainerCreateFailed: http.StatusInternalServerError,
	CodeContainerStartFailed:  http.StatusInternalServerError,
	CodeExecutionTimeout:      http.StatusOK,
	CodeExecutionOOM:          http.StatusOK,
	CodeExecutionFailed:       http.StatusOK,
	CodeOutputTooLarge:        http.StatusOK,
	CodeDockerNotAvailable:    http.StatusServiceUnavailable,
	CodeInternalError:         http.StatusInternalServerError,

	CodeQueueFull: http.StatusTooManyRequests,
	CodeNotFound:  http.StatusNotFound,
}

// ServiceError is a structured error carrying a wire-stable code, an HTTP
// status, and optional details. It never embeds token or credential
// material in Message or Details.
type ServiceError struct {
	Code        ErrorCode              `json:"error"`
	Description string                 `json:"error_description,omitempty"`
	HTTPStatus  int                    `json:"-"`
	Details     map[string]interface{} `json:"-"`
	Err         error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Err)
	}
	if e.Description != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Description)
	}
	return string(e.Code)
}

func (e *ServiceError) Unwrap() error { return e.Err }

func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError for a known code, looking up its HTTP status.
func New(code ErrorCode, description string) *ServiceError {
	status, ok := httpStatusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &ServiceError{Code: code, Description: description, HTTPStatus: status}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(code ErrorCode, description string, err error) *ServiceError {
	se := New(code, description)
	se.Err = err
	return se
}

// Is reports whether err is a ServiceError carrying the given code.
func Is(err error, code ErrorCode) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// GetServiceError extracts a ServiceError from an error chain, if present.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// HTTPStatus returns the HTTP status code associated with err, defaulting to
// 500 for non-ServiceError values.
func HTTPStatus(err error) int {
	if se := GetServiceError(err); se != nil {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
